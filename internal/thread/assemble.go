package thread

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ibeckermayer/replyweave/internal/store"
	"github.com/ibeckermayer/replyweave/internal/types"
)

// ErrForeignRecord is returned when a record handed to Assemble belongs to
// a different conversation.
var ErrForeignRecord = errors.New("thread: record belongs to another conversation")

// Thread is one branch of a conversation, anchored on a target reply.
type Thread struct {
	ThreadID string         `json:"threadId"`
	Tweets   []*types.Tweet `json:"tweets"`
}

// Conversation groups the threads of one reply tree.
type Conversation struct {
	ConversationID string   `json:"conversationId"`
	Threads        []Thread `json:"threads"`
}

// Assembler turns the stored records of a conversation into threads.
type Assembler struct {
	log zerolog.Logger
}

// NewAssembler creates an Assembler.
func NewAssembler(log zerolog.Logger) *Assembler {
	return &Assembler{log: log.With().Str("component", "assembler").Logger()}
}

// branches is an insertion-ordered grouping of records by branch key.
type branches struct {
	keys    []string
	members map[string][]*store.Record
}

func (b *branches) add(key string, r *store.Record) {
	if _, ok := b.members[key]; !ok {
		b.keys = append(b.keys, key)
	}
	b.members[key] = append(b.members[key], r)
}

// Assemble builds the conversation for conversationID. It returns nil when
// no record is a target reply.
//
// Every branch holding a target reply becomes a thread. The root record,
// when stored, is added to every thread. Tweets are ordered by
// (created_at_epoch, id) and the thread id is the latest target reply of
// the branch. Threads appear in the order their branches were first seen
// walking the records chronologically.
func (a *Assembler) Assemble(conversationID string, records []store.Record) (*Conversation, error) {
	recs, err := prepare(conversationID, records)
	if err != nil {
		return nil, err
	}

	parents := make(map[string]string, len(recs))
	var root *store.Record
	hasTarget := false
	for _, r := range recs {
		parents[r.ID] = r.ParentID
		if r.ID == conversationID {
			root = r
		}
		if r.IsTargetReply {
			hasTarget = true
		}
	}
	if !hasTarget {
		return nil, nil
	}

	branchOf := Resolve(conversationID, parents)

	anchored := branches{members: map[string][]*store.Record{}}
	for _, r := range recs {
		if r.IsTargetReply {
			anchored.add(branchOf[r.ID], r)
		}
	}

	// The root is added to every thread below, so it stays out of the
	// branch lists.
	all := branches{members: map[string][]*store.Record{}}
	for _, r := range recs {
		if r != root {
			all.add(branchOf[r.ID], r)
		}
	}

	conv := &Conversation{ConversationID: conversationID, Threads: make([]Thread, 0, len(anchored.keys))}
	for _, key := range anchored.keys {
		if p := parents[key]; p != "" && p != conversationID {
			a.log.Debug().
				Str("conversation", conversationID).
				Str("branch", key).
				Str("missing_parent", p).
				Msg("branch does not reach the root")
		}

		members := all.members[key]
		if root != nil {
			members = append(append([]*store.Record(nil), members...), root)
		}
		sortRecords(members)

		targets := anchored.members[key]
		latest := targets[len(targets)-1]

		tweets := make([]*types.Tweet, len(members))
		for i, m := range members {
			tweets[i] = m.Tweet
		}
		conv.Threads = append(conv.Threads, Thread{ThreadID: latest.ID, Tweets: tweets})
	}
	return conv, nil
}

// prepare validates membership, drops repeated ids (first wins) and sorts
// the records chronologically.
func prepare(conversationID string, records []store.Record) ([]*store.Record, error) {
	seen := make(map[string]struct{}, len(records))
	out := make([]*store.Record, 0, len(records))
	for i := range records {
		r := &records[i]
		if r.ConversationID != conversationID {
			return nil, fmt.Errorf("%w: %s is in %q, not %q", ErrForeignRecord, r.ID, r.ConversationID, conversationID)
		}
		if r.ID == "" {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(recs []*store.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAtEpoch != recs[j].CreatedAtEpoch {
			return recs[i].CreatedAtEpoch < recs[j].CreatedAtEpoch
		}
		return recs[i].ID < recs[j].ID
	})
}
