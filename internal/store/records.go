package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/ibeckermayer/replyweave/internal/types"
)

// Record is one stored tweet: its derived indexing columns plus the
// canonical payload.
type Record struct {
	ID             string
	ConversationID string
	ParentID       string
	AuthorName     string
	CreatedAt      string
	CreatedAtEpoch int64
	IsReply        bool
	IsTargetReply  bool
	Tweet          *types.Tweet

	payload string
}

// IsRoot reports whether the record is the root of its conversation.
func (r *Record) IsRoot() bool {
	return r.ID != "" && r.ID == r.ConversationID
}

// BatchError reports a failed upsert batch. Rows before Offset were
// committed; the failing batch was rolled back as a whole.
type BatchError struct {
	Offset int
	Size   int
	Err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("store: upsert batch [%d,%d): %v", e.Offset, e.Offset+e.Size, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

var errNoID = errors.New("record has no id")

// derive computes the indexing columns for a canonical tweet.
func (s *Store) derive(t *types.Tweet) (Record, error) {
	if t == nil {
		return Record{}, errNoID
	}
	id := t.IDString()
	if id == "" {
		return Record{}, errNoID
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return Record{}, errors.Wrapf(err, "marshal %s", id)
	}

	author := t.AuthorUserName()
	isReply := t.Reply()
	createdAt := t.CreatedAtString()

	return Record{
		ID:             id,
		ConversationID: t.ConversationIDString(),
		ParentID:       t.ParentID(),
		AuthorName:     author,
		CreatedAt:      createdAt,
		CreatedAtEpoch: types.ParseEpoch(createdAt),
		IsReply:        isReply,
		IsTargetReply:  isReply && s.isTarget(author),
		Tweet:          t,
		payload:        string(payload),
	}, nil
}

func (s *Store) isTarget(author string) bool {
	return s.targetAuthor != "" && strings.EqualFold(strings.TrimPrefix(author, "@"), s.targetAuthor)
}

// Upsert writes tweets in batches, one transaction per batch. A later
// observation of an id overwrites every column of the earlier one. Tweets
// without an id are skipped. The returned count is the number of rows
// attempted, not the number that changed.
func (s *Store) Upsert(ctx context.Context, tweets []*types.Tweet) (int, error) {
	batch := make([]Record, 0, s.batchSize)
	count := 0
	for _, t := range tweets {
		rec, err := s.derive(t)
		if err != nil {
			continue
		}
		batch = append(batch, rec)
		if len(batch) >= s.batchSize {
			if err := s.upsertBatch(ctx, batch); err != nil {
				return count, &BatchError{Offset: count, Size: len(batch), Err: err}
			}
			count += len(batch)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := s.upsertBatch(ctx, batch); err != nil {
			return count, &BatchError{Offset: count, Size: len(batch), Err: err}
		}
		count += len(batch)
	}
	return count, nil
}

func (s *Store) upsertBatch(ctx context.Context, rows []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tweets (id, conversation_id, author_name, created_at, created_at_epoch,
			is_reply, is_target_reply, parent_id, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			author_name = excluded.author_name,
			created_at = excluded.created_at,
			created_at_epoch = excluded.created_at_epoch,
			is_reply = excluded.is_reply,
			is_target_reply = excluded.is_target_reply,
			parent_id = excluded.parent_id,
			payload = excluded.payload
	`)
	if err != nil {
		return errors.Wrap(err, "prepare upsert")
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.ID, nullString(r.ConversationID), nullString(r.AuthorName), nullString(r.CreatedAt),
			r.CreatedAtEpoch, r.IsReply, r.IsTargetReply, nullString(r.ParentID), r.payload,
		); err != nil {
			return errors.Wrapf(err, "upsert %s", r.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	committed = true
	return nil
}

const recordColumns = `id, conversation_id, parent_id, author_name, created_at,
	created_at_epoch, is_reply, is_target_reply, payload`

// ByConversation returns every record of a conversation ordered by
// (created_at_epoch, id).
func (s *Store) ByConversation(ctx context.Context, conversationID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM tweets
		WHERE conversation_id = ?
		ORDER BY created_at_epoch, id
	`, conversationID)
	if err != nil {
		return nil, errors.Wrapf(err, "store: conversation %s", conversationID)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, errors.Wrapf(err, "store: conversation %s", conversationID)
	}
	return recs, nil
}

// ChangedSince returns the sorted conversation ids having at least one
// record with created_at_epoch > epoch.
func (s *Store) ChangedSince(ctx context.Context, epoch int64) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT DISTINCT conversation_id FROM tweets
		WHERE created_at_epoch > ? AND conversation_id IS NOT NULL AND conversation_id != ''
		ORDER BY conversation_id
	`, epoch)
}

// ConversationIDs returns every known conversation id, sorted.
func (s *Store) ConversationIDs(ctx context.Context) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT DISTINCT conversation_id FROM tweets
		WHERE conversation_id IS NOT NULL AND conversation_id != ''
		ORDER BY conversation_id
	`)
}

// TargetConversationIDs returns the sorted ids of conversations containing
// at least one target reply.
func (s *Store) TargetConversationIDs(ctx context.Context) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT DISTINCT conversation_id FROM tweets
		WHERE is_target_reply = 1 AND conversation_id IS NOT NULL AND conversation_id != ''
		ORDER BY conversation_id
	`)
}

// MaxEpoch returns the largest created_at_epoch in the store, or 0 when empty.
func (s *Store) MaxEpoch(ctx context.Context) (int64, error) {
	var epoch int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(created_at_epoch), 0) FROM tweets`).Scan(&epoch)
	if err != nil {
		return 0, errors.Wrap(err, "store: max epoch")
	}
	return epoch, nil
}

// Stats summarizes the store contents.
type Stats struct {
	Tweets        int64
	Conversations int64
	TargetReplies int64
	MaxEpoch      int64
}

// Stats returns row counts for the stats command.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(DISTINCT conversation_id),
			COALESCE(SUM(is_target_reply), 0),
			COALESCE(MAX(created_at_epoch), 0)
		FROM tweets
	`).Scan(&st.Tweets, &st.Conversations, &st.TargetReplies, &st.MaxEpoch)
	if err != nil {
		return Stats{}, errors.Wrap(err, "store: stats")
	}
	return st, nil
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "store: query ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "store: scan id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var recs []Record
	for rows.Next() {
		var (
			r                                       Record
			convID, parentID, authorName, createdAt sql.NullString
		)
		err := rows.Scan(
			&r.ID, &convID, &parentID, &authorName, &createdAt,
			&r.CreatedAtEpoch, &r.IsReply, &r.IsTargetReply, &r.payload,
		)
		if err != nil {
			return nil, err
		}
		r.ConversationID = convID.String
		r.ParentID = parentID.String
		r.AuthorName = authorName.String
		r.CreatedAt = createdAt.String

		tw, err := types.DecodeTweet([]byte(r.payload))
		if err != nil {
			return nil, errors.Wrapf(err, "decode payload of %s", r.ID)
		}
		r.Tweet = tw
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
