package thread

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibeckermayer/replyweave/internal/store"
	"github.com/ibeckermayer/replyweave/internal/types"
)

func rec(id, conv, parent string, epoch int64, target bool) store.Record {
	return store.Record{
		ID:             id,
		ConversationID: conv,
		ParentID:       parent,
		CreatedAtEpoch: epoch,
		IsReply:        parent != "",
		IsTargetReply:  target,
		Tweet:          &types.Tweet{ID: id, ConversationID: conv},
	}
}

func ids(tweets []*types.Tweet) []string {
	out := make([]string, len(tweets))
	for i, t := range tweets {
		out[i] = t.IDString()
	}
	return out
}

func TestResolve(t *testing.T) {
	parents := map[string]string{
		"100": "",
		"101": "100",
		"102": "101",
		"103": "102",
		"200": "100",
		"300": "999", // dangling parent
		"301": "300",
		"400": "401", // cycle
		"401": "400",
	}

	got := Resolve("100", parents)

	assert.Equal(t, map[string]string{
		"100": "100",
		"101": "101",
		"102": "101",
		"103": "101",
		"200": "200",
		"300": "300",
		"301": "300",
		"400": "400",
		"401": "401",
	}, got)
}

func TestResolveRootMissingFromMap(t *testing.T) {
	got := Resolve("100", map[string]string{"101": "100", "102": "101"})
	assert.Equal(t, "101", got["101"])
	assert.Equal(t, "101", got["102"])
}

func TestAssembleConcreteScenario(t *testing.T) {
	records := []store.Record{
		rec("100", "100", "", 1, false),
		rec("101", "100", "100", 10, true),
		rec("102", "100", "101", 11, false),
		rec("200", "100", "100", 20, true),
	}

	conv, err := NewAssembler(zerolog.Nop()).Assemble("100", records)
	require.NoError(t, err)
	require.NotNil(t, conv)

	assert.Equal(t, "100", conv.ConversationID)
	require.Len(t, conv.Threads, 2)
	assert.Equal(t, "101", conv.Threads[0].ThreadID)
	assert.Equal(t, []string{"100", "101", "102"}, ids(conv.Threads[0].Tweets))
	assert.Equal(t, "200", conv.Threads[1].ThreadID)
	assert.Equal(t, []string{"100", "200"}, ids(conv.Threads[1].Tweets))
}

func TestAssembleSkipsConversationWithoutTargetReplies(t *testing.T) {
	records := []store.Record{
		rec("100", "100", "", 1, false),
		rec("101", "100", "100", 2, false),
	}

	conv, err := NewAssembler(zerolog.Nop()).Assemble("100", records)
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestAssembleLooseRootAppearsOnceInEveryThread(t *testing.T) {
	records := []store.Record{
		rec("100", "100", "", 5, false),
		rec("101", "100", "100", 10, true),
		rec("201", "100", "100", 12, true),
		rec("202", "100", "201", 13, true),
		rec("301", "100", "100", 14, true),
		rec("100", "100", "", 5, false), // duplicate id
	}

	conv, err := NewAssembler(zerolog.Nop()).Assemble("100", records)
	require.NoError(t, err)
	require.Len(t, conv.Threads, 3)

	for _, th := range conv.Threads {
		n := 0
		for _, tw := range th.Tweets {
			if tw.IDString() == "100" {
				n++
			}
		}
		assert.Equal(t, 1, n, "thread %s", th.ThreadID)
	}
	assert.Equal(t, "202", conv.Threads[1].ThreadID)
}

func TestAssembleRootWithParentPointerAppearsOnce(t *testing.T) {
	// a root that claims a parent inside its own conversation is still
	// only added once per thread
	records := []store.Record{
		rec("100", "100", "101", 5, false),
		rec("101", "100", "100", 10, true),
	}

	conv, err := NewAssembler(zerolog.Nop()).Assemble("100", records)
	require.NoError(t, err)
	require.Len(t, conv.Threads, 1)
	assert.Equal(t, []string{"100", "101"}, ids(conv.Threads[0].Tweets))
}

func TestAssembleOrderingAndTieBreak(t *testing.T) {
	records := []store.Record{
		rec("b3", "root", "b1", 30, true),
		rec("b2", "root", "b1", 30, true),
		rec("b1", "root", "root", 20, false),
		rec("root", "root", "", 10, false),
		rec("b4", "root", "b2", 25, false),
	}

	conv, err := NewAssembler(zerolog.Nop()).Assemble("root", records)
	require.NoError(t, err)
	require.Len(t, conv.Threads, 1)

	th := conv.Threads[0]
	assert.Equal(t, []string{"root", "b1", "b4", "b2", "b3"}, ids(th.Tweets))
	// Equal timestamps: the lexically larger id is the most recent.
	assert.Equal(t, "b3", th.ThreadID)
}

func TestAssemblePartitionsRecords(t *testing.T) {
	records := []store.Record{
		rec("1", "1", "", 1, false),
		rec("2", "1", "1", 2, true),
		rec("3", "1", "2", 3, false),
		rec("4", "1", "1", 4, true),
		rec("5", "1", "4", 5, false),
		rec("6", "1", "5", 6, true),
	}

	conv, err := NewAssembler(zerolog.Nop()).Assemble("1", records)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, th := range conv.Threads {
		for _, tw := range th.Tweets {
			if tw.IDString() != "1" {
				seen[tw.IDString()]++
			}
		}
	}
	assert.Equal(t, map[string]int{"2": 1, "3": 1, "4": 1, "5": 1, "6": 1}, seen)
}

func TestAssembleNonAnchoredBranchIsDropped(t *testing.T) {
	records := []store.Record{
		rec("1", "1", "", 1, false),
		rec("2", "1", "1", 2, true),
		rec("3", "1", "1", 3, false),
		rec("4", "1", "3", 4, false),
	}

	conv, err := NewAssembler(zerolog.Nop()).Assemble("1", records)
	require.NoError(t, err)
	require.Len(t, conv.Threads, 1)
	assert.Equal(t, []string{"1", "2"}, ids(conv.Threads[0].Tweets))
}

func TestAssembleOrphanBranchIsStillRooted(t *testing.T) {
	records := []store.Record{
		rec("1", "1", "", 1, false),
		rec("50", "1", "49", 5, false), // 49 was never fetched
		rec("51", "1", "50", 6, true),
	}

	conv, err := NewAssembler(zerolog.Nop()).Assemble("1", records)
	require.NoError(t, err)
	require.Len(t, conv.Threads, 1)
	assert.Equal(t, "51", conv.Threads[0].ThreadID)
	assert.Equal(t, []string{"1", "50", "51"}, ids(conv.Threads[0].Tweets))
}

func TestAssembleWithoutRootRecord(t *testing.T) {
	records := []store.Record{
		rec("2", "1", "1", 2, true),
		rec("3", "1", "2", 3, false),
	}

	conv, err := NewAssembler(zerolog.Nop()).Assemble("1", records)
	require.NoError(t, err)
	require.Len(t, conv.Threads, 1)
	assert.Equal(t, []string{"2", "3"}, ids(conv.Threads[0].Tweets))
}

func TestAssembleRejectsForeignRecords(t *testing.T) {
	records := []store.Record{
		rec("1", "1", "", 1, false),
		rec("9", "8", "8", 2, true),
	}

	_, err := NewAssembler(zerolog.Nop()).Assemble("1", records)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrForeignRecord))
}

func TestAssembleIsDeterministicUnderInputOrder(t *testing.T) {
	a := []store.Record{
		rec("1", "1", "", 1, false),
		rec("2", "1", "1", 2, true),
		rec("3", "1", "1", 2, true),
	}
	b := []store.Record{a[2], a[0], a[1]}

	asm := NewAssembler(zerolog.Nop())
	ca, err := asm.Assemble("1", a)
	require.NoError(t, err)
	cb, err := asm.Assemble("1", b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
	assert.Equal(t, "2", ca.Threads[0].ThreadID)
	assert.Equal(t, "3", ca.Threads[1].ThreadID)
}
