package collector

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibeckermayer/replyweave/internal/pagecache"
	"github.com/ibeckermayer/replyweave/internal/twitterapi"
	"github.com/ibeckermayer/replyweave/internal/types"
)

func item(id, conv, author string, reply bool) any {
	return map[string]any{
		"id":             id,
		"conversationId": conv,
		"isReply":        reply,
		"author":         map[string]any{"userName": author},
	}
}

func page(items ...any) *twitterapi.Page {
	return &twitterapi.Page{Raw: types.RawRecord{"tweets": items}}
}

type fakeSource struct {
	search  []*twitterapi.Page
	threads map[string][]*twitterapi.Page
	fetched []string
	fail    map[string]error
}

func (f *fakeSource) AdvancedSearch(ctx context.Context, q twitterapi.Query, fn func(*twitterapi.Page) error) error {
	for _, p := range f.search {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) ThreadContext(ctx context.Context, id string, fn func(*twitterapi.Page) error) error {
	f.fetched = append(f.fetched, id)
	if err := f.fail[id]; err != nil {
		return err
	}
	for _, p := range f.threads[id] {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

type fakeSink struct {
	ids []string
	err error
}

func (f *fakeSink) Upsert(ctx context.Context, tweets []*types.Tweet) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	for _, t := range tweets {
		f.ids = append(f.ids, t.IDString())
	}
	return len(tweets), nil
}

type fakeCache struct{ saved []string }

func (f *fakeCache) Save(kind pagecache.Kind, label string, p any) (string, error) {
	f.saved = append(f.saved, string(kind)+":"+label)
	return "/dev/null", nil
}

func TestRunFetchesEachReplyOnce(t *testing.T) {
	src := &fakeSource{
		search: []*twitterapi.Page{
			page(item("101", "100", "grok", true), item("201", "200", "grok", true)),
			// 102 was found inside the thread of 101, so it is not fetched again.
			page(item("102", "100", "Grok", true), item("202", "200", "grok", true)),
		},
		threads: map[string][]*twitterapi.Page{
			"101": {
				page(item("100", "100", "alice", false), item("101", "100", "grok", true)),
				page(item("102", "100", "GROK", true), item("150", "100", "bob", true)),
			},
			"201": {page(item("200", "200", "carol", false), item("201", "200", "grok", true))},
			"202": {page(item("202", "200", "grok", true))},
		},
	}
	sink := &fakeSink{}
	cache := &fakeCache{}

	c := New(src, sink, Options{Handle: "@grok", Cache: cache, Logger: zerolog.Nop()})
	stats, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"101", "201", "202"}, src.fetched)
	assert.Equal(t, Stats{SearchPages: 2, ThreadPages: 4, Conversations: 2, Upserted: 11}, stats)
	assert.Contains(t, sink.ids, "150")
	assert.Equal(t, []string{"search:", "thread:101", "thread:101", "thread:201", "search:", "thread:202"}, cache.saved)
}

func TestRunStopsAtConversationLimit(t *testing.T) {
	src := &fakeSource{
		search: []*twitterapi.Page{
			page(item("101", "100", "grok", true), item("201", "200", "grok", true)),
			page(item("301", "300", "grok", true)),
		},
		threads: map[string][]*twitterapi.Page{},
	}

	c := New(src, &fakeSink{}, Options{Handle: "grok", MaxConversations: 1, Logger: zerolog.Nop()})
	stats, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"101"}, src.fetched)
	assert.Equal(t, 1, stats.Conversations)
	assert.Equal(t, 1, stats.SearchPages)
}

func TestRunSkipsItemsWithoutLinkage(t *testing.T) {
	src := &fakeSource{
		search: []*twitterapi.Page{
			page(item("101", "", "grok", true), map[string]any{"conversationId": "5"}, "junk"),
		},
	}
	sink := &fakeSink{}

	stats, err := New(src, sink, Options{Handle: "grok", Logger: zerolog.Nop()}).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, src.fetched)
	assert.Equal(t, 0, stats.Conversations)
	// tweets without an id still reach the sink, which skips them itself
	assert.Equal(t, 2, stats.Upserted)
}

func TestRunPropagatesThreadErrors(t *testing.T) {
	boom := errors.New("upstream down")
	src := &fakeSource{
		search: []*twitterapi.Page{page(item("101", "100", "grok", true))},
		fail:   map[string]error{"101": boom},
	}

	stats, err := New(src, &fakeSink{}, Options{Handle: "grok", Logger: zerolog.Nop()}).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, stats.SearchPages)
	assert.Equal(t, 1, stats.Conversations)
}

func TestRunPropagatesStorageErrors(t *testing.T) {
	boom := errors.New("disk full")
	src := &fakeSource{search: []*twitterapi.Page{page(item("101", "100", "grok", true))}}

	_, err := New(src, &fakeSink{err: boom}, Options{Handle: "grok", Logger: zerolog.Nop()}).Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, src.fetched)
}

func TestReplayStoresCachedPages(t *testing.T) {
	cache := pagecache.New(t.TempDir())
	_, err := cache.Save(pagecache.KindThread, "101", page(item("100", "100", "alice", false), item("101", "100", "grok", true)))
	require.NoError(t, err)
	_, err = cache.Save(pagecache.KindSearch, "", page(item("101", "100", "grok", true), item("201", "200", "grok", true)))
	require.NoError(t, err)
	_, err = cache.Save(pagecache.KindThread, "201", page(item("200", "200", "carol", false)))
	require.NoError(t, err)

	sink := &fakeSink{}
	stats, err := Replay(context.Background(), cache, sink, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, Stats{SearchPages: 1, ThreadPages: 2, Conversations: 2, Upserted: 5}, stats)
	// search pages first, then threads in the order they were cached
	assert.Equal(t, []string{"101", "201", "100", "101", "200"}, sink.ids)
}

func TestReplayWithEmptyCache(t *testing.T) {
	stats, err := Replay(context.Background(), pagecache.New(t.TempDir()), &fakeSink{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestReplayStopsOnStorageError(t *testing.T) {
	cache := pagecache.New(t.TempDir())
	_, err := cache.Save(pagecache.KindSearch, "", page(item("101", "100", "grok", true)))
	require.NoError(t, err)

	boom := errors.New("disk full")
	_, err = Replay(context.Background(), cache, &fakeSink{err: boom}, zerolog.Nop())
	assert.ErrorIs(t, err, boom)
}
