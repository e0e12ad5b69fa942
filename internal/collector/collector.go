// Package collector is the ingestion path: it walks the search results for
// the tracked account, fetches the thread around every reply it has not
// seen yet, and stores everything it receives.
package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ibeckermayer/replyweave/internal/normalize"
	"github.com/ibeckermayer/replyweave/internal/pagecache"
	"github.com/ibeckermayer/replyweave/internal/twitterapi"
	"github.com/ibeckermayer/replyweave/internal/types"
)

// Source streams upstream pages.
type Source interface {
	AdvancedSearch(ctx context.Context, q twitterapi.Query, fn func(*twitterapi.Page) error) error
	ThreadContext(ctx context.Context, tweetID string, fn func(*twitterapi.Page) error) error
}

// Sink stores normalized tweets.
type Sink interface {
	Upsert(ctx context.Context, tweets []*types.Tweet) (int, error)
}

// PageCache keeps raw pages. Optional.
type PageCache interface {
	Save(kind pagecache.Kind, label string, page any) (string, error)
}

// Options configures a Collector.
type Options struct {
	Handle string
	Query  twitterapi.Query
	// MaxConversations stops the run once this many distinct conversations
	// have been seen. Zero means no limit.
	MaxConversations int
	Cache            PageCache
	Logger           zerolog.Logger
}

// Stats counts what one run did.
type Stats struct {
	SearchPages   int
	ThreadPages   int
	Conversations int
	Upserted      int
}

// Collector runs ingestion.
type Collector struct {
	src    Source
	sink   Sink
	opts   Options
	handle string
	log    zerolog.Logger
}

// New creates a Collector.
func New(src Source, sink Sink, opts Options) *Collector {
	return &Collector{
		src:    src,
		sink:   sink,
		opts:   opts,
		handle: strings.TrimPrefix(strings.TrimSpace(opts.Handle), "@"),
		log:    opts.Logger.With().Str("component", "collector").Logger(),
	}
}

var errLimitReached = errors.New("conversation limit reached")

// run holds the state of one Run call.
type run struct {
	*Collector
	seen  map[string]map[string]struct{}
	stats Stats
}

// Run collects until the search is exhausted, the conversation limit is
// reached, or an error occurs. The returned Stats are valid in all cases.
func (c *Collector) Run(ctx context.Context) (Stats, error) {
	r := &run{Collector: c, seen: map[string]map[string]struct{}{}}

	err := c.src.AdvancedSearch(ctx, c.opts.Query, func(page *twitterapi.Page) error {
		return r.searchPage(ctx, page)
	})
	r.stats.Conversations = len(r.seen)

	if errors.Is(err, errLimitReached) {
		c.log.Info().Int("limit", c.opts.MaxConversations).Msg("conversation limit reached")
		err = nil
	}
	if err != nil {
		return r.stats, err
	}

	c.log.Info().
		Int("search_pages", r.stats.SearchPages).
		Int("thread_pages", r.stats.ThreadPages).
		Int("conversations", r.stats.Conversations).
		Int("upserted", r.stats.Upserted).
		Msg("collection complete")
	return r.stats, nil
}

func (r *run) searchPage(ctx context.Context, page *twitterapi.Page) error {
	r.stats.SearchPages++
	r.cache(pagecache.KindSearch, "", page)

	tweets := normalize.Tweets(page.Items())
	if err := r.store(ctx, tweets); err != nil {
		return err
	}

	// conversation -> reply ids, in page order
	var convs []string
	ids := map[string][]string{}
	for _, t := range tweets {
		conv, id := t.ConversationIDString(), t.IDString()
		if conv == "" || id == "" {
			continue
		}
		if _, ok := ids[conv]; !ok {
			convs = append(convs, conv)
		}
		ids[conv] = append(ids[conv], id)
	}

	for _, conv := range convs {
		conv := conv
		seen, ok := r.seen[conv]
		if !ok {
			if limit := r.opts.MaxConversations; limit > 0 && len(r.seen) >= limit {
				return errLimitReached
			}
			seen = map[string]struct{}{}
			r.seen[conv] = seen
		}

		for _, id := range ids[conv] {
			id := id
			if _, done := seen[id]; done {
				continue
			}
			seen[id] = struct{}{}

			err := r.src.ThreadContext(ctx, id, func(p *twitterapi.Page) error {
				return r.threadPage(ctx, conv, id, p)
			})
			if err != nil {
				return fmt.Errorf("thread of %s: %w", id, err)
			}
		}
	}
	return nil
}

func (r *run) threadPage(ctx context.Context, conv, tweetID string, page *twitterapi.Page) error {
	r.stats.ThreadPages++
	r.cache(pagecache.KindThread, tweetID, page)

	tweets := normalize.Tweets(page.Items())
	if err := r.store(ctx, tweets); err != nil {
		return err
	}

	// Target replies already present in this thread need no fetch of
	// their own.
	for _, t := range tweets {
		if t.ConversationIDString() != conv || !t.Reply() {
			continue
		}
		if !strings.EqualFold(strings.TrimPrefix(t.AuthorUserName(), "@"), r.handle) {
			continue
		}
		if id := t.IDString(); id != "" {
			r.seen[conv][id] = struct{}{}
		}
	}
	return nil
}

func (r *run) store(ctx context.Context, tweets []*types.Tweet) error {
	if len(tweets) == 0 {
		return nil
	}
	n, err := r.sink.Upsert(ctx, tweets)
	r.stats.Upserted += n
	return err
}

func (r *run) cache(kind pagecache.Kind, label string, page *twitterapi.Page) {
	if r.opts.Cache == nil {
		return
	}
	path, err := r.opts.Cache.Save(kind, label, page)
	if err != nil {
		r.log.Warn().Err(err).Str("kind", string(kind)).Msg("failed to cache page")
		return
	}
	r.log.Debug().Str("path", path).Msg("cached page")
}

// CachedPages lists the pages a page cache holds.
type CachedPages interface {
	List(kind pagecache.Kind) ([]string, error)
}

// Replay stores every cached page again, search pages first and each kind
// oldest first, without calling the upstream API. Conversations counts the
// distinct conversations of the replayed tweets.
func Replay(ctx context.Context, pages CachedPages, sink Sink, log zerolog.Logger) (Stats, error) {
	log = log.With().Str("component", "collector").Logger()
	r := &run{Collector: &Collector{sink: sink, log: log}}
	convs := map[string]struct{}{}

	for _, kind := range []pagecache.Kind{pagecache.KindSearch, pagecache.KindThread} {
		paths, err := pages.List(kind)
		if err != nil {
			return r.stats, fmt.Errorf("list cached %s pages: %w", kind, err)
		}
		for _, path := range paths {
			if err := ctx.Err(); err != nil {
				return r.stats, err
			}
			raw, err := pagecache.Load[types.RawRecord](path)
			if err != nil {
				return r.stats, err
			}
			page := &twitterapi.Page{Raw: raw}
			if kind == pagecache.KindSearch {
				r.stats.SearchPages++
			} else {
				r.stats.ThreadPages++
			}

			tweets := normalize.Tweets(page.Items())
			for _, t := range tweets {
				if conv := t.ConversationIDString(); conv != "" {
					convs[conv] = struct{}{}
				}
			}
			if err := r.store(ctx, tweets); err != nil {
				return r.stats, err
			}
		}
	}
	r.stats.Conversations = len(convs)

	log.Info().
		Int("search_pages", r.stats.SearchPages).
		Int("thread_pages", r.stats.ThreadPages).
		Int("conversations", r.stats.Conversations).
		Int("upserted", r.stats.Upserted).
		Msg("replay complete")
	return r.stats, nil
}
