// Package twitterapi is a small client for the twitterapi.io search and
// thread endpoints. Pages are returned as raw JSON objects; the caller
// decides what to keep.
package twitterapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ibeckermayer/replyweave/internal/types"
)

const (
	DefaultBaseURL     = "https://api.twitterapi.io"
	DefaultMaxAttempts = 4
	DefaultTimeout     = 30 * time.Second

	searchPath = "/twitter/tweet/advanced_search"
	threadPath = "/twitter/tweet/thread_context"
)

// StatusError reports a non-200 response. Throttling and server errors
// are retried before it is returned.
type StatusError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("twitterapi: %s: HTTP %d: %s", e.Path, e.StatusCode, e.Body)
}

// Page is one decoded response.
type Page struct {
	Raw types.RawRecord
}

// Items returns the records under "replies", or under "tweets" when there
// is no replies list. Elements that are not objects are dropped.
func (p *Page) Items() []types.RawRecord {
	list, ok := p.Raw["replies"].([]any)
	if !ok {
		list, _ = p.Raw["tweets"].([]any)
	}
	items := make([]types.RawRecord, 0, len(list))
	for _, v := range list {
		if m, ok := v.(map[string]any); ok {
			items = append(items, types.RawRecord(m))
		}
	}
	return items
}

// NextCursor returns the cursor of the following page, "" on the last page.
func (p *Page) NextCursor() string {
	s, _ := p.Raw["next_cursor"].(string)
	return s
}

// HasNextPage reports the has_next_page flag.
func (p *Page) HasNextPage() bool {
	b, _ := p.Raw["has_next_page"].(bool)
	return b
}

// Options configures a Client.
type Options struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	MaxAttempts       int
	RequestsPerSecond float64 // <= 0 disables pacing
	// InitialBackoff is the first retry delay; it doubles on each attempt.
	InitialBackoff time.Duration
	HTTPClient     *http.Client
	Logger         zerolog.Logger
}

// Client talks to the upstream API.
type Client struct {
	baseURL     string
	apiKey      string
	http        *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	initial     time.Duration
	log         zerolog.Logger
}

// New creates a Client.
func New(opts Options) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		http:        opts.HTTPClient,
		maxAttempts: opts.MaxAttempts,
		initial:     opts.InitialBackoff,
		log:         opts.Logger.With().Str("component", "twitterapi").Logger(),
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.http == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.initial <= 0 {
		c.initial = time.Second
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	} else {
		c.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return c
}

// Query is an advanced search request.
type Query struct {
	Text      string
	QueryType string // "Latest" or "Top"
}

// AdvancedSearch calls fn for every page of the search, following
// next_cursor until it is empty. An error from fn stops the iteration and
// is returned as is.
func (c *Client) AdvancedSearch(ctx context.Context, q Query, fn func(*Page) error) error {
	cursor := ""
	for {
		params := url.Values{}
		params.Set("query", q.Text)
		params.Set("queryType", q.QueryType)
		params.Set("cursor", cursor)

		page, err := c.get(ctx, searchPath, params)
		if err != nil {
			return err
		}
		if err := fn(page); err != nil {
			return err
		}

		next := page.NextCursor()
		if next == "" || next == cursor {
			return nil
		}
		cursor = next
	}
}

// ThreadContext calls fn for every page of the thread around tweetID. It
// stops when has_next_page is false or no cursor is returned.
func (c *Client) ThreadContext(ctx context.Context, tweetID string, fn func(*Page) error) error {
	cursor := ""
	for {
		params := url.Values{}
		params.Set("tweetId", tweetID)
		params.Set("cursor", cursor)

		page, err := c.get(ctx, threadPath, params)
		if err != nil {
			return err
		}
		if err := fn(page); err != nil {
			return err
		}

		next := page.NextCursor()
		if !page.HasNextPage() || next == "" || next == cursor {
			return nil
		}
		cursor = next
	}
}

// get performs one logical request, retrying throttling, server errors,
// transport errors and undecodable bodies.
func (c *Client) get(ctx context.Context, path string, params url.Values) (*Page, error) {
	endpoint := c.baseURL + path + "?" + params.Encode()

	var page *Page
	attempt := 0
	op := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		p, err := c.do(ctx, path, endpoint)
		if err != nil {
			return err
		}
		page = p
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initial
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		c.log.Warn().
			Err(err).
			Str("path", path).
			Int("attempt", attempt).
			Int("max_attempts", c.maxAttempts).
			Dur("backoff", wait).
			Msg("request failed, retrying")
	}

	err := backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxAttempts-1)), ctx),
		notify)
	if err != nil {
		return nil, fmt.Errorf("twitterapi: %s after %d attempt(s): %w", path, attempt, err)
	}

	c.log.Debug().Str("path", path).Int("attempt", attempt).Msg("request ok")
	return page, nil
}

func (c *Client) do(ctx context.Context, path, endpoint string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case retryable(resp.StatusCode):
		return nil, &StatusError{StatusCode: resp.StatusCode, Path: path, Body: snippet(body)}
	default:
		return nil, backoff.Permanent(&StatusError{StatusCode: resp.StatusCode, Path: path, Body: snippet(body)})
	}

	raw, err := types.DecodeRaw(body)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return &Page{Raw: raw}, nil
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}

// MarshalJSON lets pages be cached verbatim.
func (p *Page) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Raw)
}
