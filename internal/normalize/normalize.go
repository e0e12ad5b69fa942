// Package normalize projects upstream tweet objects onto the canonical
// types.Tweet shape.
//
// Only a fixed list of fields survives; anything else the API sends is
// dropped. Quoted and retweeted tweets are expanded one level deep, and a
// nested tweet whose id was already expanded during the same call is
// replaced by nil, so self-referencing payloads cannot loop.
package normalize

import "github.com/ibeckermayer/replyweave/internal/types"

// maxNestedDepth is how many levels of quoted/retweeted tweets are kept
// below the top-level record.
const maxNestedDepth = 1

// Tweet normalizes a raw upstream record. It returns nil when raw is nil.
// The input is never modified.
func Tweet(raw types.RawRecord) *types.Tweet {
	if raw == nil {
		return nil
	}
	visited := make(map[string]struct{})
	return tweetAt(raw, 0, visited)
}

// Tweets normalizes a batch, skipping nil entries.
func Tweets(raws []types.RawRecord) []*types.Tweet {
	out := make([]*types.Tweet, 0, len(raws))
	for _, r := range raws {
		if t := Tweet(r); t != nil {
			out = append(out, t)
		}
	}
	return out
}

func tweetAt(m map[string]any, depth int, visited map[string]struct{}) *types.Tweet {
	if id := types.String(m["id"]); id != "" {
		visited[id] = struct{}{}
	}

	t := &types.Tweet{
		Type:              clone(m["type"]),
		ID:                clone(m["id"]),
		URL:               clone(m["url"]),
		TwitterURL:        clone(m["twitterUrl"]),
		Text:              clone(m["text"]),
		RetweetCount:      clone(m["retweetCount"]),
		ReplyCount:        clone(m["replyCount"]),
		QuoteCount:        clone(m["quoteCount"]),
		CreatedAt:         clone(m["createdAt"]),
		Lang:              clone(m["lang"]),
		BookmarkCount:     clone(m["bookmarkCount"]),
		IsReply:           clone(m["isReply"]),
		InReplyToID:       clone(m["inReplyToId"]),
		ConversationID:    clone(m["conversationId"]),
		InReplyToUserID:   clone(m["inReplyToUserId"]),
		InReplyToUsername: clone(m["inReplyToUsername"]),
		PossiblySensitive: clone(m["possiblySensitive"]),
		Author:            author(m["author"]),
	}

	if depth < maxNestedDepth {
		t.QuotedTweet = nested(m["quoted_tweet"], depth+1, visited)
		t.RetweetedTweet = nested(m["retweeted_tweet"], depth+1, visited)
	}
	return t
}

func nested(v any, depth int, visited map[string]struct{}) *types.Tweet {
	m, ok := asMap(v)
	if !ok {
		return nil
	}
	if id := types.String(m["id"]); id != "" {
		if _, seen := visited[id]; seen {
			return nil
		}
	}
	return tweetAt(m, depth, visited)
}

func author(v any) *types.Author {
	a, ok := asMap(v)
	if !ok {
		return nil
	}
	return &types.Author{
		Type:       clone(a["type"]),
		UserName:   clone(a["userName"]),
		URL:        clone(a["url"]),
		TwitterURL: clone(a["twitterUrl"]),
		ID:         clone(a["id"]),
		Followers:  clone(a["followers"]),
		Following:  clone(a["following"]),
		CreatedAt:  clone(a["createdAt"]),
		Protected:  clone(a["protected"]),
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case types.RawRecord:
		return m, true
	default:
		return nil, false
	}
}

// clone copies container values so the output shares no memory with the
// input. Scalars are returned as is.
func clone(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = clone(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = clone(e)
		}
		return out
	default:
		return v
	}
}
