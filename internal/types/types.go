package types

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// RawRecord is a tweet object exactly as the upstream API returned it,
// unknown fields included.
type RawRecord map[string]any

// Author is the canonical author sub-object of a Tweet.
type Author struct {
	Type       any `json:"type"`
	UserName   any `json:"userName"`
	URL        any `json:"url"`
	TwitterURL any `json:"twitterUrl"`
	ID         any `json:"id"`
	Followers  any `json:"followers"`
	Following  any `json:"following"`
	CreatedAt  any `json:"createdAt"`
	Protected  any `json:"protected"`
}

// Tweet is the canonical, trimmed tweet record. Field order here is the
// order of the exported JSON document. Values keep the upstream JSON types;
// absent fields are nil and serialize as null.
type Tweet struct {
	Type              any     `json:"type"`
	ID                any     `json:"id"`
	URL               any     `json:"url"`
	TwitterURL        any     `json:"twitterUrl"`
	Text              any     `json:"text"`
	RetweetCount      any     `json:"retweetCount"`
	ReplyCount        any     `json:"replyCount"`
	QuoteCount        any     `json:"quoteCount"`
	CreatedAt         any     `json:"createdAt"`
	Lang              any     `json:"lang"`
	BookmarkCount     any     `json:"bookmarkCount"`
	IsReply           any     `json:"isReply"`
	InReplyToID       any     `json:"inReplyToId"`
	ConversationID    any     `json:"conversationId"`
	InReplyToUserID   any     `json:"inReplyToUserId"`
	InReplyToUsername any     `json:"inReplyToUsername"`
	PossiblySensitive any     `json:"possiblySensitive"`
	Author            *Author `json:"author"`
	QuotedTweet       *Tweet  `json:"quoted_tweet"`
	RetweetedTweet    *Tweet  `json:"retweeted_tweet"`
}

// IDString returns the tweet id as a string, or "" when absent.
func (t *Tweet) IDString() string { return String(t.ID) }

// ConversationIDString returns the conversation id, or "" when absent.
func (t *Tweet) ConversationIDString() string { return String(t.ConversationID) }

// ParentID returns the id this tweet replies to, or "" when absent.
func (t *Tweet) ParentID() string { return String(t.InReplyToID) }

// CreatedAtString returns the upstream-formatted creation timestamp.
func (t *Tweet) CreatedAtString() string { return String(t.CreatedAt) }

// AuthorUserName returns author.userName, or "" when there is no author.
func (t *Tweet) AuthorUserName() string {
	if t.Author == nil {
		return ""
	}
	return String(t.Author.UserName)
}

// Reply reports whether isReply is literally true.
func (t *Tweet) Reply() bool {
	b, ok := t.IsReply.(bool)
	return ok && b
}

// String renders scalar JSON values as strings. Objects, arrays, booleans
// and nil yield "".
func String(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return ""
	}
}

// DecodeTweet decodes a canonical tweet, keeping numbers as json.Number so
// that re-encoding reproduces the original digits.
func DecodeTweet(data []byte) (*Tweet, error) {
	var t Tweet
	if err := decode(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DecodeRaw decodes an upstream tweet object.
func DecodeRaw(data []byte) (RawRecord, error) {
	var r RawRecord
	if err := decode(data, &r); err != nil {
		return nil, err
	}
	return r, nil
}

func decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
