package types

import (
	"strings"
	"time"
)

// EpochUnknown is the epoch assigned to timestamps that cannot be parsed.
// It sorts before every real tweet and never exceeds a checkpoint.
const EpochUnknown int64 = 0

// createdAtLayouts are tried in order. The API uses the classic Twitter
// format ("Tue Dec 10 07:00:30 +0000 2024").
var createdAtLayouts = []string{
	time.RubyDate,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseEpoch converts an upstream createdAt string to Unix seconds.
// It never fails: unparsable input yields EpochUnknown.
func ParseEpoch(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return EpochUnknown
	}
	for _, layout := range createdAtLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if sec := t.Unix(); sec > EpochUnknown {
				return sec
			}
			return EpochUnknown
		}
	}
	return EpochUnknown
}
