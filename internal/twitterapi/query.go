package twitterapi

import (
	"fmt"
	"strings"
	"time"
)

// QueryOptions selects which of the handle's posts an advanced search
// returns. Since and Until accept "2006-01-02", "2006-01-02 15:04:05" or
// the API's own "2006-01-02_15:04:05_UTC" form.
type QueryOptions struct {
	IncludeSelfThreads bool
	IncludeQuotes      bool
	IncludeRetweets    bool
	Since              string
	Until              string
}

// BuildQuery returns the advanced search query for replies by handle.
func BuildQuery(handle string, opts QueryOptions) (string, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return "", fmt.Errorf("empty handle")
	}

	parts := []string{"from:" + handle, "filter:replies"}
	parts = append(parts, filter("retweets", opts.IncludeRetweets))
	parts = append(parts, filter("quote", opts.IncludeQuotes))
	parts = append(parts, filter("self_threads", opts.IncludeSelfThreads))

	if opts.Since != "" {
		ts, err := FormatTimeUTC(opts.Since)
		if err != nil {
			return "", fmt.Errorf("since: %w", err)
		}
		parts = append(parts, "since:"+ts)
	}
	if opts.Until != "" {
		ts, err := FormatTimeUTC(opts.Until)
		if err != nil {
			return "", fmt.Errorf("until: %w", err)
		}
		parts = append(parts, "until:"+ts)
	}

	return strings.Join(parts, " "), nil
}

func filter(name string, include bool) string {
	if include {
		return "filter:" + name
	}
	return "-filter:" + name
}

// FormatTimeUTC renders a timestamp as YYYY-MM-DD_HH:MM:SS_UTC. A date
// without a time of day gets 00:00:00.
func FormatTimeUTC(ts string) (string, error) {
	ts = strings.TrimSpace(ts)
	if strings.HasSuffix(ts, "_UTC") {
		if _, err := time.Parse("2006-01-02_15:04:05_UTC", ts); err != nil {
			return "", fmt.Errorf("invalid timestamp %q", ts)
		}
		return ts, nil
	}

	date, hms, ok := strings.Cut(ts, " ")
	if !ok {
		hms = "00:00:00"
	}
	t, err := time.Parse("2006-01-02 15:04:05", date+" "+strings.TrimSpace(hms))
	if err != nil {
		return "", fmt.Errorf("invalid timestamp %q", ts)
	}
	return t.Format("2006-01-02_15:04:05") + "_UTC", nil
}
