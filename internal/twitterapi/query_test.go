package twitterapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildQuery(t *testing.T) {
	tests := []struct {
		name   string
		handle string
		opts   QueryOptions
		want   string
	}{
		{
			name:   "defaults exclude everything",
			handle: "grok",
			want:   "from:grok filter:replies -filter:retweets -filter:quote -filter:self_threads",
		},
		{
			name:   "includes and window",
			handle: "@grok",
			opts: QueryOptions{
				IncludeRetweets:    true,
				IncludeQuotes:      true,
				IncludeSelfThreads: true,
				Since:              "2025-08-01 00:00:00",
				Until:              "2025-08-01",
			},
			want: "from:grok filter:replies filter:retweets filter:quote filter:self_threads " +
				"since:2025-08-01_00:00:00_UTC until:2025-08-01_00:00:00_UTC",
		},
		{
			name:   "already formatted",
			handle: "grok",
			opts:   QueryOptions{Since: "2025-08-01_12:30:00_UTC"},
			want:   "from:grok filter:replies -filter:retweets -filter:quote -filter:self_threads since:2025-08-01_12:30:00_UTC",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildQuery(tt.handle, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildQueryErrors(t *testing.T) {
	_, err := BuildQuery("  ", QueryOptions{})
	assert.Error(t, err)

	_, err = BuildQuery("grok", QueryOptions{Since: "yesterday"})
	assert.Error(t, err)

	_, err = BuildQuery("grok", QueryOptions{Until: "2025-13-01"})
	assert.Error(t, err)
}

func TestFormatTimeUTC(t *testing.T) {
	got, err := FormatTimeUTC(" 2025-08-01 23:59:59 ")
	require.NoError(t, err)
	assert.Equal(t, "2025-08-01_23:59:59_UTC", got)
}
