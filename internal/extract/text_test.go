package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDate(t *testing.T) {
	t.Parallel()

	cases := map[string]time.Time{
		"2024-03-05T14:30:00Z":            time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC),
		"2024-03-05T14:30:00.123-05:00":   time.Date(2024, 3, 5, 19, 30, 0, 123000000, time.UTC),
		"2024-03-05T14:30:00+0100":        time.Date(2024, 3, 5, 13, 30, 0, 0, time.UTC),
		"2024-03-05 14:30:00":             time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC),
		"2024-03-05":                      time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		"Tue, 05 Mar 2024 14:30:00 +0000": time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC),
		"March 5, 2024":                   time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		"Mar 5, 2024":                     time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		" 20240305 ":                      time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
	}
	for raw, want := range cases {
		got, ok := ParseDate(raw)
		require.True(t, ok, raw)
		require.True(t, want.Equal(got), "%s: got %s", raw, got)
	}

	for _, raw := range []string{"", "yesterday", "2024-13-45"} {
		_, ok := ParseDate(raw)
		require.False(t, ok, raw)
	}
}

func TestCleanText(t *testing.T) {
	t.Parallel()

	in := `<div><h2>Update</h2><p>Rates &amp; fees   rose<br>again.</p>
<script>alert(1)</script><p>  </p><ul><li>One</li><li>Two</li></ul></div>`
	require.Equal(t, "Update\n\nRates & fees rose\n\nagain.\n\nOne\n\nTwo", CleanText(in))
	require.Empty(t, CleanText(""))
}

func TestCollapseSpace(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a b c", CollapseSpace("  a\n\tb   c "))
}
