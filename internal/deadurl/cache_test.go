package deadurl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LocalNewsImpact/newscrawler/internal/clock/manual"
)

func TestLookupHonorsTTL(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(Config{TTL: time.Hour}, clk)

	_, ok := c.Lookup("https://example.com/gone")
	require.False(t, ok)

	e := c.Put("https://example.com/gone", ReasonNotFound)
	require.Equal(t, clk.Now().Add(time.Hour), e.ExpiresAt())

	got, ok := c.Lookup("https://EXAMPLE.com/gone#top")
	require.True(t, ok)
	require.Equal(t, ReasonNotFound, got.Reason)

	clk.Advance(time.Hour)
	_, ok = c.Lookup("https://example.com/gone")
	require.False(t, ok)
	require.Zero(t, c.Len())
}

func TestPutRefreshesEntry(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Unix(0, 0))
	c := New(Config{TTL: time.Minute}, clk)
	c.Put("https://a.com/x", ReasonNotFound)
	clk.Advance(50 * time.Second)
	c.Put("https://a.com/x", ReasonNotFound)
	clk.Advance(50 * time.Second)

	_, ok := c.Lookup("https://a.com/x")
	require.True(t, ok)
}

func TestSweepAndMaxEntries(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Unix(0, 0))
	c := New(Config{TTL: time.Minute, MaxEntries: 2}, clk)
	c.Put("https://a.com/1", ReasonNotFound)
	clk.Advance(time.Second)
	c.Put("https://a.com/2", ReasonNotFound)
	clk.Advance(time.Second)
	c.Put("https://a.com/3", ReasonNotFound)
	require.Equal(t, 2, c.Len())

	_, ok := c.Lookup("https://a.com/1")
	require.False(t, ok)

	clk.Advance(time.Hour)
	require.Equal(t, 2, c.Sweep())
	require.Zero(t, c.Len())
}

func TestDefaultTTL(t *testing.T) {
	t.Parallel()

	c := New(Config{}, nil)
	e := c.Put("https://a.com", ReasonNotFound)
	require.Equal(t, DefaultTTL, e.TTL)
}
