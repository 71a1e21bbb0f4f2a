package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestWaitSpacesSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{HostRPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "news.example.com"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "news.example.com"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestHostsHaveIndependentBuckets(t *testing.T) {
	t.Parallel()

	l := New(Config{HostRPS: 1, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "a.example.com"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "b.example.com"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, 2, l.Hosts())
}

func TestOverridesReplaceDefault(t *testing.T) {
	t.Parallel()

	l := New(Config{HostRPS: 5, Overrides: map[string]float64{
		"Slow.Example.com": 0.5,
		"free.example.com": 0,
	}})
	require.Equal(t, rate.Limit(5), l.Limit("other.example.com"))
	require.Equal(t, rate.Limit(0.5), l.Limit("slow.example.com"))
	require.Equal(t, rate.Inf, l.Limit("free.example.com"))

	for range 5 {
		require.NoError(t, l.Wait(context.Background(), "free.example.com"))
	}
}

func TestDisabledAndCanceled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for range 5 {
		require.NoError(t, l.Wait(context.Background(), ""))
	}

	slow := New(Config{HostRPS: 0.001, Burst: 1})
	require.NoError(t, slow.Wait(context.Background(), "x.example.com"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, slow.Wait(ctx, "x.example.com"))
}
