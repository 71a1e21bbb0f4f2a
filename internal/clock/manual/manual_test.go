package manual

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockAdvanceAndSet(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(start)
	require.Equal(t, start, c.Now())

	require.Equal(t, start.Add(time.Hour), c.Advance(time.Hour))
	require.Equal(t, start.Add(time.Hour), c.Now())

	c.Set(start)
	require.Equal(t, start, c.Now())
}
