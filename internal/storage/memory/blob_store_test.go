package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<html>content</html>")
	uri, err := store.PutObject(context.Background(), "local-news/abc.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://local-news/abc.html", uri)

	payload[0] = 'X'
	got, ct, ok := store.Get("local-news/abc.html")
	require.True(t, ok)
	require.Equal(t, "text/html", ct)
	require.Equal(t, "<html>content</html>", string(got))

	got[0] = 'Y'
	again, _, _ := store.Get("local-news/abc.html")
	require.Equal(t, byte('<'), again[0])
}

func TestBlobStoreKeysAndEmptyPath(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"b.html", "a.html"} {
		_, err := store.PutObject(context.Background(), p, "", bytes.NewReader(nil))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a.html", "b.html"}, store.Keys())

	_, err := store.PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)
	_, _, ok := store.Get("missing.html")
	require.False(t, ok)
}
