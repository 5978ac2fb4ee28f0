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
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "EPA/X1/X1.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://EPA/X1/X1.json", uri)

	payload[0] = 'C'
	obj, ok := store.Get("EPA/X1/X1.json")
	require.True(t, ok)
	require.Equal(t, "content", string(obj.Data))
	require.Equal(t, "application/json", obj.ContentType)

	obj.Data[0] = 'X'
	again, _ := store.Get("EPA/X1/X1.json")
	require.Equal(t, "content", string(again.Data), "Get must return a copy")
}

func TestBlobStorePathsSorted(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"b/2.json", "a/1.json"} {
		_, err := store.PutObject(context.Background(), p, "", bytes.NewReader(nil))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a/1.json", "b/2.json"}, store.Paths())

	_, err := store.PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)
}
