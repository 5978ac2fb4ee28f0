package gcs

import (
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "results"})
	require.ErrorContains(t, err, "client")

	_, err = New(&storage.Client{}, Config{})
	require.ErrorContains(t, err, "bucket")
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prefix string
		path   string
		want   string
	}{
		{"no prefix", "", "EPA/D1/X1/X1.json", "EPA/D1/X1/X1.json"},
		{"prefix", "mirrulations/", "EPA/X1/X1.json", "mirrulations/EPA/X1/X1.json"},
		{"leading slash", "raw", "/attachments/j/a.pdf", "raw/attachments/j/a.pdf"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, err := New(&storage.Client{}, Config{Bucket: "b", Prefix: tc.prefix})
			require.NoError(t, err)
			require.Equal(t, tc.want, store.ObjectName(tc.path))
		})
	}
}
