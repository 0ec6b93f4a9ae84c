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
	uri, err := store.PutObject(context.Background(), "reports/yachts/job-1.json", "application/json", bytes.NewReader([]byte(`{"id":"job-1"}`)))
	require.NoError(t, err)
	require.Equal(t, "memory://reports/yachts/job-1.json", uri)

	got, ok := store.Object("reports/yachts/job-1.json")
	require.True(t, ok)
	got[0] = 'X'
	again, _ := store.Object("reports/yachts/job-1.json")
	require.Equal(t, `{"id":"job-1"}`, string(again))

	_, ok = store.Object("missing")
	require.False(t, ok)
}
