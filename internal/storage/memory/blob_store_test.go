package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`{"percentage": 42.5}`)
	uri, err := store.PutObject(context.Background(), "checks/j1/bundle.json", "application/json", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://checks/j1/bundle.json", uri)

	// Mutations after the put must not reach the stored copy.
	payload[2] = 'X'
	stored, ok := store.GetObject("checks/j1/bundle.json")
	require.True(t, ok)
	require.Equal(t, `{"percentage": 42.5}`, string(stored))
}

func TestBlobStorePutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, err := store.PutObject(context.Background(), "", "application/json", []byte("x"))
	require.Error(t, err)
}
