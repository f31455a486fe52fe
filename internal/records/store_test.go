package records

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestStoreOnDirectory(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, t.TempDir()+"/records")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(ctx, "license", "videos-intro", sample{Name: "a", Count: 1}))
	require.NoError(t, store.Put(ctx, "license", "videos/other", sample{Name: "b", Count: 2}))

	var got sample
	require.NoError(t, store.Get(ctx, "license", "videos-intro", &got))
	assert.Equal(t, sample{Name: "a", Count: 1}, got)

	keys, err := store.Keys(ctx, "license")
	require.NoError(t, err)
	assert.Equal(t, []string{"videos-intro", "videos/other"}, keys)

	require.NoError(t, store.Delete(ctx, "license", "videos-intro"))
	require.NoError(t, store.Delete(ctx, "license", "videos-intro"))
	assert.ErrorIs(t, store.Get(ctx, "license", "videos-intro", &got), ErrNotFound)

	ok, err := store.Exists(ctx, "license", "videos/other")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreOnMemoryBucket(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, "mem://")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(ctx, "bg", "bg-1", []string{"/a"}))
	var got []string
	require.NoError(t, store.Get(ctx, "bg", "bg-1", &got))
	assert.Equal(t, []string{"/a"}, got)
}
