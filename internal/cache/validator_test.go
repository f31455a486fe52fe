package cache

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLicenses struct {
	mu      sync.Mutex
	removed []string
}

func (r *recordingLicenses) Remove(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, name)
	return nil
}

func seedChunks(t *testing.T, store Store, name string, data []byte) Partition {
	t.Helper()
	part, err := store.Open(context.Background(), name)
	require.NoError(t, err)
	_, err = NewChunkWriter(store).Commit(context.Background(), part, sourceOf(data, true), CommitOptions{Key: "/v.mp4", Chunked: true})
	require.NoError(t, err)
	return part
}

func TestValidatorAcceptsCompletePartition(t *testing.T) {
	store := newChunkedStore(t, 4)
	seedChunks(t, store, "bundle", []byte("0123456789"))
	licenses := &recordingLicenses{}

	ok, err := NewValidator(store, licenses, nil).Validate(context.Background(), "bundle")
	require.NoError(t, err)
	assert.True(t, ok)

	exists, err := store.HasPartition(context.Background(), "bundle")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Empty(t, licenses.removed)
}

func TestValidatorRemovesTruncatedPartition(t *testing.T) {
	store := newChunkedStore(t, 4)
	seedChunks(t, store, "bundle", []byte("0123456789"))
	require.NoError(t, removeEntry(store, "bundle", "/v.mp4_2"))
	licenses := &recordingLicenses{}

	ok, err := NewValidator(store, licenses, nil).Validate(context.Background(), "bundle")
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := store.HasPartition(context.Background(), "bundle")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, []string{"bundle"}, licenses.removed)
}

func TestValidatorRejectsShortTailChunk(t *testing.T) {
	store := newChunkedStore(t, 4)
	part, err := store.Open(context.Background(), "bundle")
	require.NoError(t, err)
	chunks := []string{"0123", "4567", "8"}
	for i, body := range chunks {
		header := map[string][]string{
			HeaderChunkSize:   {strconv.Itoa(len(body))},
			HeaderAssetLength: {"10"},
		}
		_, err = part.Put(context.Background(), ChunkKey("/v.mp4", int64(i)), bytes.NewReader([]byte(body)), PutOptions{Header: header})
		require.NoError(t, err)
	}

	// 末片序号 2 与 floor(10/4) 吻合，但 2*4+1 != 10
	ok, err := NewValidator(store, nil, nil).Validate(context.Background(), "bundle")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidatorTreatsMissingLengthAsInvalid(t *testing.T) {
	store := newChunkedStore(t, 4)
	part, err := store.Open(context.Background(), "bundle")
	require.NoError(t, err)
	header := map[string][]string{HeaderChunkSize: {"4"}}
	_, err = part.Put(context.Background(), "/v.mp4_0", bytes.NewReader([]byte("0123")), PutOptions{Header: header})
	require.NoError(t, err)

	ok, err := NewValidator(store, nil, nil).Validate(context.Background(), "bundle")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidatorIgnoresWholeObjects(t *testing.T) {
	store := newChunkedStore(t, 4)
	part, err := store.Open(context.Background(), "bundle")
	require.NoError(t, err)
	_, err = part.Put(context.Background(), "/clip_2", bytes.NewReader([]byte("x")), PutOptions{})
	require.NoError(t, err)

	ok, err := NewValidator(store, nil, nil).Validate(context.Background(), "bundle")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = NewValidator(store, nil, nil).Validate(context.Background(), "missing")
	require.NoError(t, err)
	assert.True(t, ok)
}

func removeEntry(store Store, name, key string) error {
	fstore := store.(*fileStore)
	dir, err := fstore.partitionDir(name)
	if err != nil {
		return err
	}
	p := &filePartition{store: fstore, name: name, dir: dir}
	bodyPath, metaPath := p.entryPath(key)
	for _, path := range []string{bodyPath, metaPath} {
		if err := removeFile(path); err != nil {
			return err
		}
	}
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
