package cache

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"
)

type storeFactory struct {
	name string
	make func(t *testing.T) Store
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{name: "fs", make: newTestStore},
		{name: "bucket", make: newTestBucketStore},
	}
}

func TestStorePutAndMatch(t *testing.T) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			store := f.make(t)
			ctx := context.Background()
			part, err := store.Open(ctx, "videos-intro")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}

			modTime := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
			header := http.Header{"Content-Type": []string{"video/mp4"}}
			key := "https://cdn.example.com/videos/intro/v.mp4"
			if _, err := part.Put(ctx, key, bytes.NewReader([]byte("payload")), PutOptions{Header: header, ModTime: modTime}); err != nil {
				t.Fatalf("put error: %v", err)
			}

			result, err := part.Match(ctx, key)
			if err != nil {
				t.Fatalf("match error: %v", err)
			}
			body, err := result.ReadAll()
			if err != nil {
				t.Fatalf("read cached body error: %v", err)
			}
			if string(body) != "payload" {
				t.Fatalf("cached payload mismatch: %s", string(body))
			}
			if result.Entry.SizeBytes != int64(len("payload")) {
				t.Fatalf("size mismatch: %d", result.Entry.SizeBytes)
			}
			if got := result.Entry.Header.Get("Content-Type"); got != "video/mp4" {
				t.Fatalf("header mismatch: %s", got)
			}
			if !result.Entry.ModTime.Equal(modTime) {
				t.Fatalf("modtime mismatch: expected %v got %v", modTime, result.Entry.ModTime)
			}
		})
	}
}

func TestStoreMatchMissing(t *testing.T) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			store := f.make(t)
			part, err := store.Open(context.Background(), "empty")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}
			if _, err := part.Match(context.Background(), "/missing"); err != ErrNotFound {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if _, err := part.Stat(context.Background(), "/missing"); err != ErrNotFound {
				t.Fatalf("expected ErrNotFound from stat, got %v", err)
			}
		})
	}
}

func TestStorePartitions(t *testing.T) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			store := f.make(t)
			ctx := context.Background()
			for _, name := range []string{"b", "a", "prefetch"} {
				part, err := store.Open(ctx, name)
				if err != nil {
					t.Fatalf("open %s error: %v", name, err)
				}
				if _, err := part.Put(ctx, "/k", bytes.NewReader([]byte(name)), PutOptions{}); err != nil {
					t.Fatalf("put error: %v", err)
				}
			}

			names, err := store.ListPartitions(ctx)
			if err != nil {
				t.Fatalf("list error: %v", err)
			}
			if len(names) != 3 || names[0] != "a" || names[1] != "b" || names[2] != "prefetch" {
				t.Fatalf("unexpected partitions: %v", names)
			}

			if err := store.DeletePartition(ctx, "a"); err != nil {
				t.Fatalf("delete error: %v", err)
			}
			if err := store.DeletePartition(ctx, "a"); err != nil {
				t.Fatalf("second delete should be idempotent: %v", err)
			}
			ok, err := store.HasPartition(ctx, "a")
			if err != nil || ok {
				t.Fatalf("expected partition a gone, ok=%v err=%v", ok, err)
			}
			ok, err = store.HasPartition(ctx, "b")
			if err != nil || !ok {
				t.Fatalf("expected partition b present, ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestStoreKeysRoundTripOriginalKeys(t *testing.T) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			store := f.make(t)
			ctx := context.Background()
			part, err := store.Open(ctx, "bundle")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}
			keys := []string{"/a/b/c.mp4_0", "/a/b/c.mp4_1", "/a/b", "/page/"}
			for _, key := range keys {
				if _, err := part.Put(ctx, key, bytes.NewReader(nil), PutOptions{}); err != nil {
					t.Fatalf("put %s error: %v", key, err)
				}
			}
			got, err := part.Keys(ctx)
			if err != nil {
				t.Fatalf("keys error: %v", err)
			}
			if len(got) != len(keys) {
				t.Fatalf("expected %d keys, got %v", len(keys), got)
			}
		})
	}
}

func TestStoreRejectsInvalidPartitionNames(t *testing.T) {
	store := newTestStore(t)
	for _, name := range []string{"", "..", "a/b"} {
		if _, err := store.Open(context.Background(), name); err != ErrInvalidPartition {
			t.Fatalf("expected ErrInvalidPartition for %q, got %v", name, err)
		}
	}
}

func TestFileStoreSkipsOrphanBodies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	part, err := store.Open(ctx, "orphan")
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	fp := part.(*filePartition)
	bodyPath, _ := fp.entryPath("/half-written")
	if err := os.WriteFile(bodyPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if _, err := part.Match(ctx, "/half-written"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound without meta, got %v", err)
	}
	keys, err := part.Keys(ctx)
	if err != nil || len(keys) != 0 {
		t.Fatalf("expected no keys, got %v err=%v", keys, err)
	}
}

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"/videos/intro/": "videos-intro",
		"videos":         "videos",
		"/a/b/c":         "a-b-c",
	}
	for in, want := range cases {
		if got := NormalizeName(in); got != want {
			t.Fatalf("NormalizeName(%q)=%q want %q", in, got, want)
		}
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func newTestBucketStore(t *testing.T) Store {
	t.Helper()
	bucket, err := blob.OpenBucket(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	t.Cleanup(func() { bucket.Close() })
	return NewBucketStore(bucket)
}
