package store

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	leylinecache "github.com/leylinehq/leyline-cache"
	"github.com/leylinehq/leyline-cache/backend"
)

func newTestStore(t *testing.T, opts ...Option) (*ContentStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, dir
}

// countBlobFiles counts files under the content prefix, ignoring the
// sidecar index.
func countBlobFiles(t *testing.T, dir string) int {
	t.Helper()
	count := 0
	root := filepath.Join(dir, contentPrefix)
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		count++
		return nil
	})
	return count
}

func TestStorePutGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	data := []byte("some cached document bytes")

	hash, err := s.Put(ctx, data)
	require.NoError(t, err)
	require.Equal(t, leylinecache.HashBytes(data), hash)

	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestStorePutIdempotent(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()
	data := []byte("identical content")

	r1, err := s.PutWithResult(ctx, data)
	require.NoError(t, err)
	require.False(t, r1.Exists)

	r2, err := s.PutWithResult(ctx, data)
	require.NoError(t, err)
	require.True(t, r2.Exists)
	require.Equal(t, r1.Hash, r2.Hash)

	// Identical bytes are stored exactly once.
	require.Equal(t, 1, countBlobFiles(t, dir))

	total, err := s.TotalSize(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), total)
}

func TestStoreGetNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get(context.Background(), leylinecache.HashBytes([]byte("never stored")))
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestStoreOversizeBlobRejected(t *testing.T) {
	s, dir := newTestStore(t, WithMaxSize(100))
	ctx := context.Background()

	_, err := s.Put(ctx, bytes.Repeat([]byte("x"), 150))
	require.ErrorIs(t, err, ErrStorageFull)

	// The store is unchanged: nothing on disk, nothing tracked.
	require.Equal(t, 0, countBlobFiles(t, dir))
	total, err := s.TotalSize(ctx)
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestStoreEvictsLeastRecentlyUsed(t *testing.T) {
	s, _ := newTestStore(t, WithMaxSize(100))
	ctx := context.Background()

	a := bytes.Repeat([]byte("a"), 40)
	b := bytes.Repeat([]byte("b"), 40)
	c := bytes.Repeat([]byte("c"), 40)

	hashA, err := s.Put(ctx, a)
	require.NoError(t, err)
	hashB, err := s.Put(ctx, b)
	require.NoError(t, err)

	// Re-putting A touches it, making B the least recently used.
	_, err = s.Put(ctx, a)
	require.NoError(t, err)

	hashC, err := s.Put(ctx, c)
	require.NoError(t, err)

	hasA, err := s.Has(ctx, hashA)
	require.NoError(t, err)
	require.True(t, hasA)

	hasB, err := s.Has(ctx, hashB)
	require.NoError(t, err)
	require.False(t, hasB, "least recently used blob should have been evicted")

	hasC, err := s.Has(ctx, hashC)
	require.NoError(t, err)
	require.True(t, hasC)

	total, err := s.TotalSize(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, total, int64(100))
}

func TestStoreDeleteIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	hash, err := s.Put(ctx, []byte("to be deleted"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, hash))
	require.NoError(t, s.Delete(ctx, hash))

	_, err = s.Get(ctx, hash)
	require.ErrorIs(t, err, backend.ErrNotFound)

	total, err := s.TotalSize(ctx)
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestStoreConcurrentPutSameContent(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()
	data := []byte("concurrently stored content")

	var wg sync.WaitGroup
	hashes := make([]leylinecache.Hash, 8)
	for i := range hashes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := s.Put(ctx, data)
			require.NoError(t, err)
			hashes[i] = h
		}(i)
	}
	wg.Wait()

	for _, h := range hashes {
		require.Equal(t, hashes[0], h)
	}
	require.Equal(t, 1, countBlobFiles(t, dir))

	got, err := s.Get(ctx, hashes[0])
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestStoreConcurrentPutAccounting(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte("d"), 1000)

	// All writers release at once so they race past the fast-path
	// existence check together.
	start := make(chan struct{})
	var wg sync.WaitGroup
	for n := 0; n < 16; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Put(ctx, data)
			require.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	// One blob on disk means one blob in the accounting.
	total, err := s.TotalSize(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), total)
}

func TestStoreEvictionFailureSurfaces(t *testing.T) {
	s, _ := newTestStore(t, WithMaxSize(100))
	ctx := context.Background()

	// An entry whose hash cannot map back to a blob key makes every
	// eviction attempt fail.
	require.NoError(t, s.meta.Create(ctx, "not-a-valid-digest", "content", 90))

	_, err := s.Put(ctx, bytes.Repeat([]byte("x"), 40))
	require.Error(t, err)
	require.ErrorContains(t, err, "evicting blobs")
}

func TestStoreReconcileAdoptsUntrackedBlobs(t *testing.T) {
	dir := t.TempDir()
	data := []byte("blob written without tracking")
	hash := leylinecache.HashBytes(data)
	hex := hash.String()

	// Simulate a crash between the blob write and its sidecar entry.
	shard := filepath.Join(dir, contentPrefix, hex[:2])
	require.NoError(t, os.MkdirAll(shard, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(shard, hex[2:]), data, 0o644))

	s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	total, err := s.TotalSize(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), total)

	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestStoreArtifactRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	key := leylinecache.HashBytes([]byte("corpus state"))
	payload := bytes.Repeat([]byte("token index entry "), 500)

	require.NoError(t, s.PutArtifact(ctx, key, payload))

	got, err := s.GetArtifact(ctx, key)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	// Repetitive payloads well over the compression threshold compress.
	require.Greater(t, s.CompressionRatio(), 1.0)
}

func TestStoreArtifactNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.GetArtifact(context.Background(), leylinecache.HashBytes([]byte("missing")))
	require.ErrorIs(t, err, backend.ErrNotFound)
}
