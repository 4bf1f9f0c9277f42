// Package store provides the size-bounded content-addressable blob store.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	leylinecache "github.com/leylinehq/leyline-cache"
	"github.com/leylinehq/leyline-cache/backend"
	"github.com/leylinehq/leyline-cache/telemetry"
)

const (
	// contentPrefix is the prefix for content-addressed blob keys.
	contentPrefix = "content"

	// artifactPrefix is the prefix for derived artifact keys. Artifacts are
	// keyed by a caller-chosen digest, not by their own content.
	artifactPrefix = "artifacts"

	// indexFile is the sidecar LRU index filename inside the store directory.
	indexFile = "index.db"

	// DefaultMaxSize is the default total size bound for the store.
	DefaultMaxSize = 50 * 1024 * 1024 // 50 MiB

	// evictBatch is how many LRU candidates to fetch per eviction pass.
	evictBatch = 16
)

// ErrStorageFull is returned when a single blob alone exceeds the size bound.
var ErrStorageFull = errors.New("store: blob exceeds cache size bound")

// ContentStore is a content-addressable blob store with a total size bound.
// When a put would exceed the bound, least-recently-accessed blobs are
// evicted first. Safe for concurrent use.
type ContentStore struct {
	backend backend.SizeAwareBackend
	meta    *LRUDB
	codec   *ArtifactCodec
	maxSize int64
	logger  *slog.Logger

	// evictMu serializes the check-capacity/write/account sequence so
	// concurrent puts cannot corrupt size accounting.
	evictMu sync.Mutex
}

// Option configures a ContentStore.
type Option func(*ContentStore)

// WithMaxSize sets the total size bound in bytes.
func WithMaxSize(n int64) Option {
	return func(s *ContentStore) {
		s.maxSize = n
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) Option {
	return func(s *ContentStore) {
		s.logger = logger
	}
}

// Open opens a content store rooted at dir, creating it if needed.
func Open(dir string, opts ...Option) (*ContentStore, error) {
	fs, err := backend.NewFilesystem(dir)
	if err != nil {
		return nil, fmt.Errorf("opening store backend: %w", err)
	}

	s := &ContentStore{
		backend: fs,
		maxSize: DefaultMaxSize,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.meta = NewLRUDB(WithLogger(s.logger))
	if err := s.meta.Open(filepath.Join(fs.Root(), indexFile)); err != nil {
		return nil, err
	}

	codec, err := NewArtifactCodec()
	if err != nil {
		_ = s.meta.Close()
		return nil, err
	}
	s.codec = codec

	if err := s.reconcile(context.Background()); err != nil {
		s.codec.Close()
		_ = s.meta.Close()
		return nil, fmt.Errorf("reconciling store index: %w", err)
	}

	return s, nil
}

// reconcile adopts blobs that exist on disk but have no sidecar entry,
// typically left behind by a crash between the blob write and its tracking.
// Untracked blobs never count toward the size bound and are never eviction
// candidates, so they would leak disk space indefinitely.
func (s *ContentStore) reconcile(ctx context.Context) error {
	for prefix, kind := range map[string]string{contentPrefix: "content", artifactPrefix: "artifact"} {
		keys, err := s.backend.List(ctx, prefix)
		if err != nil {
			return fmt.Errorf("listing %s blobs: %w", prefix, err)
		}
		for _, key := range keys {
			hash, err := keyToHash(prefix, key)
			if err != nil {
				s.logger.Warn("ignoring foreign file in store", "key", key)
				continue
			}
			if _, err := s.meta.Get(ctx, hash.String()); err == nil {
				continue
			} else if !errors.Is(err, ErrEntryNotFound) {
				return err
			}
			size, err := s.backend.Size(ctx, key)
			if err != nil {
				return fmt.Errorf("sizing untracked blob %s: %w", key, err)
			}
			if err := s.meta.Create(ctx, hash.String(), kind, size); err != nil {
				return fmt.Errorf("adopting untracked blob %s: %w", key, err)
			}
			s.logger.Debug("adopted untracked blob", "hash", hash.ShortString(), "size", size)
		}
	}
	return nil
}

// Close releases the sidecar index and codec resources.
func (s *ContentStore) Close() error {
	s.codec.Close()
	return s.meta.Close()
}

// PutResult contains information about a Put operation.
type PutResult struct {
	Hash   leylinecache.Hash
	Size   int64
	Exists bool // true if the content already existed
}

// Put stores content and returns its digest.
// Identical bytes always produce the same digest and are stored once.
func (s *ContentStore) Put(ctx context.Context, data []byte) (leylinecache.Hash, error) {
	result, err := s.PutWithResult(ctx, data)
	if err != nil {
		return leylinecache.Hash{}, err
	}
	return result.Hash, nil
}

// PutWithResult stores content and returns detailed information.
func (s *ContentStore) PutWithResult(ctx context.Context, data []byte) (*PutResult, error) {
	start := time.Now()
	hash := leylinecache.HashBytes(data)
	key := blobKey(contentPrefix, hash)

	result, err := s.putKeyed(ctx, key, hash.String(), "content", data)
	if err != nil {
		telemetry.RecordStoreOp(ctx, "put", "error", time.Since(start), 0)
		return nil, err
	}
	result.Hash = hash

	telemetry.RecordStoreOp(ctx, "put", "ok", time.Since(start), result.Size)
	telemetry.RecordBlobWrite(ctx, result.Size, !result.Exists)
	return result, nil
}

// putKeyed is the shared write path for content blobs and artifacts.
// The in-flight write is allowed to momentarily exceed the bound by one blob;
// the capacity check before it keeps the steady state under the bound.
func (s *ContentStore) putKeyed(ctx context.Context, key, hash, kind string, data []byte) (*PutResult, error) {
	size := int64(len(data))

	// Key equality check before any write I/O makes the put idempotent.
	exists, err := s.backend.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("checking existence: %w", err)
	}
	if exists {
		s.touchExisting(ctx, hash)
		return &PutResult{Size: size, Exists: true}, nil
	}

	if size > s.maxSize {
		return nil, fmt.Errorf("%w: blob %d bytes, bound %d bytes", ErrStorageFull, size, s.maxSize)
	}

	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	// A concurrent put of identical bytes may have landed between the
	// fast-path check and taking the lock. Only the first writer may create
	// the sidecar entry, or the size accounting counts the blob twice.
	exists, err = s.backend.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("checking existence: %w", err)
	}
	if exists {
		s.touchExisting(ctx, hash)
		return &PutResult{Size: size, Exists: true}, nil
	}

	if err := s.makeRoom(ctx, size); err != nil {
		return nil, err
	}

	if err := s.backend.Write(ctx, key, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("writing blob: %w", err)
	}

	if err := s.meta.Create(ctx, hash, kind, size); err != nil {
		// The blob is on disk but untracked; it will never be evicted, so
		// remove it rather than leak accounting.
		_ = s.backend.Delete(ctx, key)
		return nil, fmt.Errorf("tracking blob: %w", err)
	}

	return &PutResult{Size: size, Exists: false}, nil
}

// touchExisting updates the access time of an already-stored blob.
// Best effort; a failed touch never fails the put.
func (s *ContentStore) touchExisting(ctx context.Context, hash string) {
	if err := s.meta.Touch(ctx, hash); err != nil && !errors.Is(err, ErrEntryNotFound) {
		s.logger.Warn("touch failed", "hash", hash, "error", err)
	}
}

// makeRoom evicts least-recently-accessed blobs until incoming fits.
// Caller must hold evictMu.
func (s *ContentStore) makeRoom(ctx context.Context, incoming int64) error {
	total, err := s.meta.TotalSize(ctx)
	if err != nil {
		return fmt.Errorf("reading store size: %w", err)
	}

	for total+incoming > s.maxSize {
		victims, err := s.meta.LeastRecent(ctx, evictBatch)
		if err != nil {
			return fmt.Errorf("listing eviction candidates: %w", err)
		}
		if len(victims) == 0 {
			break
		}

		var freed int64
		var lastErr error
		for _, victim := range victims {
			if total+incoming <= s.maxSize {
				break
			}
			if err := s.evict(ctx, victim); err != nil {
				lastErr = err
				s.logger.Warn("eviction failed",
					"hash", victim.Hash,
					"error", err,
				)
				continue
			}
			total -= victim.Size
			freed += victim.Size
		}

		// A pass that freed nothing would fetch the same candidates again;
		// surface the failure instead of spinning under evictMu.
		if freed == 0 {
			if lastErr != nil {
				return fmt.Errorf("evicting blobs: %w", lastErr)
			}
			break
		}
	}
	return nil
}

func (s *ContentStore) evict(ctx context.Context, entry *BlobEntry) error {
	hash, err := leylinecache.ParseHash(entry.Hash)
	if err != nil {
		return fmt.Errorf("invalid tracked hash %q: %w", entry.Hash, err)
	}
	prefix := contentPrefix
	if entry.Kind == "artifact" {
		prefix = artifactPrefix
	}
	if err := s.backend.Delete(ctx, blobKey(prefix, hash)); err != nil {
		return err
	}
	if err := s.meta.Delete(ctx, entry.Hash); err != nil {
		return err
	}
	telemetry.RecordEviction(ctx, entry.Size)
	s.logger.Debug("evicted blob",
		"hash", hash.ShortString(),
		"size", entry.Size,
		"last_access", entry.LastAccess,
	)
	return nil
}

// Get retrieves content by its digest.
// Returns backend.ErrNotFound when the digest has never been stored.
func (s *ContentStore) Get(ctx context.Context, h leylinecache.Hash) ([]byte, error) {
	start := time.Now()
	data, err := s.getKeyed(ctx, blobKey(contentPrefix, h), h.String())
	if err != nil {
		outcome := "error"
		if errors.Is(err, backend.ErrNotFound) {
			outcome = "miss"
		}
		telemetry.RecordStoreOp(ctx, "get", outcome, time.Since(start), 0)
		return nil, err
	}
	telemetry.RecordStoreOp(ctx, "get", "ok", time.Since(start), int64(len(data)))
	return data, nil
}

func (s *ContentStore) getKeyed(ctx context.Context, key, hash string) ([]byte, error) {
	rc, err := s.backend.Read(ctx, key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}

	// Update access time asynchronously (best effort)
	go func() { _ = s.meta.Touch(context.Background(), hash) }()

	return data, nil
}

// Has checks if content with the given digest exists.
func (s *ContentStore) Has(ctx context.Context, h leylinecache.Hash) (bool, error) {
	return s.backend.Exists(ctx, blobKey(contentPrefix, h))
}

// Delete removes content by its digest. Idempotent.
func (s *ContentStore) Delete(ctx context.Context, h leylinecache.Hash) error {
	if err := s.backend.Delete(ctx, blobKey(contentPrefix, h)); err != nil {
		return err
	}
	return s.meta.Delete(ctx, h.String())
}

// TotalSize returns the total tracked size of the store in bytes.
func (s *ContentStore) TotalSize(ctx context.Context) (int64, error) {
	return s.meta.TotalSize(ctx)
}

// PutArtifact stores a derived artifact under a caller-chosen key, framed
// through the zstd codec. Artifacts share the size bound and eviction order
// with content blobs.
func (s *ContentStore) PutArtifact(ctx context.Context, key leylinecache.Hash, data []byte) error {
	start := time.Now()
	encoded := s.codec.Encode(data)
	_, err := s.putKeyed(ctx, blobKey(artifactPrefix, key), key.String(), "artifact", encoded)
	if err != nil {
		telemetry.RecordStoreOp(ctx, "put_artifact", "error", time.Since(start), 0)
		return err
	}
	telemetry.RecordStoreOp(ctx, "put_artifact", "ok", time.Since(start), int64(len(encoded)))
	return nil
}

// GetArtifact retrieves and decodes a derived artifact.
// Returns backend.ErrNotFound when the key has never been stored.
func (s *ContentStore) GetArtifact(ctx context.Context, key leylinecache.Hash) ([]byte, error) {
	start := time.Now()
	encoded, err := s.getKeyed(ctx, blobKey(artifactPrefix, key), key.String())
	if err != nil {
		outcome := "error"
		if errors.Is(err, backend.ErrNotFound) {
			outcome = "miss"
		}
		telemetry.RecordStoreOp(ctx, "get_artifact", outcome, time.Since(start), 0)
		return nil, err
	}
	data, err := s.codec.Decode(encoded)
	if err != nil {
		telemetry.RecordStoreOp(ctx, "get_artifact", "error", time.Since(start), 0)
		return nil, err
	}
	telemetry.RecordStoreOp(ctx, "get_artifact", "ok", time.Since(start), int64(len(data)))
	return data, nil
}

// CompressionRatio returns the artifact codec's lifetime compression ratio.
func (s *ContentStore) CompressionRatio() float64 {
	return s.codec.Ratio()
}

// blobKey converts a digest to a storage key.
// Format: {prefix}/{first-2-hex-chars}/{remaining-hex-chars}
func blobKey(prefix string, h leylinecache.Hash) string {
	hex := h.String()
	return fmt.Sprintf("%s/%s/%s", prefix, hex[:2], hex[2:])
}

// keyToHash reverses blobKey.
func keyToHash(prefix, key string) (leylinecache.Hash, error) {
	rest, ok := strings.CutPrefix(key, prefix+"/")
	if !ok {
		return leylinecache.Hash{}, fmt.Errorf("key %q outside prefix %q", key, prefix)
	}
	return leylinecache.ParseHash(strings.ReplaceAll(rest, "/", ""))
}
