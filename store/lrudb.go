package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// ErrEntryNotFound is returned when a blob has no sidecar entry.
var ErrEntryNotFound = errors.New("store: entry not found")

// Bucket names for the bbolt sidecar index.
var (
	bucketBlobs        = []byte("blobs")          // hash -> BlobEntry JSON
	bucketByAccess     = []byte("blobs_by_access") // timestamp+hash -> hash (LRU index)
	bucketAccessByHash = []byte("access_by_hash")  // hash -> 8-byte timestamp (reverse index for O(1) delete)
	bucketStats        = []byte("stats")           // running totals
)

var keyTotalSize = []byte("total_size")

// BlobEntry tracks one stored blob for size accounting and LRU eviction.
type BlobEntry struct {
	Hash       string    `json:"hash"`
	Kind       string    `json:"kind"` // "content" or "artifact"
	Size       int64     `json:"size"`
	CachedAt   time.Time `json:"cached_at"`
	LastAccess time.Time `json:"last_access"`
}

// LRUDB is the bbolt-backed sidecar index the content store uses to track
// blob sizes and access order. It lives outside the content-addressed path
// so touching a blob never rewrites the blob itself.
type LRUDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
}

// LRUDBOption configures an LRUDB instance.
type LRUDBOption func(*LRUDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) LRUDBOption {
	return func(l *LRUDB) {
		l.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) LRUDBOption {
	return func(l *LRUDB) {
		l.now = now
	}
}

// NewLRUDB creates a new LRUDB instance with options.
func NewLRUDB(opts ...LRUDBOption) *LRUDB {
	l := &LRUDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open opens the database at the given path.
func (l *LRUDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("opening sidecar index: %w", err)
	}
	l.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketBlobs, bucketByAccess, bucketAccessByHash, bucketStats} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	l.logger.Debug("opened sidecar index", "path", path)
	return nil
}

// Close closes the database.
func (l *LRUDB) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Create records a new blob entry. The entry's times are set to now.
func (l *LRUDB) Create(_ context.Context, hash, kind string, size int64) error {
	now := l.now()
	entry := &BlobEntry{
		Hash:       hash,
		Kind:       kind,
		Size:       size,
		CachedAt:   now,
		LastAccess: now,
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		if err := putEntry(tx, entry); err != nil {
			return err
		}
		return adjustTotal(tx, size)
	})
}

// Touch updates the last access time for a blob, reindexing it in the
// access-ordered bucket. Missing entries return ErrEntryNotFound.
func (l *LRUDB) Touch(_ context.Context, hash string) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		entry, err := getEntry(tx, hash)
		if err != nil {
			return err
		}
		if err := dropAccessIndex(tx, hash); err != nil {
			return err
		}
		entry.LastAccess = l.now()
		return putEntry(tx, entry)
	})
}

// Delete removes a blob entry and its access index. Idempotent.
func (l *LRUDB) Delete(_ context.Context, hash string) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		entry, err := getEntry(tx, hash)
		if errors.Is(err, ErrEntryNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := dropAccessIndex(tx, hash); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBlobs).Delete([]byte(hash)); err != nil {
			return err
		}
		return adjustTotal(tx, -entry.Size)
	})
}

// Get returns the entry for a blob, or ErrEntryNotFound.
func (l *LRUDB) Get(_ context.Context, hash string) (*BlobEntry, error) {
	var entry *BlobEntry
	err := l.db.View(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, hash)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// TotalSize returns the total size of all tracked blobs.
func (l *LRUDB) TotalSize(_ context.Context) (int64, error) {
	var total int64
	err := l.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketStats).Get(keyTotalSize); len(v) == 8 {
			total = int64(binary.BigEndian.Uint64(v)) + (-1 << 63)
		}
		return nil
	})
	return total, err
}

// LeastRecent returns up to limit entries ordered oldest access first.
func (l *LRUDB) LeastRecent(_ context.Context, limit int) ([]*BlobEntry, error) {
	var entries []*BlobEntry
	err := l.db.View(func(tx *bbolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)
		c := tx.Bucket(bucketByAccess).Cursor()
		for k, v := c.First(); k != nil && len(entries) < limit; k, v = c.Next() {
			raw := blobs.Get(v)
			if raw == nil {
				continue
			}
			var entry BlobEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				continue
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func getEntry(tx *bbolt.Tx, hash string) (*BlobEntry, error) {
	raw := tx.Bucket(bucketBlobs).Get([]byte(hash))
	if raw == nil {
		return nil, ErrEntryNotFound
	}
	var entry BlobEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decoding entry: %w", err)
	}
	return &entry, nil
}

// putEntry writes the entry and both access indexes in one transaction.
func putEntry(tx *bbolt.Tx, entry *BlobEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	if err := tx.Bucket(bucketBlobs).Put([]byte(entry.Hash), raw); err != nil {
		return err
	}
	ts := encodeTimestamp(entry.LastAccess)
	if err := tx.Bucket(bucketByAccess).Put(makeAccessKey(ts, entry.Hash), []byte(entry.Hash)); err != nil {
		return err
	}
	return tx.Bucket(bucketAccessByHash).Put([]byte(entry.Hash), ts)
}

// dropAccessIndex removes the access index rows for a hash using the
// reverse index, avoiding a scan of the ordered bucket.
func dropAccessIndex(tx *bbolt.Tx, hash string) error {
	rev := tx.Bucket(bucketAccessByHash)
	ts := rev.Get([]byte(hash))
	if ts == nil {
		return nil
	}
	if err := tx.Bucket(bucketByAccess).Delete(makeAccessKey(ts, hash)); err != nil {
		return err
	}
	return rev.Delete([]byte(hash))
}

func adjustTotal(tx *bbolt.Tx, delta int64) error {
	stats := tx.Bucket(bucketStats)
	var total int64
	if v := stats.Get(keyTotalSize); len(v) == 8 {
		total = int64(binary.BigEndian.Uint64(v)) + (-1 << 63)
	}
	total += delta
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(total-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return stats.Put(keyTotalSize, buf)
}

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for the access-time index.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// makeAccessKey creates a key for the blobs_by_access index.
// Format: [8-byte timestamp][hash string]
func makeAccessKey(ts []byte, hash string) []byte {
	key := make([]byte, 8+len(hash))
	copy(key[:8], ts)
	copy(key[8:], hash)
	return key
}
