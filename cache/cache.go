// Package cache owns the in-memory metadata cache: index lifecycle
// (cold, warming, warm), background population, discovery queries, and
// performance counters.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	leylinecache "github.com/leylinehq/leyline-cache"
	"github.com/leylinehq/leyline-cache/backend"
	"github.com/leylinehq/leyline-cache/index"
	"github.com/leylinehq/leyline-cache/store"
	"github.com/leylinehq/leyline-cache/telemetry"
)

// State is the cache lifecycle state.
type State int32

const (
	// Cold means no index has been built yet.
	Cold State = iota
	// Warming means a scan is in progress.
	Warming
	// Warm means an index snapshot is available.
	Warm
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Cold:
		return "cold"
	case Warming:
		return "warming"
	case Warm:
		return "warm"
	default:
		return "unknown"
	}
}

// Cache is the metadata cache. It owns the index snapshot and the
// performance counters; the snapshot is replaced wholesale on each warm and
// read through an atomic pointer, so readers never observe a half-built
// index.
type Cache struct {
	cfg     Config
	store   *store.ContentStore
	builder *index.Builder
	logger  *slog.Logger
	perf    *Counters

	snapshot atomic.Pointer[index.Snapshot]

	mu          sync.Mutex
	state       State
	warmCh      chan struct{} // closed when the current warming attempt finishes
	lastWarmErr error
}

// Open constructs a cache with an explicit lifecycle; callers must Close it.
// The cache starts Cold. Opening never scans the corpus.
func Open(cfg Config) (*Cache, error) {
	defaults := DefaultConfig()
	if cfg.CacheDir == "" {
		cfg.CacheDir = defaults.CacheDir
	}
	if cfg.MaxCacheSize == 0 {
		cfg.MaxCacheSize = defaults.MaxCacheSize
	}
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = defaults.Patterns
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DocsRoot == "" {
		return nil, errors.New("cache: DocsRoot is required")
	}

	cs, err := store.Open(cfg.CacheDir,
		store.WithMaxSize(cfg.MaxCacheSize),
		store.WithStoreLogger(cfg.Logger),
	)
	if err != nil {
		return nil, fmt.Errorf("opening content store: %w", err)
	}

	return &Cache{
		cfg:   cfg,
		store: cs,
		builder: index.NewBuilder(
			index.WithPatterns(cfg.Patterns),
			index.WithBuilderLogger(cfg.Logger),
		),
		logger: cfg.Logger,
		perf:   NewCounters(),
		state:  Cold,
		warmCh: make(chan struct{}),
	}, nil
}

// Close releases the content store resources. Any in-flight warming task is
// abandoned; no partial state is persisted.
func (c *Cache) Close() error {
	return c.store.Close()
}

// Store exposes the content store for collaborators that retrieve raw bytes.
func (c *Cache) Store() *store.ContentStore {
	return c.store
}

// State returns the current lifecycle state.
func (c *Cache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WarmInBackground starts asynchronous index population. Returns true only
// when a new warming task was started; a cache that is already warm or
// warming is left alone, so two concurrent calls can never start two scans.
// Warming failures are logged and leave the cache in its prior state.
func (c *Cache) WarmInBackground() bool {
	c.mu.Lock()
	if c.state != Cold {
		c.mu.Unlock()
		return false
	}
	c.state = Warming
	c.mu.Unlock()

	task := uuid.New().String()[:8]
	c.logger.Debug("starting background warm", "task", task)

	go func() {
		snap, err := c.buildSnapshot(context.Background())
		if err != nil {
			c.logger.Error("background warm failed", "task", task, "error", err)
		} else {
			c.logger.Debug("background warm complete",
				"task", task,
				"documents", snap.DocumentCount(),
				"warnings", len(snap.Warnings()),
			)
		}
		c.finishWarm(snap, err)
	}()
	return true
}

// WaitWarm blocks until a warm snapshot is available, starting a warming
// task if none is running. Returns the last warming error if the attempt
// the caller waited on failed.
func (c *Cache) WaitWarm(ctx context.Context) error {
	for {
		if c.snapshot.Load() != nil {
			return nil
		}

		c.mu.Lock()
		if c.state != Warming {
			c.mu.Unlock()
			c.WarmInBackground()
			continue
		}
		ch := c.warmCh
		c.mu.Unlock()

		select {
		case <-ch:
			if c.snapshot.Load() != nil {
				return nil
			}
			c.mu.Lock()
			err := c.lastWarmErr
			c.mu.Unlock()
			if err != nil {
				return fmt.Errorf("warming failed: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Categories returns the recognized categories that contain documents, in a
// stable order. A cold cache scans synchronously before answering.
func (c *Cache) Categories(ctx context.Context) ([]leylinecache.Category, error) {
	start := time.Now()
	snap, hit, err := c.ensureWarm(ctx)
	if err != nil {
		return nil, err
	}
	c.record(ctx, "categories", hit, start)
	return snap.Categories(), nil
}

// DocumentsForCategory returns the pre-sorted records for a category.
// Recognized-but-empty categories yield an empty result, never an error.
func (c *Cache) DocumentsForCategory(ctx context.Context, category leylinecache.Category) ([]*leylinecache.DocumentRecord, error) {
	start := time.Now()
	snap, hit, err := c.ensureWarm(ctx)
	if err != nil {
		return nil, err
	}
	c.record(ctx, "documents_for_category", hit, start)
	return snap.DocumentsForCategory(category), nil
}

// Document looks up a single record by id.
func (c *Cache) Document(ctx context.Context, id string) (*leylinecache.DocumentRecord, bool, error) {
	start := time.Now()
	snap, hit, err := c.ensureWarm(ctx)
	if err != nil {
		return nil, false, err
	}
	c.record(ctx, "document", hit, start)
	rec, ok := snap.Document(id)
	return rec, ok, nil
}

// Search runs a free-text query against the inverted token index.
func (c *Cache) Search(ctx context.Context, query string) ([]index.SearchResult, error) {
	start := time.Now()
	snap, hit, err := c.ensureWarm(ctx)
	if err != nil {
		return nil, err
	}
	results := snap.Search(query)
	c.record(ctx, "search", hit, start)
	return results, nil
}

// Stats describes the cache's current performance counters.
type Stats struct {
	State            State
	DocumentCount    int
	MemoryUsage      int64
	HitRatio         float64
	CompressionRatio float64
	Warnings         int
	Operations       map[string]OpStats
}

// Stats returns a point-in-time view of the performance counters. Purely
// observational; it never triggers a scan and never alters behavior.
func (c *Cache) Stats() Stats {
	st := Stats{
		State:            c.State(),
		HitRatio:         c.perf.HitRatio(),
		CompressionRatio: c.store.CompressionRatio(),
		Operations:       c.perf.Operations(),
	}
	if snap := c.snapshot.Load(); snap != nil {
		st.DocumentCount = snap.DocumentCount()
		st.MemoryUsage = c.perf.Memory()
		st.Warnings = len(snap.Warnings())
	}
	return st
}

// Invalidate drops the current snapshot and resets the performance
// counters. The next query or warm rebuilds from the corpus.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.snapshot.Store(nil)
	if c.state == Warm {
		c.state = Cold
	}
	c.mu.Unlock()
	c.perf.Reset()
}

// ensureWarm returns the current snapshot, reporting whether it was already
// available (hit) or had to be built synchronously (miss).
func (c *Cache) ensureWarm(ctx context.Context) (*index.Snapshot, bool, error) {
	if snap := c.snapshot.Load(); snap != nil {
		return snap, true, nil
	}
	snap, err := c.warmNow(ctx)
	if err != nil {
		return nil, false, err
	}
	return snap, false, nil
}

// warmNow performs a synchronous warm with single-flight semantics: if a
// warming task is already running, it waits for that task instead of
// starting a second scan.
func (c *Cache) warmNow(ctx context.Context) (*index.Snapshot, error) {
	c.mu.Lock()
	for c.state == Warming {
		ch := c.warmCh
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if snap := c.snapshot.Load(); snap != nil {
			return snap, nil
		}
		c.mu.Lock()
	}
	if snap := c.snapshot.Load(); snap != nil {
		c.mu.Unlock()
		return snap, nil
	}
	c.state = Warming
	c.mu.Unlock()

	snap, err := c.buildSnapshot(ctx)
	c.finishWarm(snap, err)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// finishWarm publishes the warming result. On failure the cache keeps its
// prior state: a previously warm snapshot stays serving, a cold cache stays
// cold. The attempt channel is closed either way so waiters always wake.
func (c *Cache) finishWarm(snap *index.Snapshot, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.snapshot.Store(snap)
		c.perf.SetMemory(snap.MemoryEstimate())
		c.state = Warm
		c.lastWarmErr = nil
	} else {
		c.lastWarmErr = err
		if c.snapshot.Load() != nil {
			c.state = Warm
		} else {
			c.state = Cold
		}
	}

	close(c.warmCh)
	c.warmCh = make(chan struct{})
}

// buildSnapshot produces a fresh snapshot, preferring the persisted index
// artifact when the corpus is unchanged. Content store failures only
// disable that optimization; they never fail the build.
func (c *Cache) buildSnapshot(ctx context.Context) (*index.Snapshot, error) {
	start := time.Now()

	digest, err := c.builder.CorpusDigest(ctx, c.cfg.DocsRoot)
	if err == nil {
		if snap := c.loadArtifact(ctx, digest); snap != nil {
			return snap, nil
		}
	}

	snap, err := c.builder.Scan(ctx, c.cfg.DocsRoot)
	if err != nil {
		return nil, err
	}
	telemetry.RecordScan(ctx, time.Since(start), snap.DocumentCount(), len(snap.Warnings()))

	c.saveArtifact(ctx, snap)
	return snap, nil
}

func (c *Cache) loadArtifact(ctx context.Context, digest leylinecache.Hash) *index.Snapshot {
	data, err := c.store.GetArtifact(ctx, digest)
	if err != nil {
		if !errors.Is(err, backend.ErrNotFound) {
			c.logger.Warn("index artifact lookup failed, rescanning", "error", err)
		}
		return nil
	}
	snap, err := index.DecodeSnapshot(data)
	if err != nil {
		c.logger.Warn("discarding undecodable index artifact", "corpus", digest.ShortString(), "error", err)
		return nil
	}
	c.logger.Debug("reused index artifact", "corpus", digest.ShortString(), "documents", snap.DocumentCount())
	return snap
}

func (c *Cache) saveArtifact(ctx context.Context, snap *index.Snapshot) {
	data, err := index.EncodeSnapshot(snap)
	if err != nil {
		c.logger.Warn("encoding index artifact failed", "error", err)
		return
	}
	if err := c.store.PutArtifact(ctx, snap.CorpusDigest(), data); err != nil {
		c.logger.Warn("persisting index artifact failed, caching disabled for this build", "error", err)
	}
}

func (c *Cache) record(ctx context.Context, op string, hit bool, start time.Time) {
	d := time.Since(start)
	c.perf.Lookup(hit)
	c.perf.Observe(op, d)
	telemetry.RecordLookup(ctx, op, hit, d)
}
