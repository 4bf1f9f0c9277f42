package cache

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	leylinecache "github.com/leylinehq/leyline-cache"
	"github.com/leylinehq/leyline-cache/index"
)

func writeDoc(t *testing.T, root, rel, id, title, body string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	content := "---\nid: " + id + "\ntitle: " + title + "\n---\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func docsRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeDoc(t, root, "go/errors.md", "go-errors", "Error Handling", "Wrap errors with context.")
	writeDoc(t, root, "go/testing.md", "go-testing", "Testing", "Prefer table tests.")
	writeDoc(t, root, "rust/ownership.md", "rust-ownership", "Ownership", "Borrows and moves.")
	return root
}

func openTestCache(t *testing.T, docs string) *Cache {
	t.Helper()
	c, err := Open(Config{
		CacheDir: t.TempDir(),
		DocsRoot: docs,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c
}

func TestOpenRequiresDocsRoot(t *testing.T) {
	_, err := Open(Config{CacheDir: t.TempDir()})
	require.Error(t, err)
}

func TestColdQueryScansSynchronously(t *testing.T) {
	c := openTestCache(t, docsRoot(t))
	ctx := context.Background()

	require.Equal(t, Cold, c.State())

	cats, err := c.Categories(ctx)
	require.NoError(t, err)
	require.Equal(t, []leylinecache.Category{leylinecache.CategoryGo, leylinecache.CategoryRust}, cats)
	require.Equal(t, Warm, c.State())

	// First query built the index, so it counted as a miss.
	require.Equal(t, 0.0, c.Stats().HitRatio)

	_, err = c.Categories(ctx)
	require.NoError(t, err)
	require.Equal(t, 0.5, c.Stats().HitRatio)
}

func TestWarmInBackground(t *testing.T) {
	c := openTestCache(t, docsRoot(t))
	ctx := context.Background()

	require.True(t, c.WarmInBackground())
	require.NoError(t, c.WaitWarm(ctx))
	require.Equal(t, Warm, c.State())

	// Queries against a warmed cache are hits.
	docs, err := c.DocumentsForCategory(ctx, leylinecache.CategoryGo)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, 1.0, c.Stats().HitRatio)
}

func TestWarmInBackgroundSingleFlight(t *testing.T) {
	c := openTestCache(t, docsRoot(t))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
	)
	for n := 0; n < 8; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.WarmInBackground() {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, started)
	require.NoError(t, c.WaitWarm(context.Background()))

	// A warm cache never restarts warming.
	require.False(t, c.WarmInBackground())
}

func TestWarmFailureLeavesCacheCold(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	c := openTestCache(t, missing)

	require.True(t, c.WarmInBackground())
	err := c.WaitWarm(context.Background())
	require.Error(t, err)
	require.Equal(t, Cold, c.State())

	_, err = c.Categories(context.Background())
	require.Error(t, err)
}

func TestDocumentLookup(t *testing.T) {
	c := openTestCache(t, docsRoot(t))
	ctx := context.Background()

	rec, ok, err := c.Document(ctx, "go-errors")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Error Handling", rec.Title)

	_, ok, err = c.Document(ctx, "no-such-id")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEmptyCategoryIsNotAnError(t *testing.T) {
	c := openTestCache(t, docsRoot(t))

	docs, err := c.DocumentsForCategory(context.Background(), leylinecache.CategorySecurity)
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestSearch(t *testing.T) {
	c := openTestCache(t, docsRoot(t))

	results, err := c.Search(context.Background(), "testing")
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "go-testing", results[0].Record.ID)
}

func TestStats(t *testing.T) {
	c := openTestCache(t, docsRoot(t))
	ctx := context.Background()

	st := c.Stats()
	require.Equal(t, Cold, st.State)
	require.Zero(t, st.DocumentCount)
	require.Zero(t, st.HitRatio)

	require.NoError(t, c.WaitWarm(ctx))
	_, err := c.Categories(ctx)
	require.NoError(t, err)
	_, err = c.Search(ctx, "errors")
	require.NoError(t, err)

	st = c.Stats()
	require.Equal(t, Warm, st.State)
	require.Equal(t, 3, st.DocumentCount)
	require.Greater(t, st.MemoryUsage, int64(0))
	require.Greater(t, st.CompressionRatio, 0.0)
	require.Equal(t, int64(1), st.Operations["categories"].Count)
	require.Equal(t, int64(1), st.Operations["search"].Count)
}

func TestInvalidate(t *testing.T) {
	c := openTestCache(t, docsRoot(t))
	ctx := context.Background()

	_, err := c.Categories(ctx)
	require.NoError(t, err)
	require.Equal(t, Warm, c.State())

	c.Invalidate()
	require.Equal(t, Cold, c.State())
	require.Zero(t, c.Stats().HitRatio)
	require.Zero(t, c.Stats().DocumentCount)

	// The next query rebuilds and answers as before.
	cats, err := c.Categories(ctx)
	require.NoError(t, err)
	require.Len(t, cats, 2)
	require.Equal(t, Warm, c.State())
}

func TestScanWarningsSurfaceInStats(t *testing.T) {
	root := docsRoot(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "go", "broken.md"), []byte("no front matter\n"), 0o644))

	c := openTestCache(t, root)
	require.NoError(t, c.WaitWarm(context.Background()))

	st := c.Stats()
	require.Equal(t, 3, st.DocumentCount)
	require.Equal(t, 1, st.Warnings)
}

func TestIndexArtifactReusedAcrossInstances(t *testing.T) {
	docs := docsRoot(t)
	cacheDir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	first, err := Open(Config{CacheDir: cacheDir, DocsRoot: docs, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, first.WaitWarm(context.Background()))

	// Warming persisted a snapshot artifact keyed by the corpus digest.
	digest, err := index.NewBuilder().CorpusDigest(context.Background(), docs)
	require.NoError(t, err)
	data, err := first.Store().GetArtifact(context.Background(), digest)
	require.NoError(t, err)
	require.NotEmpty(t, data)
	require.NoError(t, first.Close())

	// A fresh instance over the same cache dir warms from the artifact and
	// answers identically.
	second, err := Open(Config{CacheDir: cacheDir, DocsRoot: docs, Logger: logger})
	require.NoError(t, err)
	defer second.Close()

	cats, err := second.Categories(context.Background())
	require.NoError(t, err)
	require.Equal(t, []leylinecache.Category{leylinecache.CategoryGo, leylinecache.CategoryRust}, cats)
	require.Equal(t, 3, second.Stats().DocumentCount)
}
