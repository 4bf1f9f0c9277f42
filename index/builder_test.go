package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	leylinecache "github.com/leylinehq/leyline-cache"
)

func writeDoc(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func doc(id, title, description, body string) string {
	return "---\n" +
		"id: " + id + "\n" +
		"title: " + title + "\n" +
		"description: " + description + "\n" +
		"---\n" +
		body + "\n"
}

func scanTree(t *testing.T, root string) *Snapshot {
	t.Helper()
	snap, err := NewBuilder().Scan(context.Background(), root)
	require.NoError(t, err)
	return snap
}

func TestScanCategoriesAndWarnings(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "go/error-wrapping.md", doc("go-error-wrapping", "Error Wrapping", "Wrap errors with context", "Use fmt.Errorf with %w."))
	writeDoc(t, root, "go/table-tests.md", doc("go-table-tests", "Table Tests", "Prefer table tests", "Keep cases together."))
	writeDoc(t, root, "go/contexts.md", doc("go-contexts", "Contexts", "Pass context first", "Cancellation flows downward."))
	writeDoc(t, root, "rust/ownership.md", doc("rust-ownership", "Ownership", "Borrow checker basics", "Moves and borrows."))
	writeDoc(t, root, "rust/lifetimes.md", doc("rust-lifetimes", "Lifetimes", "Annotate lifetimes", "Elision rules."))
	writeDoc(t, root, "rust/broken.md", "no front matter here at all\n")

	snap := scanTree(t, root)

	require.Equal(t, []leylinecache.Category{leylinecache.CategoryGo, leylinecache.CategoryRust}, snap.Categories())
	require.Len(t, snap.DocumentsForCategory(leylinecache.CategoryGo), 3)
	require.Len(t, snap.DocumentsForCategory(leylinecache.CategoryRust), 2)
	require.Equal(t, 5, snap.DocumentCount())

	warnings := snap.Warnings()
	require.Len(t, warnings, 1)
	require.Equal(t, WarnParseFailure, warnings[0].Kind)
	require.Equal(t, "rust/broken.md", warnings[0].Path)
}

func TestScanUnknownCategoryExcluded(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "go/good.md", doc("go-good", "Good", "", "Body."))
	writeDoc(t, root, "fortran/legacy.md", doc("fortran-legacy", "Legacy", "", "Body."))

	snap := scanTree(t, root)

	require.Equal(t, []leylinecache.Category{leylinecache.CategoryGo}, snap.Categories())
	require.Equal(t, 1, snap.DocumentCount())

	warnings := snap.Warnings()
	require.Len(t, warnings, 1)
	require.Equal(t, WarnUnknownCategory, warnings[0].Kind)
}

func TestScanTopLevelFileExcluded(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "README.md", doc("readme", "Readme", "", "Not in a category."))

	snap := scanTree(t, root)

	require.Zero(t, snap.DocumentCount())
	require.Len(t, snap.Warnings(), 1)
	require.Equal(t, WarnUnknownCategory, snap.Warnings()[0].Kind)
}

func TestScanDuplicateIDKeepsFirst(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "go/a-first.md", doc("shared-id", "First", "", "Body."))
	writeDoc(t, root, "go/b-second.md", doc("shared-id", "Second", "", "Body."))

	snap := scanTree(t, root)

	require.Equal(t, 1, snap.DocumentCount())
	rec, ok := snap.Document("shared-id")
	require.True(t, ok)
	require.Equal(t, "First", rec.Title)

	warnings := snap.Warnings()
	require.Len(t, warnings, 1)
	require.Equal(t, WarnDuplicateID, warnings[0].Kind)
}

func TestScanDeterministic(t *testing.T) {
	root := t.TempDir()
	// Written in non-alphabetical order; listings must not depend on it.
	writeDoc(t, root, "go/zebra.md", doc("go-zebra", "Zebra", "", "Body."))
	writeDoc(t, root, "go/alpha.md", doc("go-alpha", "Alpha", "", "Body."))
	writeDoc(t, root, "rust/mid.md", doc("rust-mid", "Mid", "", "Body."))

	first := scanTree(t, root)
	second := scanTree(t, root)

	require.Equal(t, first.Categories(), second.Categories())
	for _, c := range first.Categories() {
		var firstIDs, secondIDs []string
		for _, rec := range first.DocumentsForCategory(c) {
			firstIDs = append(firstIDs, rec.ID)
		}
		for _, rec := range second.DocumentsForCategory(c) {
			secondIDs = append(secondIDs, rec.ID)
		}
		require.Equal(t, firstIDs, secondIDs)
	}

	// In-category order is by id, not traversal order.
	var goIDs []string
	for _, rec := range first.DocumentsForCategory(leylinecache.CategoryGo) {
		goIDs = append(goIDs, rec.ID)
	}
	require.Equal(t, []string{"go-alpha", "go-zebra"}, goIDs)
}

func TestScanRecordFields(t *testing.T) {
	root := t.TempDir()
	content := doc("go-doc", "A Title", "A description", "The body.")
	writeDoc(t, root, "go/doc.md", content)

	snap := scanTree(t, root)

	rec, ok := snap.Document("go-doc")
	require.True(t, ok)
	require.Equal(t, leylinecache.CategoryGo, rec.Category)
	require.Equal(t, "A Title", rec.Title)
	require.Equal(t, "A description", rec.Description)
	require.Equal(t, "go/doc.md", rec.Path)
	require.Equal(t, leylinecache.HashBytes([]byte(content)), rec.ContentDigest)
	require.False(t, rec.LastModified.IsZero())
}

func TestCorpusDigestTracksChanges(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "go/doc.md", doc("go-doc", "Title", "", "Body."))

	b := NewBuilder()
	ctx := context.Background()

	d1, err := b.CorpusDigest(ctx, root)
	require.NoError(t, err)
	d2, err := b.CorpusDigest(ctx, root)
	require.NoError(t, err)
	require.Equal(t, d1, d2)

	writeDoc(t, root, "go/another.md", doc("go-another", "Another", "", "Body."))
	d3, err := b.CorpusDigest(ctx, root)
	require.NoError(t, err)
	require.NotEqual(t, d1, d3)
}

func TestScanPatternFilter(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "go/doc.md", doc("go-doc", "Title", "", "Body."))
	writeDoc(t, root, "go/notes.txt", "not a document\n")

	snap := scanTree(t, root)

	require.Equal(t, 1, snap.DocumentCount())
	require.Empty(t, snap.Warnings())
}
