// Package index builds the in-memory document index: it scans a document
// tree, parses front matter, and produces immutable snapshots with by-id,
// by-category and inverted-token views.
package index

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	leylinecache "github.com/leylinehq/leyline-cache"
)

// DefaultPatterns matches the recognized document files under a corpus root.
var DefaultPatterns = []string{"**/*.md"}

// WarningKind classifies per-document scan problems.
type WarningKind string

const (
	WarnParseFailure    WarningKind = "parse_failure"
	WarnUnknownCategory WarningKind = "unknown_category"
	WarnDuplicateID     WarningKind = "duplicate_id"
)

// Warning records one document that was skipped during a scan.
// Warnings never abort a scan.
type Warning struct {
	Path   string      `json:"path"`
	Kind   WarningKind `json:"kind"`
	Detail string      `json:"detail"`
}

// Builder scans a document tree into index snapshots.
type Builder struct {
	patterns []string
	logger   *slog.Logger
	now      func() time.Time
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithPatterns sets the glob patterns for recognized document files.
func WithPatterns(patterns []string) BuilderOption {
	return func(b *Builder) {
		if len(patterns) > 0 {
			b.patterns = patterns
		}
	}
}

// WithBuilderLogger sets the logger.
func WithBuilderLogger(logger *slog.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = logger
	}
}

// WithBuilderNow sets the time function for testing.
func WithBuilderNow(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		b.now = now
	}
}

// NewBuilder creates a Builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		patterns: DefaultPatterns,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Scan traverses the document tree and builds a complete snapshot.
// Per-document parse and category failures are recorded as warnings on the
// snapshot; only traversal-level failures return an error.
func (b *Builder) Scan(ctx context.Context, root string) (*Snapshot, error) {
	var (
		docs     []document
		warnings []Warning
		seen     = make(map[string]string) // id -> path
	)

	err := b.walkDocuments(ctx, root, func(path, rel string, info fs.FileInfo) {
		doc, warn := b.loadDocument(root, path, rel, info)
		if warn != nil {
			warnings = append(warnings, *warn)
			b.logger.Warn("skipping document",
				"path", rel,
				"kind", string(warn.Kind),
				"detail", warn.Detail,
			)
			return
		}
		if prev, dup := seen[doc.record.ID]; dup {
			warnings = append(warnings, Warning{
				Path:   rel,
				Kind:   WarnDuplicateID,
				Detail: fmt.Sprintf("id %q already used by %s", doc.record.ID, prev),
			})
			b.logger.Warn("skipping document with duplicate id", "path", rel, "id", doc.record.ID)
			return
		}
		seen[doc.record.ID] = rel
		docs = append(docs, *doc)
	})
	if err != nil {
		return nil, err
	}

	corpus, err := b.CorpusDigest(ctx, root)
	if err != nil {
		return nil, err
	}

	snap := newSnapshot(docs, corpus, b.now(), warnings)
	b.logger.Debug("scan complete",
		"root", root,
		"documents", snap.DocumentCount(),
		"warnings", len(warnings),
	)
	return snap, nil
}

// loadDocument reads and validates one file, returning either a document
// or the warning explaining why it was excluded.
func (b *Builder) loadDocument(root, path, rel string, info fs.FileInfo) (*document, *Warning) {
	category, err := categoryFromPath(rel)
	if err != nil {
		return nil, &Warning{Path: rel, Kind: WarnUnknownCategory, Detail: err.Error()}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Warning{Path: rel, Kind: WarnParseFailure, Detail: err.Error()}
	}

	meta, body, err := splitFrontMatter(data)
	if err != nil {
		return nil, &Warning{Path: rel, Kind: WarnParseFailure, Detail: err.Error()}
	}
	fm, err := parseFrontMatter(meta)
	if err != nil {
		return nil, &Warning{Path: rel, Kind: WarnParseFailure, Detail: err.Error()}
	}

	lastModified := fm.LastModified
	if lastModified.IsZero() {
		lastModified = info.ModTime().UTC()
	}

	return &document{
		record: &leylinecache.DocumentRecord{
			ID:            fm.ID,
			Category:      category,
			Title:         fm.Title,
			Description:   fm.Description,
			Path:          rel,
			ContentDigest: leylinecache.HashBytes(data),
			LastModified:  lastModified,
		},
		body: extractText(body),
	}, nil
}

// CorpusDigest hashes the identity of the current corpus state: the ordered
// list of recognized files with their sizes and modification times. Two
// trees with the same digest index identically, which keys the derived
// snapshot artifact in the content store.
func (b *Builder) CorpusDigest(ctx context.Context, root string) (leylinecache.Hash, error) {
	h := leylinecache.NewHasher()
	err := b.walkDocuments(ctx, root, func(_, rel string, info fs.FileInfo) {
		fmt.Fprintf(h, "%s\x00%d\x00%d\n", rel, info.Size(), info.ModTime().UnixNano())
	})
	if err != nil {
		return leylinecache.Hash{}, err
	}
	return h.Sum(), nil
}

// walkDocuments visits every file under root matching the builder's
// patterns, in lexical (deterministic) order.
func (b *Builder) walkDocuments(ctx context.Context, root string, visit func(path, rel string, info fs.FileInfo)) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walking %s: %w", path, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !b.matches(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		visit(path, rel, info)
		return nil
	})
}

func (b *Builder) matches(rel string) bool {
	for _, pattern := range b.patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// categoryFromPath derives the category from the path segment directly
// under the corpus root and validates it against the closed category set.
func categoryFromPath(rel string) (leylinecache.Category, error) {
	seg, _, found := strings.Cut(rel, "/")
	if !found {
		return "", fmt.Errorf("document %q is not inside a category directory", rel)
	}
	return leylinecache.ParseCategory(seg)
}
