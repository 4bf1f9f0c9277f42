package cache

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/leylinehq/leyline-cache/index"
	"github.com/leylinehq/leyline-cache/store"
)

// Config holds cache configuration.
type Config struct {
	// CacheDir is the on-disk cache root. Default is ~/.leyline/cache.
	CacheDir string

	// MaxCacheSize is the total size bound for stored blobs in bytes.
	// Default is 50 MiB.
	MaxCacheSize int64

	// DocsRoot is the document corpus root. Required.
	DocsRoot string

	// Patterns are the glob patterns for recognized document files.
	Patterns []string

	// Logger for cache events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		CacheDir:     DefaultCacheDir(),
		MaxCacheSize: store.DefaultMaxSize,
		Patterns:     index.DefaultPatterns,
		Logger:       slog.Default(),
	}
}

// DefaultCacheDir returns ~/.leyline/cache, falling back to a relative
// directory when the home directory cannot be determined.
func DefaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".leyline-cache"
	}
	return filepath.Join(home, ".leyline", "cache")
}
