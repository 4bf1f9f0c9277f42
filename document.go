// Package leylinecache provides the core types for the leyline document
// cache: content digests and document metadata records.
package leylinecache

import (
	"fmt"
	"strings"
	"time"
)

// Category identifies which part of the corpus a document belongs to.
// The set is closed; documents outside it are excluded at scan time.
type Category string

const (
	CategoryGo            Category = "go"
	CategoryRust          Category = "rust"
	CategoryTypeScript    Category = "typescript"
	CategoryPython        Category = "python"
	CategoryCore          Category = "core"
	CategorySecurity      Category = "security"
	CategoryObservability Category = "observability"
)

// Categories lists all recognized categories in their canonical display order.
var Categories = []Category{
	CategoryCore,
	CategoryGo,
	CategoryObservability,
	CategoryPython,
	CategoryRust,
	CategorySecurity,
	CategoryTypeScript,
}

// ParseCategory parses a category name, case-insensitively.
// Returns an error for names outside the recognized set; callers must
// never invent categories on the fly.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(s))
	for _, known := range Categories {
		if c == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// String returns the category name.
func (c Category) String() string {
	return string(c)
}

// DocumentRecord is one indexed document. The ContentDigest is a weak
// reference into the content store; it does not keep the blob alive.
type DocumentRecord struct {
	ID            string    `json:"id"`
	Category      Category  `json:"category"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Path          string    `json:"path"`
	ContentDigest Hash      `json:"content_digest"`
	LastModified  time.Time `json:"last_modified"`
}
