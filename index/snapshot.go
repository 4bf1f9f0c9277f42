package index

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	leylinecache "github.com/leylinehq/leyline-cache"
)

const (
	// titleWeight is how much a title term match outweighs a body match.
	titleWeight = 10

	// bodyTFCap bounds the per-term body contribution so a document matched
	// only in its body can never outrank a title match.
	bodyTFCap = titleWeight - 1

	// recordOverhead is the estimated fixed in-memory cost per record.
	recordOverhead = 160

	// postingOverhead is the estimated in-memory cost per token posting.
	postingOverhead = 48
)

// tokenHit records term frequencies for one document, split by where the
// term appeared.
type tokenHit struct {
	Title int `json:"t,omitempty"`
	Body  int `json:"b,omitempty"`
}

// Snapshot is one immutable build of the document index: the by-id and
// by-category views plus the inverted token index, all produced from a
// single scan so they can never disagree. Readers share snapshots freely.
type Snapshot struct {
	byID       map[string]*leylinecache.DocumentRecord
	byCategory map[leylinecache.Category][]*leylinecache.DocumentRecord
	tokens     map[string]map[string]tokenHit
	corpus     leylinecache.Hash
	builtAt    time.Time
	warnings   []Warning
}

// document pairs a record with its searchable body text during a build.
type document struct {
	record *leylinecache.DocumentRecord
	body   string
}

// newSnapshot builds all three views from one set of scanned documents.
func newSnapshot(docs []document, corpus leylinecache.Hash, builtAt time.Time, warnings []Warning) *Snapshot {
	s := &Snapshot{
		byID:       make(map[string]*leylinecache.DocumentRecord, len(docs)),
		byCategory: make(map[leylinecache.Category][]*leylinecache.DocumentRecord),
		tokens:     make(map[string]map[string]tokenHit),
		corpus:     corpus,
		builtAt:    builtAt,
		warnings:   warnings,
	}

	for _, doc := range docs {
		rec := doc.record
		s.byID[rec.ID] = rec
		s.byCategory[rec.Category] = append(s.byCategory[rec.Category], rec)

		for _, tok := range tokenize(rec.Title) {
			hit := s.hit(tok, rec.ID)
			hit.Title++
			s.tokens[tok][rec.ID] = hit
		}
		for _, tok := range tokenize(rec.Description) {
			hit := s.hit(tok, rec.ID)
			hit.Body++
			s.tokens[tok][rec.ID] = hit
		}
		for _, tok := range tokenize(doc.body) {
			hit := s.hit(tok, rec.ID)
			hit.Body++
			s.tokens[tok][rec.ID] = hit
		}
	}

	// Stable in-category ordering by id, independent of traversal order.
	for _, recs := range s.byCategory {
		sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	}

	return s
}

func (s *Snapshot) hit(token, id string) tokenHit {
	postings, ok := s.tokens[token]
	if !ok {
		postings = make(map[string]tokenHit)
		s.tokens[token] = postings
	}
	return postings[id]
}

// Categories returns the recognized categories that have at least one
// document, in canonical order.
func (s *Snapshot) Categories() []leylinecache.Category {
	var out []leylinecache.Category
	for _, c := range leylinecache.Categories {
		if len(s.byCategory[c]) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// DocumentsForCategory returns the pre-sorted records for a category.
// An empty category yields an empty slice, never an error.
func (s *Snapshot) DocumentsForCategory(c leylinecache.Category) []*leylinecache.DocumentRecord {
	return s.byCategory[c]
}

// Document looks up a record by id.
func (s *Snapshot) Document(id string) (*leylinecache.DocumentRecord, bool) {
	rec, ok := s.byID[id]
	return rec, ok
}

// DocumentCount returns the number of indexed documents.
func (s *Snapshot) DocumentCount() int {
	return len(s.byID)
}

// Warnings returns the per-document problems recorded during the scan.
func (s *Snapshot) Warnings() []Warning {
	return s.warnings
}

// CorpusDigest identifies the corpus state this snapshot was built from.
func (s *Snapshot) CorpusDigest() leylinecache.Hash {
	return s.corpus
}

// BuiltAt returns when the snapshot was built.
func (s *Snapshot) BuiltAt() time.Time {
	return s.builtAt
}

// SearchResult is one search match with its normalized relevance score.
type SearchResult struct {
	Record *leylinecache.DocumentRecord
	Score  float64
}

// Search tokenizes the query and scores matching documents against the
// inverted token index. Scores combine term frequency with title-over-body
// weighting and normalize into (0,1]; ties break by id.
func (s *Snapshot) Search(query string) []SearchResult {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	raw := make(map[string]int)
	for _, term := range terms {
		for id, hit := range s.tokens[term] {
			body := hit.Body
			if body > bodyTFCap {
				body = bodyTFCap
			}
			raw[id] += hit.Title*titleWeight + body
		}
	}
	if len(raw) == 0 {
		return nil
	}

	maxRaw := 0
	for _, score := range raw {
		if score > maxRaw {
			maxRaw = score
		}
	}

	results := make([]SearchResult, 0, len(raw))
	for id, score := range raw {
		results = append(results, SearchResult{
			Record: s.byID[id],
			Score:  float64(score) / float64(maxRaw),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Record.ID < results[j].Record.ID
	})
	return results
}

// MemoryEstimate returns a coarse estimate of the snapshot's in-memory
// footprint in bytes. Diagnostic only.
func (s *Snapshot) MemoryEstimate() int64 {
	var total int64
	for _, rec := range s.byID {
		total += int64(len(rec.ID) + len(rec.Title) + len(rec.Description) + len(rec.Path) + leylinecache.HashSize + recordOverhead)
	}
	for token, postings := range s.tokens {
		total += int64(len(token))
		for id := range postings {
			total += int64(len(id) + postingOverhead)
		}
	}
	return total
}

// snapshotPayload is the serialized form used for the derived-artifact
// fast path. Not a versioned persistence format; content addressing by
// corpus digest is the only compatibility mechanism.
type snapshotPayload struct {
	Records  []*leylinecache.DocumentRecord  `json:"records"`
	Tokens   map[string]map[string]tokenHit  `json:"tokens"`
	Corpus   leylinecache.Hash               `json:"corpus"`
	BuiltAt  time.Time                       `json:"built_at"`
	Warnings []Warning                       `json:"warnings,omitempty"`
}

// EncodeSnapshot serializes a snapshot for storage as a derived artifact.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	payload := snapshotPayload{
		Tokens:   s.tokens,
		Corpus:   s.corpus,
		BuiltAt:  s.builtAt,
		Warnings: s.warnings,
	}
	for _, c := range leylinecache.Categories {
		payload.Records = append(payload.Records, s.byCategory[c]...)
	}
	return json.Marshal(payload)
}

// DecodeSnapshot rebuilds a snapshot from its serialized form.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var payload snapshotPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}

	s := &Snapshot{
		byID:       make(map[string]*leylinecache.DocumentRecord, len(payload.Records)),
		byCategory: make(map[leylinecache.Category][]*leylinecache.DocumentRecord),
		tokens:     payload.Tokens,
		corpus:     payload.Corpus,
		builtAt:    payload.BuiltAt,
		warnings:   payload.Warnings,
	}
	if s.tokens == nil {
		s.tokens = make(map[string]map[string]tokenHit)
	}
	for _, rec := range payload.Records {
		s.byID[rec.ID] = rec
		s.byCategory[rec.Category] = append(s.byCategory[rec.Category], rec)
	}
	for _, recs := range s.byCategory {
		sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	}
	return s, nil
}
