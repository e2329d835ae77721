package vectorstore

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
)

const indexFileName = "index.json"

// Entry is one indexed content record plus its embedding vector. Entries are
// owned exclusively by the index: created at build time, replaced wholesale
// on re-ingestion.
type Entry struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Source    string    `json:"source"`
	Product   string    `json:"product"`
	Body      string    `json:"body"`
	Embedding []float32 `json:"embedding"`
}

// Hit is one retrieval result with its similarity score.
type Hit struct {
	Entry Entry
	Score float64
}

// Index is a flat cosine-similarity index. Incremental Add is supported
// within a single build; cross-build updates are whole replacements.
type Index struct {
	entries []Entry
}

func New() *Index {
	return &Index{}
}

func (ix *Index) Add(entries ...Entry) {
	ix.entries = append(ix.entries, entries...)
}

func (ix *Index) Len() int {
	return len(ix.entries)
}

// Search returns the k entries most similar to the query vector, best first.
// An empty index yields an empty slice.
func (ix *Index) Search(query []float32, k int) []Hit {
	if len(ix.entries) == 0 || len(query) == 0 || k <= 0 {
		return nil
	}

	hits := make([]Hit, 0, len(ix.entries))
	for _, entry := range ix.entries {
		hits = append(hits, Hit{Entry: entry, Score: cosine(query, entry.Embedding)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	if k > len(hits) {
		k = len(hits)
	}
	return hits[:k]
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

type indexFile struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Save persists the index under dir, fully replacing any prior index there.
// The write goes through a temp file so a crash never leaves a torn index.
func (ix *Index) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}

	data, err := json.Marshal(indexFile{Version: 1, Entries: ix.entries})
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}

	tmp := filepath.Join(dir, indexFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, indexFileName)); err != nil {
		return fmt.Errorf("replacing index: %w", err)
	}
	return nil
}

// Load reads a persisted index. A missing path means the knowledge base has
// not been initialized yet; callers decide whether that is acceptable.
func Load(dir string) (*Index, error) {
	data, err := os.ReadFile(filepath.Join(dir, indexFileName))
	if err != nil {
		return nil, fmt.Errorf("reading index from %s: %w", dir, err)
	}

	var file indexFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decoding index from %s: %w", dir, err)
	}
	return &Index{entries: file.Entries}, nil
}

// Exists reports whether a persisted index is present under dir. Presence of
// this path is the sole signal of "knowledge base initialized".
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, indexFileName))
	return err == nil
}
