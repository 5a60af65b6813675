// Package memory – search.go ranks a workspace's long-term memories against
// an inbound message. With an embedding provider it blends cosine
// similarity and keyword overlap; without one it uses keyword overlap only.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/domain"
)

const (
	vectorWeight  = 0.7
	keywordWeight = 0.3

	// queryCacheSize bounds the in-process query embedding cache.
	queryCacheSize = 256
)

// Entry is one stored memory.
type Entry struct {
	ID          string
	WorkspaceID string
	Content     string
	Embedding   []float32
	CreatedAt   time.Time
}

// Source loads and stores memory entries.
type Source interface {
	MemoryEntries(ctx context.Context, workspaceID string) ([]Entry, error)
	SaveMemoryEntry(ctx context.Context, e Entry) error
}

// Searcher implements domain.MemorySearcher over a Source.
type Searcher struct {
	src      Source
	docs     EmbeddingProvider
	queries  EmbeddingProvider
	minScore float64
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string][]float32
}

// NewSearcher creates a searcher. A nil embedder means keyword search.
func NewSearcher(src Source, embedder EmbeddingProvider, logger *slog.Logger) *Searcher {
	if embedder == nil {
		embedder = NullEmbedder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	queries := embedder
	if g, ok := embedder.(*GenAIEmbedder); ok {
		queries = g.ForQueries()
	}
	return &Searcher{
		src:     src,
		docs:    embedder,
		queries: queries,
		logger:  logger.With("component", "memory", "embedder", embedder.Name()),
		cache:   make(map[string][]float32),
	}
}

// SetMinScore drops results scoring below s.
func (s *Searcher) SetMinScore(v float64) { s.minScore = v }

// Remember stores content for workspaceID. Embedding failures are logged
// and the entry is stored without a vector.
func (s *Searcher) Remember(ctx context.Context, workspaceID, content string) (*Entry, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("memory content is empty")
	}
	e := Entry{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Content:     content,
		CreatedAt:   time.Now().UTC(),
	}
	vecs, err := s.docs.Embed(ctx, []string{content})
	switch {
	case err != nil:
		s.logger.Warn("embedding failed, storing memory without vector", "error", err)
	case len(vecs) == 1:
		e.Embedding = vecs[0]
	}
	if err := s.src.SaveMemoryEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("save memory: %w", err)
	}
	return &e, nil
}

// SearchMemory returns up to limit memories relevant to query, best first.
func (s *Searcher) SearchMemory(ctx context.Context, workspaceID, query string, limit int) ([]domain.MemorySnippet, error) {
	entries, err := s.src.MemoryEntries(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}
	if len(entries) == 0 || limit == 0 {
		return nil, nil
	}

	qvec := s.queryVector(ctx, query)
	keywords := extractKeywords(query)

	type scored struct {
		entry Entry
		score float64
	}
	results := make([]scored, 0, len(entries))
	for _, e := range entries {
		kw := keywordScore(keywords, e.Content)
		score := kw
		if qvec != nil && len(e.Embedding) == len(qvec) {
			score = vectorWeight*cosineSimilarity(qvec, e.Embedding) + keywordWeight*kw
		}
		if score <= 0 || score < s.minScore {
			continue
		}
		results = append(results, scored{entry: e, score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].entry.CreatedAt.After(results[j].entry.CreatedAt)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	out := make([]domain.MemorySnippet, len(results))
	for i, r := range results {
		out[i] = domain.MemorySnippet{Content: r.entry.Content, Score: r.score}
	}
	return out, nil
}

// queryVector embeds query, using the cache when possible. It returns nil
// when no vector is available.
func (s *Searcher) queryVector(ctx context.Context, query string) []float32 {
	key := hashText(query)
	s.mu.Lock()
	v, ok := s.cache[key]
	s.mu.Unlock()
	if ok {
		return v
	}

	vecs, err := s.queries.Embed(ctx, []string{query})
	if err != nil {
		s.logger.Warn("query embedding failed, using keyword search", "error", err)
		return nil
	}
	if len(vecs) != 1 {
		return nil
	}

	s.mu.Lock()
	if len(s.cache) >= queryCacheSize {
		clear(s.cache)
	}
	s.cache[key] = vecs[0]
	s.mu.Unlock()
	return vecs[0]
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true, "not": true,
	"you": true, "your": true, "can": true, "was": true, "has": true, "have": true,
	"this": true, "that": true, "with": true, "from": true, "they": true, "will": true,
	"what": true, "when": true, "who": true, "how": true, "our": true, "out": true,
	"get": true, "there": true, "their": true, "about": true, "would": true, "could": true,
}

func extractKeywords(query string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if len(w) < 3 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// keywordScore is the fraction of keywords that appear in content.
func keywordScore(keywords []string, content string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	hits := 0
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(na) * math.Sqrt(nb)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

func hashText(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

var _ domain.MemorySearcher = (*Searcher)(nil)
