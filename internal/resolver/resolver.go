// Package resolver maps free-form queries to spells using a hybrid of
// keyword matching and dense-vector cosine similarity.
//
// Each indexed spell contributes a keyword set (matched against the
// meaningful words of the query) and a stored embedding (matched against the
// query embedding). The two signals combine into a tiered verdict: a match
// is classified as keyword, semantic or hybrid, with a confidence in (0, 1]
// that the gateway thresholds into its activation policy.
//
// Embeddings are cached in the store keyed by a hash of the spell's
// description and keywords, so re-indexing an unchanged spell never
// re-embeds.
package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grimoire-sh/grimoire/internal/embedding"
	"github.com/grimoire-sh/grimoire/internal/embedstore"
	"github.com/grimoire-sh/grimoire/internal/spell"
	"github.com/grimoire-sh/grimoire/internal/vecmath"
)

// ErrEmptyQuery is returned when the query is empty or whitespace-only.
var ErrEmptyQuery = errors.New("resolver: query must be a non-empty string")

// DefaultMinConfidence is the confidence floor applied when the caller does
// not supply one.
const DefaultMinConfidence = 0.3

// MatchType classifies which signal produced a match.
type MatchType string

const (
	MatchKeyword  MatchType = "keyword"
	MatchSemantic MatchType = "semantic"
	MatchHybrid   MatchType = "hybrid"
)

// Match is a single resolution candidate.
type Match struct {
	// Name is the spell's name.
	Name string

	// Confidence is the blended score in (0, 1].
	Confidence float64

	// MatchType records which signal dominated.
	MatchType MatchType

	// Config is the indexed spell config. Nil for matches surfaced purely
	// from stored embeddings of spells not currently indexed.
	Config *spell.Config
}

// indexedSpell is the resolver's in-memory view of one spell.
type indexedSpell struct {
	config   *spell.Config
	keywords []string            // normalized, original order
	exact    map[string]struct{} // set view for exact matching
	order    int                 // insertion order, used as the sort tie-break
}

// Resolver indexes spells and resolves queries against them. All methods are
// safe for concurrent use.
type Resolver struct {
	store    embedstore.Store
	embedder embedding.Provider

	mu        sync.RWMutex
	indexed   map[string]*indexedSpell
	nextOrder int
}

// New creates a resolver over the given store and embedding provider.
func New(store embedstore.Store, embedder embedding.Provider) *Resolver {
	return &Resolver{
		store:    store,
		embedder: embedder,
		indexed:  make(map[string]*indexedSpell),
	}
}

// ConfigHash returns the 64-hex SHA-256 over the matching-relevant parts of
// cfg: description and keywords. Any change to either produces a different
// hash, which invalidates the stored embedding.
func ConfigHash(cfg *spell.Config) string {
	sum := sha256.Sum256([]byte(cfg.Description + "|" + strings.Join(cfg.Keywords, ",")))
	return hex.EncodeToString(sum[:])
}

// embeddingText builds the text that gets embedded for a spell. Keywords are
// repeated once to bias the vector toward keyword emphasis.
func embeddingText(cfg *spell.Config) string {
	kw := strings.Join(cfg.Keywords, " ")
	return cfg.Description + " " + kw + " " + kw
}

// Index adds or refreshes cfg in the resolver. The stored embedding is only
// recomputed when the description or keywords changed since the last index;
// the in-memory keyword set is refreshed unconditionally.
//
// A failed store save is logged and does not fail the index: the embedding
// stays usable in memory for this process lifetime.
func (r *Resolver) Index(ctx context.Context, cfg *spell.Config) error {
	hash := ConfigHash(cfg)

	if r.store.NeedsUpdate(cfg.Name, hash) {
		start := time.Now()
		vec, err := r.embedder.Embed(ctx, embeddingText(cfg))
		if err != nil {
			return fmt.Errorf("resolver: embed spell %q: %w", cfg.Name, err)
		}
		r.store.Set(cfg.Name, vec, hash)
		if err := r.store.Save(ctx); err != nil {
			slog.Warn("resolver: persist embedding failed", "spell", cfg.Name, "err", err)
		}
		slog.Debug("resolver: embedded spell", "spell", cfg.Name, "took", time.Since(start))
	}

	keywords := normalizeKeywords(cfg.Keywords)
	exact := make(map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		exact[kw] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.indexed[cfg.Name]; ok {
		// Re-index keeps the original insertion position.
		existing.config = cfg
		existing.keywords = keywords
		existing.exact = exact
		return nil
	}
	r.indexed[cfg.Name] = &indexedSpell{
		config:   cfg,
		keywords: keywords,
		exact:    exact,
		order:    r.nextOrder,
	}
	r.nextOrder++
	return nil
}

// Remove deletes name from the in-memory index and the store. Unknown names
// are a no-op. Store save failures are logged, not returned.
func (r *Resolver) Remove(ctx context.Context, name string) {
	r.mu.Lock()
	delete(r.indexed, name)
	r.mu.Unlock()

	if r.store.Delete(name) {
		if err := r.store.Save(ctx); err != nil {
			slog.Warn("resolver: persist removal failed", "spell", name, "err", err)
		}
	}
}

// IndexedNames returns the sorted names of all indexed spells.
func (r *Resolver) IndexedNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.indexed))
	for name := range r.indexed {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Resolve returns the single best match for query above
// [DefaultMinConfidence], or nil if nothing qualifies.
func (r *Resolver) Resolve(ctx context.Context, query string) (*Match, error) {
	matches, err := r.ResolveTopN(ctx, query, 1, DefaultMinConfidence)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}

// ResolveTopN scores query against every candidate spell and returns up to n
// matches with confidence ≥ minConfidence, sorted by confidence descending
// with insertion order as the tie-break.
//
// A failing embedding backend zeroes the semantic leg (with a warning) but
// never fails the query; only an empty query is an error.
func (r *Resolver) ResolveTopN(ctx context.Context, query string, n int, minConfidence float64) ([]Match, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if n < 1 {
		n = 1
	}

	meaningful := meaningfulWords(query)

	// Snapshot the index so scoring never holds the lock across the
	// embedding call.
	r.mu.RLock()
	candidates := make(map[string]*indexedSpell, len(r.indexed))
	for name, is := range r.indexed {
		candidates[name] = is
	}
	r.mu.RUnlock()

	// Semantic leg: one query embedding, cosine against every stored vector.
	semantic := make(map[string]float64)
	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("resolver: query embedding failed, semantic scores disabled", "err", err)
	} else {
		for name, rec := range r.store.All() {
			sim, err := vecmath.Cosine(queryVec, rec.Vector)
			if err != nil {
				continue // stale dimension or degenerate vector
			}
			semantic[name] = sim
		}
	}

	// Candidate set is the union of indexed names and store names.
	names := make(map[string]struct{}, len(candidates)+len(semantic))
	for name := range candidates {
		names[name] = struct{}{}
	}
	for name := range semantic {
		names[name] = struct{}{}
	}

	var matches []Match
	orderOf := make(map[string]int, len(names))

	for name := range names {
		is := candidates[name]

		var k float64
		var matchCount int
		var cfg *spell.Config
		order := int(^uint(0) >> 1) // store-only candidates sort last on ties
		if is != nil {
			k, matchCount = keywordScore(meaningful, is)
			cfg = is.config
			order = is.order
		}
		s := semantic[name]

		confidence, matchType, ok := classify(k, matchCount, s)
		if !ok || confidence < minConfidence {
			continue
		}
		orderOf[name] = order
		matches = append(matches, Match{
			Name:       name,
			Confidence: confidence,
			MatchType:  matchType,
			Config:     cfg,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		return orderOf[matches[i].Name] < orderOf[matches[j].Name]
	})

	if len(matches) > n {
		matches = matches[:n]
	}
	return matches, nil
}

// classify applies the tiered combination table. k is the keyword score, m
// the keyword match count, s the semantic score.
func classify(k float64, m int, s float64) (confidence float64, matchType MatchType, ok bool) {
	switch {
	case m >= 2 && k > 0.5:
		return k, MatchKeyword, true
	case m == 1 && k > 0.5 && s > 0.35:
		return min(1.0, max(k, 0.7)+0.2*s), MatchHybrid, true
	case k > 0.5:
		return k, MatchKeyword, true
	case s > 0.3:
		return s, MatchSemantic, true
	}
	return 0, "", false
}
