// Package retrieval fetches study-material passages relevant to a chat
// query, scoped to the identity that owns the material. Retrieval is
// best-effort: every failure degrades to an empty result so a chat turn
// can proceed without grounding rather than abort.
package retrieval

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/medcoach/gateway/internal/domain"
)

// Embedder computes a query embedding. May call a remote service; the
// retriever bounds it with a short deadline.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Query is one nearest-neighbor lookup, scoped to an identity.
type Query struct {
	Identity string
	Text     string
	Vector   []float64
	Limit    int
}

// Index is the vector-index collaborator. Implementations must be safe
// for concurrent reads.
type Index interface {
	Search(ctx context.Context, q Query) ([]domain.Passage, error)
}

// Config holds retrieval tuning. RecencyBoost is the fractional score
// bonus for passages from materials referenced earlier in the session.
type Config struct {
	TopK          int
	EmbedTimeout  time.Duration
	SearchTimeout time.Duration
	RecencyBoost  float64
}

// Retriever runs the embed → search → re-rank → truncate pipeline. It
// holds no mutable state and is safe for concurrent use.
type Retriever struct {
	embedder Embedder
	index    Index
	cfg      Config
	logger   *zap.Logger
}

// New creates a retriever over the given embedder and index.
func New(embedder Embedder, index Index, cfg Config, logger *zap.Logger) *Retriever {
	return &Retriever{embedder: embedder, index: index, cfg: cfg, logger: logger}
}

// NewDisabled returns a retriever that always yields no passages. Used
// when the vector store is unavailable so chat turns still run,
// ungrounded.
func NewDisabled(cfg Config, logger *zap.Logger) *Retriever {
	return New(noopEmbedder{}, noopIndex{}, cfg, logger)
}

type noopEmbedder struct{}

func (noopEmbedder) Embed(context.Context, string) ([]float64, error) { return nil, nil }

type noopIndex struct{}

func (noopIndex) Search(context.Context, Query) ([]domain.Passage, error) { return nil, nil }

// Retrieve returns up to cfg.TopK passages for the query, most relevant
// first. recentMaterials are material ids referenced in the session's
// recent history; their passages receive the recency bonus. Never returns
// an error: any failure yields an empty slice and a logged warning.
func (r *Retriever) Retrieve(ctx context.Context, identity, query string, recentMaterials []string) []domain.Passage {
	embedCtx, cancel := context.WithTimeout(ctx, r.cfg.EmbedTimeout)
	defer cancel()

	vector, err := r.embedder.Embed(embedCtx, query)
	if err != nil {
		r.logger.Warn("query embedding failed, proceeding without context",
			zap.String("identity", identity),
			zap.Error(err),
		)
		return nil
	}

	searchCtx, cancel := context.WithTimeout(ctx, r.cfg.SearchTimeout)
	defer cancel()

	// Over-fetch so dedup and re-ranking still leave topK candidates.
	candidates, err := r.index.Search(searchCtx, Query{
		Identity: identity,
		Text:     query,
		Vector:   vector,
		Limit:    r.cfg.TopK * 3,
	})
	if err != nil {
		r.logger.Warn("vector search failed, proceeding without context",
			zap.String("identity", identity),
			zap.Error(err),
		)
		return nil
	}

	return r.rank(candidates, recentMaterials)
}

// rank applies the recency bonus, sorts by adjusted score with the
// ranking tier as tie-break, and truncates to TopK deduplicating by
// source id.
func (r *Retriever) rank(candidates []domain.Passage, recentMaterials []string) []domain.Passage {
	recent := make(map[string]bool, len(recentMaterials))
	for _, id := range recentMaterials {
		recent[id] = true
	}

	type scored struct {
		p        domain.Passage
		adjusted float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, p := range candidates {
		adj := p.Score
		if recent[p.MaterialID] {
			adj = p.Score * (1 + r.cfg.RecencyBoost)
		}
		ranked = append(ranked, scored{p: p, adjusted: adj})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].adjusted != ranked[j].adjusted {
			return ranked[i].adjusted > ranked[j].adjusted
		}
		return ranked[i].p.Tier > ranked[j].p.Tier
	})

	seen := make(map[string]bool, r.cfg.TopK)
	out := make([]domain.Passage, 0, r.cfg.TopK)
	for _, s := range ranked {
		if seen[s.p.SourceID] {
			continue
		}
		seen[s.p.SourceID] = true
		out = append(out, s.p)
		if len(out) == r.cfg.TopK {
			break
		}
	}
	return out
}
