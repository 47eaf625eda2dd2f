package retrieval

import (
	"context"
	"fmt"

	ragoconfig "github.com/liliang-cn/rago/v2/pkg/config"
	ragodomain "github.com/liliang-cn/rago/v2/pkg/domain"
	"github.com/liliang-cn/rago/v2/pkg/providers"
	"github.com/liliang-cn/rago/v2/pkg/rag"

	"github.com/medcoach/gateway/internal/domain"
)

// Metadata keys the materials pipeline stamps on ingested chunks.
const (
	metadataKeyOwnerID    = "owner_id"
	metadataKeyMaterialID = "material_id"
	metadataKeyTier       = "tier"
)

// RagoStore backs the Embedder and Index interfaces with a rago vector
// store and an OpenAI-compatible embedding provider.
type RagoStore struct {
	embedder  ragodomain.EmbedderProvider
	ragClient *rag.Client
}

// RagoConfig holds the provider and store settings for the rago backend.
type RagoConfig struct {
	DBPath         string
	IndexType      string
	BaseURL        string
	APIKey         string
	EmbeddingModel string
	LLMModel       string
}

// NewRagoStore builds the rago client and embedding provider.
func NewRagoStore(ctx context.Context, cfg RagoConfig) (*RagoStore, error) {
	ragoCfg := &ragoconfig.Config{
		Sqvect: ragoconfig.SqvectConfig{
			DBPath:    cfg.DBPath,
			IndexType: cfg.IndexType,
		},
	}

	factory := providers.NewFactory()
	providerCfg := &ragodomain.OpenAIProviderConfig{
		BaseURL:        cfg.BaseURL,
		APIKey:         cfg.APIKey,
		EmbeddingModel: cfg.EmbeddingModel,
		LLMModel:       cfg.LLMModel,
	}

	embedder, err := factory.CreateEmbedderProvider(ctx, providerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	llmProvider, err := factory.CreateLLMProvider(ctx, providerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}

	ragClient, err := rag.NewClient(ragoCfg, embedder, llmProvider, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create RAG client: %w", err)
	}

	return &RagoStore{embedder: embedder, ragClient: ragClient}, nil
}

// Embed computes the query embedding via the configured provider.
func (s *RagoStore) Embed(ctx context.Context, text string) ([]float64, error) {
	return s.embedder.Embed(ctx, text)
}

// Search performs a pure vector search without LLM generation and maps
// the sources to passages, keeping only material owned by the identity.
// rago embeds the query text internally as part of Query.
func (s *RagoStore) Search(ctx context.Context, q Query) ([]domain.Passage, error) {
	opts := &rag.QueryOptions{
		TopK:        q.Limit,
		Temperature: 0,
		MaxTokens:   0,
		ShowSources: true,
	}

	resp, err := s.ragClient.Query(ctx, q.Text, opts)
	if err != nil {
		return nil, err
	}

	passages := make([]domain.Passage, 0, len(resp.Sources))
	for _, src := range resp.Sources {
		if src.Metadata == nil {
			continue
		}
		owner, _ := src.Metadata[metadataKeyOwnerID].(string)
		if owner != q.Identity {
			continue
		}
		p := domain.Passage{
			SourceID: src.DocumentID,
			Content:  src.Content,
			Score:    src.Score,
		}
		if v, ok := src.Metadata[metadataKeyMaterialID].(string); ok {
			p.MaterialID = v
		}
		if v, ok := src.Metadata[metadataKeyTier].(int); ok {
			p.Tier = v
		} else if v, ok := src.Metadata[metadataKeyTier].(float64); ok {
			p.Tier = int(v)
		}
		passages = append(passages, p)
	}

	return passages, nil
}

// Close releases the underlying store.
func (s *RagoStore) Close() error {
	return s.ragClient.Close()
}
