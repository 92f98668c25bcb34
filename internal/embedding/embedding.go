// Package embedding provides the pluggable vectorizer used for dense recall.
package embedding

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/icm-sh/icm/internal/config"
	"github.com/icm-sh/icm/internal/icmerr"
)

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

const (
	embedTimeout = 30 * time.Second
	batchTimeout = 60 * time.Second

	// Batch requests are chunked so a large backfill never ships one
	// giant payload.
	batchChunk = 32
)

// New builds the configured embedder, or nil when embeddings are disabled.
func New(cfg config.EmbedderConfig) (Embedder, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, icmerr.E(icmerr.InvalidInput, "embedder.api_key is required for type openai (or set OPENAI_API_KEY)")
		}
		cc := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			cc.BaseURL = cfg.BaseURL
		}
		return &openAIEmbedder{
			client: openai.NewClientWithConfig(cc),
			model:  cfg.Model,
			dims:   cfg.Dimensions,
		}, nil
	default:
		return nil, icmerr.E(icmerr.InvalidInput, "unsupported embedder type: %q", cfg.Type)
	}
}

// openAIEmbedder talks to any OpenAI-compatible embeddings endpoint.
type openAIEmbedder struct {
	client *openai.Client
	model  string
	dims   int
}

func (e *openAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	vecs, err := e.request(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *openAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchChunk {
		end := min(start+batchChunk, len(texts))

		chunkCtx, cancel := context.WithTimeout(ctx, batchTimeout)
		vecs, err := e.request(chunkCtx, texts[start:end])
		cancel()
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *openAIEmbedder) request(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dims,
	})
	if err != nil {
		return nil, icmerr.Wrap(icmerr.Unavailable, err, "embedding request failed")
	}
	if len(resp.Data) != len(texts) {
		return nil, icmerr.E(icmerr.Unavailable, "embedding response returned %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	vecs := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

func (e *openAIEmbedder) Dimensions() int { return e.dims }

// Cosine computes cosine similarity between two vectors, 0 on mismatch.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// EncodeVector packs a vector as little-endian float32 for the blob column.
func EncodeVector(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector unpacks a blob written by EncodeVector.
func DecodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
