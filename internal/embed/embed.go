// Package embed turns chunk text into vectors via an OpenAI-compatible
// embeddings endpoint.
package embed

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/radlabs/rad-crawler/internal/metrics"
)

const (
	// DefaultModel matches a 1536-dimension vector column.
	DefaultModel = "text-embedding-3-small"

	// maxBatchSize caps how many inputs go into one provider call.
	maxBatchSize = 100
)

// Config selects the provider endpoint and model.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAI implements ingest.Embedder against any OpenAI-compatible API.
type OpenAI struct {
	client *openai.Client
	model  openai.EmbeddingModel
	logger *zap.Logger
}

// New builds an embedder. BaseURL is optional and points the client at a
// compatible self-hosted endpoint.
func New(cfg Config, logger *zap.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("embedding API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		model:  openai.EmbeddingModel(cfg.Model),
		logger: logger,
	}, nil
}

// Embed returns the vector for a single text.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts and returns vectors in input order. Batches larger
// than the provider limit are split into sequential calls.
func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if t == "" {
			return nil, fmt.Errorf("cannot embed empty text at index %d", i)
		}
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := o.embedOnce(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (o *OpenAI) embedOnce(ctx context.Context, batch []string) ([][]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: o.model,
		Input: batch,
	})
	if err != nil {
		metrics.ObserveEmbedding("error")
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(batch) {
		metrics.ObserveEmbedding("error")
		return nil, fmt.Errorf("provider returned %d embeddings for %d inputs", len(resp.Data), len(batch))
	}
	metrics.ObserveEmbedding("ok")

	// The response carries an index per item; order by it rather than
	// trusting slice order.
	vecs := make([][]float32, len(batch))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(batch) {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		vecs[item.Index] = item.Embedding
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, fmt.Errorf("provider returned empty embedding at index %d", i)
		}
	}
	return vecs, nil
}
