// Package provider implements the embedding client against an
// OpenAI-compatible endpoint.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lightspeed-dms/cidx/internal/config"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

// errEmbeddingCountMismatch indicates the API returned fewer embedding
// vectors than requested. Retryable: transient upstream issues can produce
// partial responses behind a 200 status.
var errEmbeddingCountMismatch = errors.New("embedding response count mismatch")

// Default embedding dimensionality for the text-embedding-3 family.
const defaultDimensions = 1536

// OpenAIEmbedder embeds text batches through an OpenAI-compatible API,
// splitting inputs so no request exceeds the configured token cap.
type OpenAIEmbedder struct {
	client         *openai.Client
	model          string
	tokenizer      *Tokenizer
	maxBatchTokens int
	maxRetries     int
	initialDelay   time.Duration
	backoffFactor  float64
	dimensions     int
	logger         *slog.Logger
}

// NewOpenAIEmbedder creates an embedder from endpoint configuration.
// API keys come from the config store only; nothing reads them from
// ad-hoc environment variables.
func NewOpenAIEmbedder(cfg config.EndpointEnv, logger *slog.Logger) (*OpenAIEmbedder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: config.Seconds(cfg.Timeout)}
	}

	tokenizer, err := NewTokenizer(cfg.Model)
	if err != nil {
		return nil, err
	}

	maxBatchTokens := cfg.MaxBatchTokens
	if maxBatchTokens <= 0 {
		maxBatchTokens = 120000
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	initialDelay := config.Seconds(cfg.InitialDelay)
	if initialDelay <= 0 {
		initialDelay = 2 * time.Second
	}
	backoff := cfg.BackoffFactor
	if backoff <= 1 {
		backoff = 2.0
	}

	return &OpenAIEmbedder{
		client:         openai.NewClientWithConfig(clientConfig),
		model:          cfg.Model,
		tokenizer:      tokenizer,
		maxBatchTokens: maxBatchTokens,
		maxRetries:     maxRetries,
		initialDelay:   initialDelay,
		backoffFactor:  backoff,
		dimensions:     defaultDimensions,
		logger:         logger,
	}, nil
}

// Dimensions returns the embedding dimensionality.
func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }

// Model returns the embedding model identifier.
func (e *OpenAIEmbedder) Model() string { return e.model }

// CountTokens returns the exact provider token count for text.
func (e *OpenAIEmbedder) CountTokens(text string) int {
	return e.tokenizer.CountTokens(text)
}

// Embed converts texts into vectors, batching so no single request exceeds
// the token cap. Output order matches input order.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for _, batch := range e.batches(texts) {
		batchVectors, err := e.embedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batchVectors...)
	}
	return vectors, nil
}

// batches splits texts into groups whose total token count stays within the
// cap. A single text over the cap is truncated and sent alone.
func (e *OpenAIEmbedder) batches(texts []string) [][]string {
	var batches [][]string
	var current []string
	currentTokens := 0

	for _, text := range texts {
		tokens := e.tokenizer.CountTokens(text)
		if tokens > e.maxBatchTokens {
			text = e.tokenizer.Truncate(text, e.maxBatchTokens)
			tokens = e.maxBatchTokens
		}
		if len(current) > 0 && currentTokens+tokens > e.maxBatchTokens {
			batches = append(batches, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, text)
		currentTokens += tokens
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	delay := e.initialDelay

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			e.logger.Warn("retrying embedding request",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * e.backoffFactor)
		}

		vectors, err := e.requestEmbeddings(ctx, batch)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}

	return nil, errs.Wrap(errs.KindExternal,
		fmt.Sprintf("embedding request failed after retries (model %s)", e.model), lastErr)
}

func (e *OpenAIEmbedder) requestEmbeddings(ctx context.Context, batch []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: batch,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(batch) {
		return nil, fmt.Errorf("%w: want %d, got %d", errEmbeddingCountMismatch, len(batch), len(resp.Data))
	}

	vectors := make([][]float32, len(resp.Data))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding response index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	if len(vectors) > 0 && len(vectors[0]) > 0 {
		e.dimensions = len(vectors[0])
	}
	return vectors, nil
}

// isRetryable reports whether an embedding error is worth retrying:
// network blips, rate limits, and server-side failures.
func isRetryable(err error) bool {
	if errors.Is(err, errEmbeddingCountMismatch) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests ||
			reqErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	return false
}
