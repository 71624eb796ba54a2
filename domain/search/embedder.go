package search

import "context"

// Embedder converts text into embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding dimensionality of the model.
	Dimensions() int
}

// TokenCounter counts tokens deterministically, matching the embedding
// provider's tokenizer exactly.
type TokenCounter interface {
	CountTokens(text string) int
}
