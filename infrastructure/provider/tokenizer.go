package provider

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts tokens with the provider's own encoding so that local
// counts match the provider's counts exactly.
type Tokenizer struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenizer creates a tokenizer for the given embedding model. Unknown
// models fall back to cl100k_base, the encoding shared by the
// text-embedding-3 family.
func NewTokenizer(model string) (*Tokenizer, error) {
	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load tokenizer encoding: %w", err)
		}
	}
	return &Tokenizer{encoding: encoding}, nil
}

// CountTokens returns the exact token count for text.
func (t *Tokenizer) CountTokens(text string) int {
	return len(t.encoding.Encode(text, nil, nil))
}

// Truncate caps text at maxTokens tokens, cutting on a token boundary.
func (t *Tokenizer) Truncate(text string, maxTokens int) string {
	tokens := t.encoding.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return t.encoding.Decode(tokens[:maxTokens])
}
