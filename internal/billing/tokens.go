package billing

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts model tokens for a text value. Implementations may
// use different encodings; the evaluator only needs a count.
type TokenCounter interface {
	Count(text string) (int, error)
}

// TiktokenCounter counts tokens with the cl100k_base BPE encoding.
type TiktokenCounter struct {
	codec tokenizer.Codec
}

// NewTiktokenCounter constructs a TiktokenCounter.
func NewTiktokenCounter() (*TiktokenCounter, error) {
	codec, errGet := tokenizer.Get(tokenizer.Cl100kBase)
	if errGet != nil {
		return nil, fmt.Errorf("billing: load tokenizer: %w", errGet)
	}
	return &TiktokenCounter{codec: codec}, nil
}

// Count returns the token count of text.
func (c *TiktokenCounter) Count(text string) (int, error) {
	if c == nil || c.codec == nil {
		return 0, fmt.Errorf("billing: tokenizer not initialized")
	}
	ids, _, errEncode := c.codec.Encode(text)
	if errEncode != nil {
		return 0, fmt.Errorf("billing: count tokens: %w", errEncode)
	}
	return len(ids), nil
}
