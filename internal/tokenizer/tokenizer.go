package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts embedding-model tokens for a text span. It wraps the
// cl100k_base encoding, which matches the accounting of the OpenAI-compatible
// embedding endpoints this pipeline targets.
type Counter struct {
	encoding *tiktoken.Tiktoken
}

// New creates a Counter backed by the cl100k_base encoding.
func New() (*Counter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding: %w", err)
	}
	return &Counter{encoding: enc}, nil
}

// Count returns the token count of text. It is monotonic: a longer text never
// counts fewer tokens than its prefix.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// Encode exposes the raw token ids, used for hard token-level splits.
func (c *Counter) Encode(text string) []int {
	return c.encoding.Encode(text, nil, nil)
}

// Decode converts token ids back to text.
func (c *Counter) Decode(tokens []int) string {
	return c.encoding.Decode(tokens)
}
