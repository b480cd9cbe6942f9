package memory

import (
	"strings"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

// EncodingEstimate disables tiktoken and counts with EstimateTokens.
const EncodingEstimate = "estimate"

// TokenCounter counts tokens with a tiktoken encoding, loaded on first use.
// When the encoding cannot be loaded it falls back to EstimateTokens.
type TokenCounter struct {
	encoding string
	once     sync.Once
	mu       sync.Mutex
	encoder  *tiktoken.Tiktoken
}

func NewTokenCounter(encoding string) *TokenCounter {
	encoding = strings.TrimSpace(encoding)
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TokenCounter{encoding: encoding}
}

func (c *TokenCounter) load() {
	if c.encoding == EncodingEstimate {
		return
	}
	enc, err := tiktoken.GetEncoding(c.encoding)
	if err != nil {
		return
	}
	c.encoder = enc
}

func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c == nil {
		return EstimateTokens(text)
	}
	c.once.Do(c.load)
	if c.encoder == nil {
		return EstimateTokens(text)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.encoder.Encode(text, nil, nil))
}

// EstimateTokens approximates four latin characters per token and one token per Han character.
func EstimateTokens(text string) int {
	han, other := 0, 0
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			han++
			continue
		}
		other++
	}
	return han + (other+3)/4
}
