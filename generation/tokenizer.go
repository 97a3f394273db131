package generation

import (
	"go.uber.org/zap"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts prompt tokens for per-attempt accounting.
type Tokenizer struct {
	encoding *tiktoken.Tiktoken
	logger   *zap.Logger
}

// NewTokenizer creates a tokenizer for the named tiktoken encoding.
// When the encoding cannot be loaded (offline environments), counting
// falls back to a bytes/4 estimate instead of failing the run.
func NewTokenizer(encodingName string, logger *zap.Logger) *Tokenizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "tokenizer"))

	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		logger.Warn("failed to load token encoding, using estimate",
			zap.String("encoding", encodingName),
			zap.Error(err))
		enc = nil
	}
	return &Tokenizer{encoding: enc, logger: logger}
}

// Count returns the token count for text.
func (t *Tokenizer) Count(text string) int {
	if t.encoding == nil {
		return len(text) / 4
	}
	return len(t.encoding.Encode(text, nil, nil))
}
