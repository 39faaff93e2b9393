package embed

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/memquest/memquest/pkg/observability/logging"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// tokenCount measures text in cl100k_base tokens, falling back to a
// rune-count estimate when the encoding is unavailable (offline
// environments cannot always fetch the BPE ranks).
func tokenCount(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			logging.Warnf("Embedder: cl100k_base unavailable, using rune estimate: %v", err)
			return
		}
		encoding = enc
	})
	if encoding == nil {
		// Roughly four characters per token for English text.
		return len([]rune(text))/4 + 1
	}
	return len(encoding.Encode(text, nil, nil))
}
