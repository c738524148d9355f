package chunk

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// tokenEncoding is the BPE used for counting; cl100k_base matches the
// vocabularies of current embedding models closely enough for sizing.
const tokenEncoding = "cl100k_base"

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// CountTokens returns the token length of text. When the BPE cannot
// be loaded (offline first run), it falls back to the chars/4
// approximation so chunking keeps working.
func CountTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(tokenEncoding)
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return approximateTokens(text)
	}
	return len(encoding.Encode(text, nil, nil))
}

// approximateTokens uses the rough 4-chars-per-token heuristic.
func approximateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		return 1
	}
	return n
}
