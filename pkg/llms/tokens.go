package llms

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/parley-ai/parley/pkg/protocol"
)

// perMessageOverhead approximates the per-message framing tokens chat APIs
// charge beyond the raw content.
const perMessageOverhead = 4

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.RWMutex
)

// TokenEstimator provides best-effort token counts keyed by model id. For
// models without a known tiktoken encoding it falls back to a bytes/4
// approximation, which is good enough for prompt budgeting.
type TokenEstimator struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// NewTokenEstimator creates an estimator for the given model. It never
// fails; unknown models get the approximate fallback.
func NewTokenEstimator(model string) *TokenEstimator {
	encodingCacheMu.RLock()
	enc, ok := encodingCache[model]
	encodingCacheMu.RUnlock()
	if ok {
		return &TokenEstimator{encoding: enc, model: model}
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// cl100k_base covers most modern chat models closely enough.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}

	encodingCacheMu.Lock()
	encodingCache[model] = enc
	encodingCacheMu.Unlock()

	return &TokenEstimator{encoding: enc, model: model}
}

// Count estimates tokens for a raw string.
func (e *TokenEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if e.encoding == nil {
		return (len(text) + 3) / 4
	}
	return len(e.encoding.Encode(text, nil, nil))
}

// CountMessage estimates tokens for one conversation message including
// framing overhead.
func (e *TokenEstimator) CountMessage(m *protocol.Message) int {
	return e.Count(m.Content) + e.Count(string(m.Role)) + perMessageOverhead
}

// CountMessages estimates tokens for a message sequence.
func (e *TokenEstimator) CountMessages(msgs []*protocol.Message) int {
	total := 0
	for _, m := range msgs {
		total += e.CountMessage(m)
	}
	return total
}
