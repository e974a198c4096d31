// Package tokencounter implements the Token Counter (spec §4.2, C2): a
// cached per-model tokenizer used to enforce the 200,000-token document
// budget (spec §3) and to pre-check Ask-Agent prompt size (spec §4.7)
// before any LLM call.
package tokencounter

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/stacklok/metamcp/pkg/logger"
)

// defaultEncoding is used when the requested model has no known tiktoken
// mapping, matching the teacher's optimizer's "fall back to a default base
// encoding" behavior.
const defaultEncoding = "cl100k_base"

// Counter maps model names to cached tiktoken encoders (spec §4.2).
type Counter struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// New constructs an empty Counter.
func New() *Counter {
	return &Counter{encoders: make(map[string]*tiktoken.Tiktoken)}
}

// Count returns the number of tokens text encodes to under model's
// tokenizer, falling back to cl100k_base when model is unknown.
func (c *Counter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	enc := c.encoderFor(model)
	if enc == nil {
		// Last-resort heuristic if even the default encoding couldn't be
		// loaded (e.g. offline without a cached BPE file): ~4 chars/token.
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// CountJSON counts the tokens of an already-serialized JSON payload; it is
// the same as Count.
func (c *Counter) CountJSON(model string, jsonText string) int {
	return c.Count(model, jsonText)
}

func (c *Counter) encoderFor(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encoders[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(defaultEncoding)
		if err != nil {
			logger.Warnf("tokencounter: failed to load any encoding for model %q: %v", model, err)
			c.encoders[model] = nil
			return nil
		}
	}
	c.encoders[model] = enc
	return enc
}

// Clear releases cached encoders. Intended to be called on process
// shutdown or between test cases that exercise many distinct models
// (spec §5 resource policy).
func (c *Counter) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encoders = make(map[string]*tiktoken.Tiktoken)
}
