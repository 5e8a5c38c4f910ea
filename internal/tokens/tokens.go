// Package tokens keeps advisor prompts inside the model's context window.
package tokens

import (
	"fmt"
	"sync"

	"github.com/kingrea/council/internal/provider"
	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the BPE used by OpenAI-compatible chat models.
const DefaultEncoding = "cl100k_base"

const (
	perMessageOverhead = 4
	replyPriming       = 3
)

// Counter counts tokens in a piece of text.
type Counter interface {
	Count(text string) int
}

// Tiktoken counts with a tiktoken encoding.
type Tiktoken struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding. An empty name selects
// DefaultEncoding.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("tokens: load %s: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

// Count implements Counter.
func (t *Tiktoken) Count(text string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

// Approx estimates four bytes per token. It is the fallback when the BPE
// tables cannot be loaded.
type Approx struct{}

// Count implements Counter.
func (Approx) Count(text string) int {
	return (len(text) + 3) / 4
}

// CountMessages returns the prompt size of messages, including the per-message
// framing overhead.
func CountMessages(c Counter, messages []provider.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += perMessageOverhead
		total += c.Count(m.Content)
		total += c.Count(m.Role)
	}
	return total + replyPriming
}

// Budget trims prompts to a token limit.
type Budget struct {
	Counter Counter
	// Limit is the maximum prompt size. Zero disables trimming.
	Limit int
}

// Trim drops the oldest non-system messages until the prompt fits. System
// messages and the final message are always kept, so the result may still
// exceed Limit when those alone are too large.
func (b Budget) Trim(messages []provider.ChatMessage) []provider.ChatMessage {
	if b.Limit <= 0 || b.Counter == nil || len(messages) == 0 {
		return messages
	}
	out := append([]provider.ChatMessage(nil), messages...)
	for CountMessages(b.Counter, out) > b.Limit {
		idx := -1
		for i := 0; i < len(out)-1; i++ {
			if out[i].Role != provider.RoleSystem {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		out = append(out[:idx], out[idx+1:]...)
	}
	return out
}
