package mock

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/kamishibai/pkg/llm"
)

// Reply is one scripted completion.
type Reply struct {
	Text string
	Err  error
}

type LLMConfig struct {
	// Replies are returned in order; ResponseText is used once they run out.
	Replies      []Reply
	ResponseText string
	Delay        time.Duration
}

// LLMAdapter is a scripted text completion service.
type LLMAdapter struct {
	cfg LLMConfig

	mu       sync.Mutex
	requests []llm.Request
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" {
		cfg.ResponseText = `{"text":"mock response","mood":"","transition":null}`
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock" }

func (a *LLMAdapter) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	a.mu.Lock()
	idx := len(a.requests)
	req.Messages = llm.Clone(req.Messages)
	a.requests = append(a.requests, req)
	a.mu.Unlock()

	if a.cfg.Delay > 0 {
		t := time.NewTimer(a.cfg.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return llm.Response{}, ctx.Err()
		case <-t.C:
		}
	}
	if idx < len(a.cfg.Replies) {
		r := a.cfg.Replies[idx]
		if r.Err != nil {
			return llm.Response{}, r.Err
		}
		return llm.Response{Text: r.Text, FinishReason: "stop"}, nil
	}
	return llm.Response{Text: a.cfg.ResponseText, FinishReason: "stop"}, nil
}

// Calls returns how many requests were made.
func (a *LLMAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

// Requests returns a copy of every request received.
func (a *LLMAdapter) Requests() []llm.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]llm.Request, len(a.requests))
	copy(out, a.requests)
	return out
}
