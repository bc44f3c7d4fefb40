package turn

import (
	"context"
	"log/slog"
	"time"

	"github.com/harunnryd/kamishibai/pkg/errorsx"
	"github.com/harunnryd/kamishibai/pkg/llm"
	"github.com/harunnryd/kamishibai/pkg/logging"
	"github.com/harunnryd/kamishibai/pkg/metrics"
	"github.com/harunnryd/kamishibai/pkg/redact"
	"github.com/harunnryd/kamishibai/pkg/scenario"
)

const (
	DefaultDistressedMood = "困る"
	DefaultErrorMessage   = "Sorry, something went wrong. Please try again."
)

type TextConfig struct {
	Model string
	// Temperature is nil for the default; zero is a valid setting.
	Temperature    *float32
	MaxTokens      int
	Timeout        time.Duration
	DistressedMood string
	ErrorMessage   string
	Logger         *slog.Logger
	Observer       metrics.Observer
}

// TextProcessor runs one synchronous model call per utterance.
type TextProcessor struct {
	llm         llm.LLMAdapter
	prompts     *PromptBuilder
	cfg         TextConfig
	temperature float32
	logger      *slog.Logger
	obs         metrics.Observer
}

func NewTextProcessor(adapter llm.LLMAdapter, prompts *PromptBuilder, cfg TextConfig) *TextProcessor {
	temperature := float32(0.7)
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DistressedMood == "" {
		cfg.DistressedMood = DefaultDistressedMood
	}
	if cfg.ErrorMessage == "" {
		cfg.ErrorMessage = DefaultErrorMessage
	}
	return &TextProcessor{
		llm:         adapter,
		prompts:     prompts,
		cfg:         cfg,
		temperature: temperature,
		logger:      logging.NewComponentLogger(cfg.Logger, "text_turn"),
		obs:         metrics.OrNoop(cfg.Observer),
	}
}

// Process turns input into a Result. Upstream and parse failures are folded
// into the Result; only cancellation of ctx is returned as an error.
func (p *TextProcessor) Process(ctx context.Context, input string, page scenario.PageContext, history []llm.Message, currentMood string) (Result, error) {
	msgs := append(llm.Clone(history), llm.Message{Role: llm.RoleUser, Content: input})
	req := llm.Request{
		System:      p.prompts.System(page, currentMood),
		Messages:    msgs,
		Model:       p.cfg.Model,
		Temperature: p.temperature,
		MaxTokens:   p.cfg.MaxTokens,
		JSON:        true,
	}
	p.logger.Debug("text_turn_request", "scene", page.Scene, "page", page.Page, "text", redact.Preview(input, 80), "history", len(history))

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	start := time.Now()
	resp, err := p.llm.Generate(callCtx, req)
	metrics.Latency(p.obs, metrics.EventLLMLatency, start, map[string]string{"component": "text", "provider": p.llm.Name()})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		err = errorsx.Wrap(err, errorsx.ReasonUpstreamCall)
		p.logger.Error("text_turn_upstream_failed", "reason_code", string(errorsx.Reason(err)), "error", err)
		metrics.Count(p.obs, metrics.EventUpstreamFailure, map[string]string{"component": "text"})
		return Result{
			Narrative:  p.cfg.ErrorMessage,
			Mood:       p.cfg.DistressedMood,
			RawPayload: p.cfg.ErrorMessage,
		}, nil
	}

	res, ok := parseTurn(resp.Text, page.DefaultMood)
	if !ok {
		p.logger.Warn("text_turn_malformed_response",
			"reason_code", string(errorsx.ReasonMalformedResponse),
			"scene", page.Scene, "page", page.Page,
			"raw", redact.Preview(resp.Text, 120))
		metrics.Count(p.obs, metrics.EventMalformedResponse, map[string]string{"component": "text"})
	}
	p.logger.Debug("text_turn_response", "mood", res.Mood, "transition", targetString(res.Transition), "text", redact.Preview(res.Narrative, 50))
	return res, nil
}

func targetString(t *scenario.TransitionTarget) string {
	if t == nil {
		return ""
	}
	return t.String()
}
