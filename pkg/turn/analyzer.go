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

type AnalyzerConfig struct {
	Model       string
	Temperature *float32
	MaxTokens   int
	Timeout     time.Duration
	Logger      *slog.Logger
	Observer    metrics.Observer
}

// TranscriptAnalyzer derives mood and transition for a voice turn from its
// two transcripts. The assistant transcript is the narrative.
type TranscriptAnalyzer struct {
	llm         llm.LLMAdapter
	prompts     *PromptBuilder
	cfg         AnalyzerConfig
	temperature float32
	logger      *slog.Logger
	obs         metrics.Observer
}

func NewTranscriptAnalyzer(adapter llm.LLMAdapter, prompts *PromptBuilder, cfg AnalyzerConfig) *TranscriptAnalyzer {
	temperature := float32(0.3)
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 150
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &TranscriptAnalyzer{
		llm:         adapter,
		prompts:     prompts,
		cfg:         cfg,
		temperature: temperature,
		logger:      logging.NewComponentLogger(cfg.Logger, "transcript_analyzer"),
		obs:         metrics.OrNoop(cfg.Observer),
	}
}

// Analyze never fails the turn: a bad or missing reply yields the page
// default mood and no transition. Only cancellation of ctx is returned.
func (a *TranscriptAnalyzer) Analyze(ctx context.Context, user, assistant string, page scenario.PageContext) (Result, error) {
	req := llm.Request{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: a.prompts.Analysis(page, user, assistant)}},
		Model:       a.cfg.Model,
		Temperature: a.temperature,
		MaxTokens:   a.cfg.MaxTokens,
		JSON:        true,
	}
	mood, target := page.DefaultMood, (*scenario.TransitionTarget)(nil)

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	start := time.Now()
	resp, err := a.llm.Generate(callCtx, req)
	metrics.Latency(a.obs, metrics.EventLLMLatency, start, map[string]string{"component": "analyzer", "provider": a.llm.Name()})
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		err = errorsx.Wrap(err, errorsx.ReasonUpstreamCall)
		a.logger.Error("transcript_analysis_failed", "reason_code", string(errorsx.Reason(err)), "error", err)
		metrics.Count(a.obs, metrics.EventUpstreamFailure, map[string]string{"component": "analyzer"})
	default:
		var ok bool
		mood, target, ok = parseAnalysis(resp.Text, page.DefaultMood)
		if !ok {
			a.logger.Warn("transcript_analysis_malformed",
				"reason_code", string(errorsx.ReasonMalformedResponse),
				"raw", redact.Preview(resp.Text, 120))
			metrics.Count(a.obs, metrics.EventMalformedResponse, map[string]string{"component": "analyzer"})
		}
	}
	a.logger.Info("transcript_analysis",
		"user", redact.Preview(user, 50),
		"assistant", redact.Preview(assistant, 50),
		"mood", mood,
		"transition", targetString(target))
	return Result{
		Narrative:  assistant,
		Mood:       mood,
		Transition: target,
		RawPayload: encodePayload(assistant, mood, target),
	}, nil
}
