package kamishibai

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	backend "github.com/redis/go-redis/v9"

	"github.com/harunnryd/kamishibai/pkg/adapters/realtime"
	"github.com/harunnryd/kamishibai/pkg/adapters/redis"
	"github.com/harunnryd/kamishibai/pkg/configutil"
	"github.com/harunnryd/kamishibai/pkg/conversation"
	"github.com/harunnryd/kamishibai/pkg/display"
	"github.com/harunnryd/kamishibai/pkg/llm"
	"github.com/harunnryd/kamishibai/pkg/logging"
	"github.com/harunnryd/kamishibai/pkg/metrics"
	"github.com/harunnryd/kamishibai/pkg/observers"
	"github.com/harunnryd/kamishibai/pkg/redact"
	"github.com/harunnryd/kamishibai/pkg/resilience"
	"github.com/harunnryd/kamishibai/pkg/scenario"
	"github.com/harunnryd/kamishibai/pkg/session"
	transporthttp "github.com/harunnryd/kamishibai/pkg/transports/http"
	"github.com/harunnryd/kamishibai/pkg/turn"
)

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Logger    *slog.Logger
	// Graph skips loading scenario.path when set.
	Graph *scenario.Graph
}

// Engine wires one loaded scenario to its vendors, sessions and surfaces.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	graph    *scenario.Graph
	vocab    *display.Vocabulary
	renderer *display.FrameRenderer
	text     *turn.TextProcessor
	analyzer *turn.TranscriptAnalyzer
	voice    *turn.VoiceProcessor

	obs      metrics.Observer
	asyncObs *metrics.AsyncObserver
	promReg  *prometheus.Registry
	sessions *session.Manager
	server   *transporthttp.Server
	closers  []io.Closer
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := logging.OrDefault(opts.Logger)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	logger.Info("kamishibai_init",
		"environment", cfg.Environment,
		"scenario", cfg.Scenario.Path,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"analyzer_provider", cfg.AnalyzerVendor().Provider,
		"realtime_provider", cfg.Vendors.Realtime.Provider,
	)

	e := &Engine{cfg: cfg, logger: logger, graph: opts.Graph}
	if e.graph == nil {
		graph, err := scenario.Load(cfg.Scenario.Path)
		if err != nil {
			return nil, err
		}
		e.graph = graph
	}
	e.vocab = display.NewVocabulary(e.graph.Display)
	e.renderer = display.NewFrameRenderer(e.vocab, e.graph.Display.BackgroundImages, cfg.Scenario.ImageRoot)

	if err := e.buildObservers(); err != nil {
		e.Close()
		return nil, err
	}

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviderRegistry()
	}
	if err := e.buildTurns(providers); err != nil {
		e.Close()
		return nil, err
	}

	sessOpts := []session.Option{
		session.WithLogger(logging.NewComponentLogger(logger, "session")),
		session.WithBusyPolicy(session.ParseBusyPolicy(cfg.Turn.BusyPolicy)),
		session.WithIdleTTL(ms(cfg.Session.IdleTTLMS)),
	}
	if strings.EqualFold(cfg.Session.Lock.Provider, "redis") {
		opt, err := e.redisLocker()
		if err != nil {
			e.Close()
			return nil, err
		}
		sessOpts = append(sessOpts, opt)
	}
	e.sessions = session.NewManager(e.NewOrchestrator, sessOpts...)

	var metricsHandler http.Handler
	if e.promReg != nil {
		metricsHandler = promhttp.HandlerFor(e.promReg, promhttp.HandlerOpts{})
	}
	e.server = transporthttp.New(transporthttp.Config{
		Addr:           cfg.Server.Addr,
		Sessions:       e.sessions,
		SampleRate:     cfg.Voice.SampleRate,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        metricsHandler,
		Logger:         logger,
	})
	return e, nil
}

func (e *Engine) buildObservers() error {
	list := []metrics.Observer{observers.NewLoggerObserver(logging.NewComponentLogger(e.logger, "metrics"))}
	if e.cfg.Observability.Prometheus {
		e.promReg = prometheus.NewRegistry()
		prom, err := metrics.NewPrometheusObserver(e.promReg, "kamishibai")
		if err != nil {
			return fmt.Errorf("prometheus observer: %w", err)
		}
		list = append(list, prom)
	}
	if path := strings.TrimSpace(e.cfg.Observability.MetricsLog); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("metrics log: %w", err)
		}
		e.closers = append(e.closers, f)
		list = append(list, metrics.NewJSONLObserver(f))
	}
	sampled := metrics.NewSamplingObserver(observers.NewMultiObserver(list...), e.cfg.Observability.SampleRate,
		metrics.EventTurnCommitted,
		metrics.EventTransitionApplied,
		metrics.EventTransitionRejected,
		metrics.EventUpstreamFailure,
		metrics.EventBreakerOpen,
		metrics.EventBreakerClose,
	)
	e.asyncObs = metrics.NewAsyncObserver(sampled, 2048)
	e.obs = e.asyncObs
	return nil
}

// resilient wraps a vendor adapter in retries and a rate-limit breaker.
func (e *Engine) resilient(adapter llm.LLMAdapter) llm.LLMAdapter {
	rc := e.cfg.Resilience
	retry := llm.NewRetryAdapterFromPolicy(adapter, resilience.NewRetryPolicy(rc.Retries, ms(rc.RetryBackoffMS)))
	cb := llm.NewCircuitBreakerAdapter(retry, resilience.NewCircuitBreaker(rc.CircuitThreshold, ms(rc.CircuitCooldownMS)))
	cb.SetObserver(e.obs)
	return cb
}

func (e *Engine) buildTurns(providers *ProviderRegistry) error {
	cfg := e.cfg
	textAdapter, err := providers.BuildLLM(cfg, cfg.Vendors.LLM)
	if err != nil {
		return err
	}
	textAdapter = e.resilient(textAdapter)

	analyzerAdapter := textAdapter
	if strings.TrimSpace(cfg.Vendors.Analyzer.Provider) != "" {
		a, err := providers.BuildLLM(cfg, cfg.Vendors.Analyzer)
		if err != nil {
			return err
		}
		analyzerAdapter = e.resilient(a)
	}

	prompts := &turn.PromptBuilder{Base: e.graph.BasePrompt, Vocab: e.vocab, Preamble: cfg.Voice.Preamble}
	e.text = turn.NewTextProcessor(textAdapter, prompts, turn.TextConfig{
		Model:          cfg.Text.Model,
		Temperature:    &cfg.Text.Temperature,
		MaxTokens:      cfg.Text.MaxTokens,
		Timeout:        ms(cfg.Text.TimeoutMS),
		DistressedMood: cfg.Turn.DistressedMood,
		ErrorMessage:   cfg.Turn.ErrorMessage,
		Logger:         e.logger,
		Observer:       e.obs,
	})
	e.analyzer = turn.NewTranscriptAnalyzer(analyzerAdapter, prompts, turn.AnalyzerConfig{
		Model:       cfg.Analysis.Model,
		Temperature: &cfg.Analysis.Temperature,
		MaxTokens:   cfg.Analysis.MaxTokens,
		Timeout:     ms(cfg.Analysis.TimeoutMS),
		Logger:      e.logger,
		Observer:    e.obs,
	})

	if !cfg.VoiceEnabled() {
		e.logger.Info("voice_disabled", "reason", "no realtime vendor configured")
		return nil
	}
	dialer, err := providers.BuildRealtime(cfg, cfg.Vendors.Realtime)
	if err != nil {
		return err
	}
	e.voice = turn.NewVoiceProcessor(dialer, prompts, turn.VoiceConfig{
		Model:              cfg.Voice.Model,
		Voice:              cfg.Voice.Voice,
		SampleRate:         cfg.Voice.SampleRate,
		ChunkSamples:       cfg.Voice.ChunkSamples,
		MinSamples:         cfg.Voice.MinSamples,
		Silence:            ms(cfg.Voice.SilenceMS),
		ResponseTimeout:    ms(cfg.Voice.ResponseTimeoutMS),
		TranscriptionModel: cfg.Voice.TranscriptionModel,
		VAD: realtime.VAD{
			Threshold:         cfg.Voice.VAD.Threshold,
			PrefixPaddingMS:   cfg.Voice.VAD.PrefixPaddingMS,
			SilenceDurationMS: cfg.Voice.VAD.SilenceDurationMS,
		},
		DialRetry:          resilience.NewRetryPolicy(cfg.Resilience.Retries, ms(cfg.Resilience.RetryBackoffMS)),
		Logger:             e.logger,
		Observer:           e.obs,
	})
	return nil
}

type redisLockSettings struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
	TTLMS    int    `mapstructure:"ttl_ms"`
}

func (e *Engine) redisLocker() (session.Option, error) {
	var s redisLockSettings
	err := configutil.Decode("session.lock.settings", e.cfg.Session.Lock.Settings, configutil.Schema{
		Required: []string{"addr"},
		Optional: []string{"password", "db", "prefix", "ttl_ms"},
	}, &s)
	if err != nil {
		return nil, err
	}
	if s.Prefix == "" {
		s.Prefix = "kamishibai:"
	}
	client := backend.NewClient(&backend.Options{Addr: s.Addr, Password: s.Password, DB: s.DB})
	e.closers = append(e.closers, client)
	e.logger.Info("session_lock_redis", "addr", s.Addr, "prefix", s.Prefix)
	return session.WithLocker(redis.NewLocker(client, s.Prefix), ms(s.TTLMS)), nil
}

// NewOrchestrator builds an unstarted conversation over the shared scenario.
func (e *Engine) NewOrchestrator() *conversation.Orchestrator {
	cfg := conversation.Config{
		Graph:    e.graph,
		Vocab:    e.vocab,
		Renderer: e.renderer,
		Text:     e.text,
		Analyzer: e.analyzer,
		Logger:   e.logger,
		Observer: e.obs,
	}
	if e.voice != nil {
		cfg.Voice = e.voice
	}
	return conversation.New(cfg)
}

func (e *Engine) Config() Config                { return e.cfg }
func (e *Engine) Graph() *scenario.Graph        { return e.graph }
func (e *Engine) Sessions() *session.Manager    { return e.sessions }
func (e *Engine) Server() *transporthttp.Server { return e.server }
func (e *Engine) VoiceEnabled() bool            { return e.voice != nil }

// Start serves HTTP and sweeps idle sessions until ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	go e.sessions.Run(ctx)
	return e.server.Start(ctx)
}

// Drain stops the listener and waits for in-flight turns.
func (e *Engine) Drain() error {
	if err := e.server.Stop(); err != nil {
		e.logger.Warn("http_server_stop_failed", "error", err)
	}
	return e.sessions.Drain()
}

// Close flushes metrics and releases files and clients.
func (e *Engine) Close() error {
	if e.asyncObs != nil {
		e.asyncObs.Close()
		e.asyncObs = nil
	}
	var first error
	for _, c := range e.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	e.closers = nil
	return first
}
