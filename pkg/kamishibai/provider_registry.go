package kamishibai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/kamishibai/pkg/adapters/realtime"
	"github.com/harunnryd/kamishibai/pkg/audio"
	"github.com/harunnryd/kamishibai/pkg/configutil"
	"github.com/harunnryd/kamishibai/pkg/llm"
	"github.com/harunnryd/kamishibai/pkg/providers/gemini"
	"github.com/harunnryd/kamishibai/pkg/providers/mock"
	"github.com/harunnryd/kamishibai/pkg/providers/openai"
)

// LLMFactory builds a completion adapter from a vendor block.
type LLMFactory func(cfg Config, vendor VendorConfig) (llm.LLMAdapter, error)

// RealtimeFactory builds a realtime speech dialer.
type RealtimeFactory func(cfg Config, vendor VendorConfig) (realtime.Dialer, error)

type ProviderRegistry struct {
	llm      map[string]LLMFactory
	realtime map[string]RealtimeFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		llm:      make(map[string]LLMFactory),
		realtime: make(map[string]RealtimeFactory),
	}
}

// DefaultProviderRegistry has every built-in vendor registered.
func DefaultProviderRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterLLM("openai", buildOpenAIChat)
	r.RegisterLLM("gemini", buildGemini)
	r.RegisterLLM("mock", buildMockLLM)
	r.RegisterRealtime("openai", buildOpenAIRealtime)
	r.RegisterRealtime("mock", buildMockRealtime)
	return r
}

func normalize(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[normalize(name)] = factory
}

func (r *ProviderRegistry) RegisterRealtime(name string, factory RealtimeFactory) {
	r.realtime[normalize(name)] = factory
}

func (r *ProviderRegistry) BuildLLM(cfg Config, vendor VendorConfig) (llm.LLMAdapter, error) {
	fn := r.llm[normalize(vendor.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", vendor.Provider)
	}
	return fn(cfg, vendor)
}

func (r *ProviderRegistry) BuildRealtime(cfg Config, vendor VendorConfig) (realtime.Dialer, error) {
	fn := r.realtime[normalize(vendor.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("realtime provider not registered: %s", vendor.Provider)
	}
	return fn(cfg, vendor)
}

type apiSettings struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func buildOpenAIChat(cfg Config, vendor VendorConfig) (llm.LLMAdapter, error) {
	var s apiSettings
	err := configutil.Decode("vendors.llm.settings", vendor.Settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"base_url", "model", "timeout"},
	}, &s)
	if err != nil {
		return nil, err
	}
	if s.Model == "" {
		s.Model = cfg.Text.Model
	}
	return openai.NewChatAdapter(openai.ChatConfig{APIKey: s.APIKey, BaseURL: s.BaseURL, Model: s.Model, Timeout: s.Timeout}), nil
}

func buildGemini(cfg Config, vendor VendorConfig) (llm.LLMAdapter, error) {
	var s apiSettings
	err := configutil.Decode("vendors.llm.settings", vendor.Settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"base_url", "model"},
	}, &s)
	if err != nil {
		return nil, err
	}
	if s.Model == "" {
		s.Model = "gemini-2.0-flash"
	}
	return gemini.New(context.Background(), gemini.Config{APIKey: s.APIKey, BaseURL: s.BaseURL, Model: s.Model})
}

type mockLLMSettings struct {
	ResponseText string        `mapstructure:"response_text"`
	Delay        time.Duration `mapstructure:"delay"`
}

func buildMockLLM(_ Config, vendor VendorConfig) (llm.LLMAdapter, error) {
	var s mockLLMSettings
	err := configutil.Decode("vendors.llm.settings", vendor.Settings, configutil.Schema{
		Optional: []string{"response_text", "delay"},
	}, &s)
	if err != nil {
		return nil, err
	}
	return mock.NewLLMAdapter(mock.LLMConfig{ResponseText: s.ResponseText, Delay: s.Delay}), nil
}

type openAIRealtimeSettings struct {
	APIKey string `mapstructure:"api_key"`
	URL    string `mapstructure:"url"`
}

func buildOpenAIRealtime(_ Config, vendor VendorConfig) (realtime.Dialer, error) {
	var s openAIRealtimeSettings
	err := configutil.Decode("vendors.realtime.settings", vendor.Settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"url"},
	}, &s)
	if err != nil {
		return nil, err
	}
	return openai.NewRealtimeDialer(openai.RealtimeConfig{APIKey: s.APIKey, URL: s.URL}), nil
}

type mockRealtimeSettings struct {
	UserTranscript      string `mapstructure:"user_transcript"`
	AssistantTranscript string `mapstructure:"assistant_transcript"`
}

// buildMockRealtime answers every utterance with fixed transcripts and a
// short stretch of silence, for running voice turns without a vendor.
func buildMockRealtime(cfg Config, vendor VendorConfig) (realtime.Dialer, error) {
	var s mockRealtimeSettings
	err := configutil.Decode("vendors.realtime.settings", vendor.Settings, configutil.Schema{
		Optional: []string{"user_transcript", "assistant_transcript"},
	}, &s)
	if err != nil {
		return nil, err
	}
	if s.UserTranscript == "" {
		s.UserTranscript = "(voice input)"
	}
	if s.AssistantTranscript == "" {
		s.AssistantTranscript = "I heard you."
	}
	pcm := audio.Encode(audio.Silence(cfg.Voice.SampleRate, 200*time.Millisecond).Samples)
	return mock.NewRealtimeDialer(mock.RealtimeConfig{Events: []realtime.Event{
		{Type: realtime.EventUserTranscriptCompleted, Text: s.UserTranscript},
		{Type: realtime.EventAudioDelta, Audio: pcm},
		{Type: realtime.EventAssistantTranscriptDone, Text: s.AssistantTranscript},
		{Type: realtime.EventResponseDone},
	}}), nil
}
