package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/harunnryd/kamishibai/pkg/llm"
	"github.com/harunnryd/kamishibai/pkg/resilience"
)

const providerName = "gemini"

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Adapter serves text turns and transcript analysis on the Gemini API.
type Adapter struct {
	client *genai.Client
	model  string
}

func New(ctx context.Context, cfg Config) (*Adapter, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Adapter{client: client, model: cfg.Model}, nil
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	var contents []*genai.Content
	for _, m := range req.Messages {
		role := genai.RoleUser
		if m.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}

	temp := req.Temperature
	cfg := &genai.GenerateContentConfig{Temperature: &temp}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	if req.System != "" {
		if len(contents) == 0 {
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: req.System}}})
		} else {
			cfg.SystemInstruction = &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: req.System}}}
		}
	}

	resp, err := a.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return llm.Response{}, classify(err)
	}
	out := llm.Response{Text: resp.Text()}
	if len(resp.Candidates) > 0 {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

func classify(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		return resilience.RateLimitError{Provider: providerName, Message: apiErr.Message}
	case apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusRequestTimeout:
		return llm.PermanentError{Err: err}
	}
	return err
}

var _ llm.LLMAdapter = (*Adapter)(nil)
