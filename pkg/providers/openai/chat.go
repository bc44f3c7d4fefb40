package openai

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/harunnryd/kamishibai/pkg/llm"
	"github.com/harunnryd/kamishibai/pkg/resilience"
)

const providerName = "openai"

// ChatConfig configures the chat completion adapter.
type ChatConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// ChatAdapter serves text turns and transcript analysis over chat completions.
type ChatAdapter struct {
	client *goopenai.Client
	model  string
}

func NewChatAdapter(cfg ChatConfig) *ChatAdapter {
	oc := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	oc.HTTPClient = &http.Client{Timeout: timeout}
	return &ChatAdapter{
		client: goopenai.NewClientWithConfig(oc),
		model:  cfg.Model,
	}
}

func (a *ChatAdapter) Name() string { return providerName }

func (a *ChatAdapter) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: roleOf(m.Role), Content: m.Content})
	}
	creq := goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	// go-openai drops a zero temperature from the request body.
	if creq.Temperature == 0 {
		creq.Temperature = math.SmallestNonzeroFloat32
	}
	if req.JSON {
		creq.ResponseFormat = &goopenai.ChatCompletionResponseFormat{Type: goopenai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := a.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return llm.Response{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, errors.New("openai: no choices")
	}
	choice := resp.Choices[0]
	return llm.Response{
		Text: choice.Message.Content,
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: string(choice.FinishReason),
	}, nil
}

func roleOf(r llm.Role) string {
	if r == llm.RoleAssistant {
		return goopenai.ChatMessageRoleAssistant
	}
	return goopenai.ChatMessageRoleUser
}

// classify maps HTTP failures onto the resilience error classes.
func classify(err error) error {
	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	switch {
	case status == http.StatusTooManyRequests:
		return resilience.RateLimitError{Provider: providerName, Message: err.Error()}
	case status >= 400 && status < 500 && status != http.StatusRequestTimeout:
		return llm.PermanentError{Err: err}
	}
	return err
}

var _ llm.LLMAdapter = (*ChatAdapter)(nil)
