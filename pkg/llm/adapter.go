package llm

import "context"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged entry of the conversation sent upstream.
type Message struct {
	Role    Role
	Content string
}

// Request carries a system prompt plus the ordered conversation.
// Temperature and MaxTokens are policy knobs; zero values leave the
// provider defaults in place.
type Request struct {
	System      string
	Messages    []Message
	Model       string
	Temperature float32
	MaxTokens   int
	// JSON asks the provider for a single JSON object response.
	JSON bool
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
}

// LLMAdapter is the text completion service: send messages, get text back.
type LLMAdapter interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

// Clone returns a copy of msgs that does not share backing storage.
func Clone(msgs []Message) []Message {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
