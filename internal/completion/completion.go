// ABOUTME: Completion collaborator used by the reply pipeline
// ABOUTME: OpenAI-compatible chat completions with a per-request token budget

package completion

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/2389/chorus-gateway/internal/conversation"
)

// DefaultMaxTokens is the output budget when neither the owner nor config sets one.
const DefaultMaxTokens = 120

// ErrEmptyCompletion is returned when the service answers without any choice.
var ErrEmptyCompletion = errors.New("completion returned no choices")

// Request is one completion call.
type Request struct {
	System    string
	History   []conversation.Entry // oldest first, leading assistant turns already trimmed
	Input     string
	Model     string
	MaxTokens int
}

// Result is the completion text plus the tokens it consumed (0 when unknown).
type Result struct {
	Text       string
	TokensUsed int
}

// Completer produces a reply for a conversation.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Result, error)
}

// Config configures the OpenAI-compatible client.
type Config struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
}

// OpenAI talks to any OpenAI chat completions endpoint.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
	timeout      time.Duration
}

// NewOpenAI creates a client. An empty BaseURL uses the public API.
func NewOpenAI(cfg Config) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		timeout:      cfg.Timeout,
	}
}

// Complete implements Completer.
func (o *OpenAI) Complete(ctx context.Context, req Request) (*Result, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	model := req.Model
	if model == "" {
		model = o.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     model,
		Messages:  BuildMessages(req),
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("creating chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyCompletion
	}

	return &Result{
		Text:       resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

// BuildMessages lays out system prompt, history and input. The input is not
// repeated when the history already ends with the same user turn.
func BuildMessages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}

	for _, e := range req.History {
		role := openai.ChatMessageRoleUser
		if e.Role == conversation.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: e.Content})
	}

	n := len(req.History)
	repeated := n > 0 && req.History[n-1].Role == conversation.RoleUser && req.History[n-1].Content == req.Input
	if req.Input != "" && !repeated {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Input})
	}
	return msgs
}
