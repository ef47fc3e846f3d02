package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/tcriess/lightspeed-session/config"
	"github.com/tcriess/lightspeed-session/globals"
)

// ErrUnavailable is returned for every failed completion: network errors, timeouts, error responses and responses
// without usable content.
var ErrUnavailable = errors.New("completion unavailable")

const systemPrompt = "You are the AI moderator of a live practice discussion. Keep answers short, friendly and on topic."

// Completer turns a prompt into a completion text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// NewCompleter returns an OpenAI-compatible client, or a Completer which is always unavailable if no api key is
// configured.
func NewCompleter(cfg config.AIConfig) Completer {
	if cfg.APIKey == "" {
		globals.AppLogger.Info("no ai api key configured, completions are disabled")
		return Disabled{}
	}
	return NewOpenAI(cfg)
}

type Disabled struct{}

func (Disabled) Complete(context.Context, string) (string, error) {
	return "", ErrUnavailable
}

type OpenAIClient struct {
	client    *openai.Client
	model     string
	maxTokens int
	timeout   time.Duration
}

func NewOpenAI(cfg config.AIConfig) *OpenAIClient {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens: c.maxTokens,
	}
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in response", ErrUnavailable)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("%w: empty completion", ErrUnavailable)
	}
	return content, nil
}

// OpeningPrompt asks for the question that opens an AI practice session.
func OpeningPrompt(topic string) string {
	return fmt.Sprintf("Open a discussion on the topic %q with one short, thought-provoking question.", topic)
}

// ReplyPrompt asks for the reply to a participant's chat message.
func ReplyPrompt(topic, message string) string {
	return fmt.Sprintf("The discussion topic is %q. The participant wrote:\n\n%s\n\nReply to it and keep the discussion going.", topic, message)
}

// ResponsePrompt asks for feedback on a participant's answer submitted via ai-response.
func ResponsePrompt(topic, response string) string {
	return fmt.Sprintf("The discussion topic is %q. The participant answered your last question with:\n\n%s\n\nGive brief feedback and ask a follow-up question.", topic, response)
}
