// Package respond generates spoken answers to user utterances. It is an
// adapter over a chat-completion API; the model itself is external.
package respond

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

var ErrEmptyAnswer = errors.New("model returned an empty answer")

// systemPrompt keeps answers short enough to speak aloud.
const systemPrompt = "You are VoicePal, a friendly voice assistant. " +
	"Answer in one to three short spoken sentences. " +
	"Never use markdown, lists, or code blocks; your answer is read aloud."

// Turn is one prior user/assistant exchange supplied as context.
type Turn struct {
	User      string
	Assistant string
}

// Responder produces an answer to a user question given recent history.
type Responder interface {
	Ask(ctx context.Context, question string, history []Turn) (string, error)
}

// Config configures the chat responder.
type Config struct {
	APIKey    string
	Model     string
	BaseURL   string // override for self-hosted gateways and tests
	MaxTokens int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		Model:     openai.GPT4oMini,
		MaxTokens: 256,
	}
}

// ChatResponder is a chat-completion backed Responder.
type ChatResponder struct {
	client *openai.Client
	config *Config
	logger zerolog.Logger
}

// NewChatResponder creates a ChatResponder.
func NewChatResponder(config *Config, logger zerolog.Logger) *ChatResponder {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Model == "" {
		config.Model = openai.GPT4oMini
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 256
	}

	clientCfg := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}

	return &ChatResponder{
		client: openai.NewClientWithConfig(clientCfg),
		config: config,
		logger: logger.With().Str("component", "respond").Logger(),
	}
}

// Ask sends the question with recent history and returns the model's answer.
func (r *ChatResponder) Ask(ctx context.Context, question string, history []Turn) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)*2+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, turn := range history {
		messages = append(messages,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: turn.User},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: turn.Assistant},
		)
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: question,
	})

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     r.config.Model,
		Messages:  messages,
		MaxTokens: r.config.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyAnswer
	}

	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return "", ErrEmptyAnswer
	}

	r.logger.Debug().
		Int("history_turns", len(history)).
		Int("answer_len", len(answer)).
		Msg("answer generated")
	return answer, nil
}
