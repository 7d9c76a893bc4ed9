package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"gwi.com/persona-assistant/internal/store"
)

// StatusError carries the HTTP status of a failed backend call so retry
// logic can tell client errors from transient ones.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

type OpenAIBackend struct {
	client      *openai.Client
	model       string
	temperature float32
}

type OpenAIOption func(*openai.ClientConfig)

func WithOpenAIBaseURL(baseURL string) OpenAIOption {
	return func(c *openai.ClientConfig) {
		if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
			c.BaseURL = baseURL
		}
	}
}

func WithOpenAIHTTPClient(httpClient *http.Client) OpenAIOption {
	return func(c *openai.ClientConfig) {
		if httpClient != nil {
			c.HTTPClient = httpClient
		}
	}
}

func NewOpenAIBackend(apiKey, model string, temperature float32, opts ...OpenAIOption) (*OpenAIBackend, error) {
	if apiKey == "" {
		return nil, errors.New("core: openai api key must not be empty")
	}
	if model == "" {
		return nil, errors.New("core: openai model must not be empty")
	}
	cfg := openai.DefaultConfig(apiKey)
	for _, opt := range opts {
		opt(&cfg)
	}
	return &OpenAIBackend{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: temperature,
	}, nil
}

func (b *OpenAIBackend) Complete(ctx context.Context, prompt Prompt) (string, error) {
	temperature := b.temperature
	if temperature == 0 {
		// go-openai omits a zero temperature; send the smallest non-zero value instead.
		temperature = math.SmallestNonzeroFloat32
	}

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       b.model,
		Messages:    openAIMessages(prompt),
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion failed: %w", withStatus(err))
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyResponse
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", errEmptyResponse
	}
	return content, nil
}

func openAIMessages(prompt Prompt) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(prompt.History)+2)
	if prompt.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: prompt.System})
	}
	for _, turn := range prompt.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == store.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Text})
	}
	return append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt.Query})
}

func withStatus(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &StatusError{StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &StatusError{StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return err
}
