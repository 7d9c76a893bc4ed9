package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"gwi.com/persona-assistant/internal/observability"
	"gwi.com/persona-assistant/internal/store"
)

// Prompt is what one chat turn sends to a completion backend.
type Prompt struct {
	System  string
	History []store.Turn
	Query   string
}

// Backend generates a single reply for a prompt. Implementations must honor
// ctx cancellation; that is how turn timeouts are enforced.
type Backend interface {
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

var errEmptyResponse = errors.New("backend returned no text")

const geminiModelRole = "model"

type GeminiBackend struct {
	client      *genai.Client
	modelName   string
	temperature float32
}

func NewGeminiBackend(ctx context.Context, apiKey, modelName string, temperature float32) (*GeminiBackend, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiBackend{
		client:      client,
		modelName:   modelName,
		temperature: temperature,
	}, nil
}

func (b *GeminiBackend) Close() error {
	if b.client == nil {
		return nil
	}
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("error closing GenAI client: %w", err)
	}
	return nil
}

func (b *GeminiBackend) Complete(ctx context.Context, prompt Prompt) (string, error) {
	model := b.client.GenerativeModel(b.modelName)
	model.SetTemperature(b.temperature)
	if prompt.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(prompt.System)},
		}
	}

	chatSession := model.StartChat()
	chatSession.History = geminiHistory(prompt.History)

	resp, err := chatSession.SendMessage(ctx, genai.Text(prompt.Query))
	if err != nil {
		return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errEmptyResponse
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		} else {
			observability.LoggerFromContext(ctx).Debug("ignoring non-text gemini response part", "type", fmt.Sprintf("%T", part))
		}
	}
	if responseText.Len() == 0 {
		return "", errEmptyResponse
	}
	return responseText.String(), nil
}

// geminiHistory maps turns onto Gemini chat contents; Gemini names the
// assistant role "model".
func geminiHistory(turns []store.Turn) []*genai.Content {
	history := make([]*genai.Content, 0, len(turns))
	for _, turn := range turns {
		role := store.RoleUser
		if turn.Role == store.RoleAssistant {
			role = geminiModelRole
		}
		history = append(history, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(turn.Text)},
		})
	}
	return history
}
