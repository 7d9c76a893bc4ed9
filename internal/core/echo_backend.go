package core

import (
	"context"
	"fmt"
)

// EchoBackend answers without a model. Used for local development.
type EchoBackend struct{}

func NewEchoBackend() *EchoBackend {
	return &EchoBackend{}
}

func (EchoBackend) Complete(ctx context.Context, prompt Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("(echo, %d prior messages) %s", len(prompt.History), prompt.Query), nil
}
