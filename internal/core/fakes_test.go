package core

import (
	"context"
	"fmt"
	"sync"

	"gwi.com/persona-assistant/internal/store"
)

type fakeRecords struct {
	mu    sync.Mutex
	users map[string]string
	bots  map[string]string
	docs  []string
	err   error
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{users: map[string]string{}, bots: map[string]string{}}
}

func (f *fakeRecords) GetUser(_ context.Context, id string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	return &store.User{ID: id, Context: c}, nil
}

func (f *fakeRecords) GetBot(_ context.Context, id string) (*store.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.bots[id]
	if !ok {
		return nil, fmt.Errorf("bot %s: %w", id, store.ErrNotFound)
	}
	return &store.Bot{ID: id, SystemPrompt: p}, nil
}

func (f *fakeRecords) ListDocuments(_ context.Context) ([]store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Document, len(f.docs))
	for i, d := range f.docs {
		out[i] = store.Document{ID: fmt.Sprintf("doc-%d", i), Content: d}
	}
	return out, nil
}

func (f *fakeRecords) setUser(id, c string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[id] = c
}

func (f *fakeRecords) deleteUser(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, id)
}

type fakeConversations struct {
	mu        sync.Mutex
	turns     map[pairKey][]store.Turn
	appendErr error
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{turns: map[pairKey][]store.Turn{}}
}

func (f *fakeConversations) ConversationHistory(_ context.Context, botID, userID string) ([]store.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	turns := f.turns[pairKey{botID: botID, userID: userID}]
	return append([]store.Turn(nil), turns...), nil
}

func (f *fakeConversations) AppendExchange(_ context.Context, botID, userID, query, reply string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	key := pairKey{botID: botID, userID: userID}
	f.turns[key] = append(f.turns[key],
		store.Turn{Role: store.RoleUser, Text: query},
		store.Turn{Role: store.RoleAssistant, Text: reply},
	)
	return nil
}

func (f *fakeConversations) pairCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns)
}

// backendFunc adapts a function to Backend.
type backendFunc func(ctx context.Context, prompt Prompt) (string, error)

func (f backendFunc) Complete(ctx context.Context, prompt Prompt) (string, error) {
	return f(ctx, prompt)
}

// recordingBackend replies "re: <query>" and keeps every prompt it saw.
type recordingBackend struct {
	mu      sync.Mutex
	prompts []Prompt
	errs    []error // consumed one per call before replying
}

func (b *recordingBackend) Complete(ctx context.Context, prompt Prompt) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prompts = append(b.prompts, prompt)
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "re: " + prompt.Query, nil
}

func (b *recordingBackend) lastPrompt() Prompt {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prompts[len(b.prompts)-1]
}

func (b *recordingBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.prompts)
}

// lenCounter counts one token per byte.
type lenCounter struct{}

func (lenCounter) Count(text string) int { return len(text) }

// pairRefs is the number of turns holding or waiting for the pair's lock.
func (m *SessionManager) pairRefs(key pairKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lock, ok := m.locks[key]; ok {
		return lock.refs
	}
	return 0
}
