package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gwi.com/persona-assistant/internal/observability"
	"gwi.com/persona-assistant/internal/store"
)

// RecordReader is the read side of the user, bot and document stores.
type RecordReader interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetBot(ctx context.Context, id string) (*store.Bot, error)
	ListDocuments(ctx context.Context) ([]store.Document, error)
}

// ConversationStore persists committed conversation turns per (bot, user).
type ConversationStore interface {
	ConversationHistory(ctx context.Context, botID, userID string) ([]store.Turn, error)
	AppendExchange(ctx context.Context, botID, userID, query, reply string) error
}

type pairKey struct {
	botID  string
	userID string
}

// pairLock serializes turns for one pair. refs counts holders and waiters so
// the entry can be dropped once nobody needs it.
type pairLock struct {
	sem  chan struct{}
	refs int
}

// SessionManager runs chat turns. At most one turn per (bot, user) pair is in
// flight at a time; turns for different pairs run in parallel.
type SessionManager struct {
	records       RecordReader
	conversations ConversationStore
	composer      *PromptComposer
	backend       Backend
	timeout       time.Duration

	mu    sync.Mutex
	locks map[pairKey]*pairLock
}

// NewSessionManager wires the turn pipeline. timeout bounds each turn's
// backend call.
func NewSessionManager(records RecordReader, conversations ConversationStore, composer *PromptComposer, backend Backend, timeout time.Duration) (*SessionManager, error) {
	if records == nil {
		return nil, errors.New("core: record reader must not be nil")
	}
	if conversations == nil {
		return nil, errors.New("core: conversation store must not be nil")
	}
	if composer == nil {
		return nil, errors.New("core: prompt composer must not be nil")
	}
	if backend == nil {
		return nil, errors.New("core: backend must not be nil")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("core: backend timeout must be positive, got %s", timeout)
	}
	return &SessionManager{
		records:       records,
		conversations: conversations,
		composer:      composer,
		backend:       backend,
		timeout:       timeout,
		locks:         make(map[pairKey]*pairLock),
	}, nil
}

// Chat runs one turn for the pair and returns the assistant reply. The user
// message and the reply are committed together, and only when the backend
// succeeds; any failure leaves the conversation as it was.
func (m *SessionManager) Chat(ctx context.Context, botID, userID, query string) (string, error) {
	const op = "chat"
	if strings.TrimSpace(query) == "" {
		return "", newError(ErrInvalidInput, op, errors.New("query must not be empty"))
	}

	log := observability.LoggerFromContext(ctx).With("bot_id", botID, "user_id", userID)

	release, err := m.acquire(ctx, pairKey{botID: botID, userID: userID})
	if err != nil {
		return "", fmt.Errorf("%s: waiting for conversation lock: %w", op, err)
	}
	defer release()

	// Read under the lock: a turn that waited sees records as of composition.
	bot, user, err := m.resolve(ctx, op, botID, userID)
	if err != nil {
		return "", err
	}

	docs, err := m.records.ListDocuments(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: failed to load documents: %w", op, err)
	}
	history, err := m.conversations.ConversationHistory(ctx, botID, userID)
	if err != nil {
		return "", fmt.Errorf("%s: failed to load history: %w", op, err)
	}

	composition, err := m.composer.Compose(ComposeInput{
		Template:  bot.SystemPrompt,
		Profile:   user.Context,
		Documents: documentContents(docs),
		History:   history,
		Query:     query,
	})
	if err != nil {
		log.Warn("prompt does not fit the token budget", "error", err)
		return "", err
	}
	log.Debug("prompt composed",
		"history_turns", len(history),
		"sent_turns", len(composition.History),
		"evicted_exchanges", composition.EvictedTurns,
		"system_tokens", composition.SystemTokens,
		"history_tokens", composition.HistoryTokens,
	)

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	reply, err := m.backend.Complete(callCtx, Prompt{
		System:  composition.System,
		History: composition.History,
		Query:   query,
	})
	if err != nil {
		log.Error("backend call failed, turn not committed", "error", err)
		return "", newError(ErrBackendUnavailable, op, err)
	}

	if err := m.conversations.AppendExchange(ctx, botID, userID, query, reply); err != nil {
		// A party deleted during the backend call makes the commit fail.
		if _, _, lookupErr := m.resolve(ctx, op, botID, userID); errors.Is(lookupErr, ErrNotFound) {
			log.Warn("party deleted during turn, turn not committed", "error", lookupErr)
			return "", lookupErr
		}
		log.Error("failed to commit turn", "error", err)
		return "", fmt.Errorf("%s: failed to commit turn: %w", op, err)
	}

	log.Info("turn committed", "history_turns", len(history)+2)
	return reply, nil
}

// History returns the committed turns for the pair, oldest first.
func (m *SessionManager) History(ctx context.Context, botID, userID string) ([]store.Turn, error) {
	if _, _, err := m.resolve(ctx, "history", botID, userID); err != nil {
		return nil, err
	}
	turns, err := m.conversations.ConversationHistory(ctx, botID, userID)
	if err != nil {
		return nil, fmt.Errorf("history: failed to load history: %w", err)
	}
	return turns, nil
}

func (m *SessionManager) resolve(ctx context.Context, op, botID, userID string) (*store.Bot, *store.User, error) {
	bot, err := m.records.GetBot(ctx, botID)
	if err != nil {
		return nil, nil, lookupError(op, "bot", err)
	}
	user, err := m.records.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, lookupError(op, "user", err)
	}
	return bot, user, nil
}

func lookupError(op, kind string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return newError(ErrNotFound, op, err)
	}
	return fmt.Errorf("%s: failed to load %s: %w", op, kind, err)
}

// acquire blocks until the pair's lock is held or ctx is done. The returned
// func releases the lock and must be called exactly once.
func (m *SessionManager) acquire(ctx context.Context, key pairKey) (func(), error) {
	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &pairLock{sem: make(chan struct{}, 1)}
		m.locks[key] = lock
	}
	lock.refs++
	m.mu.Unlock()

	select {
	case lock.sem <- struct{}{}:
		return func() {
			<-lock.sem
			m.unref(key, lock)
		}, nil
	case <-ctx.Done():
		m.unref(key, lock)
		return nil, ctx.Err()
	}
}

func (m *SessionManager) unref(key pairKey, lock *pairLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(m.locks, key)
	}
}

// activePairs is the number of pairs with a turn running or waiting.
func (m *SessionManager) activePairs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func documentContents(docs []store.Document) []string {
	contents := make([]string, len(docs))
	for i, d := range docs {
		contents[i] = d.Content
	}
	return contents
}
