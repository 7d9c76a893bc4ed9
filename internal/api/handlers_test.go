package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/persona-assistant/internal/core"
	"gwi.com/persona-assistant/internal/store"
	"gwi.com/persona-assistant/internal/utils"
)

// scriptedBackend replies "answer to <query>" and records each prompt. A
// non-nil err fails every call; onCall runs before the reply.
type scriptedBackend struct {
	mu      sync.Mutex
	err     error
	onCall  func(ctx context.Context) error
	prompts []core.Prompt
}

func (b *scriptedBackend) Complete(ctx context.Context, p core.Prompt) (string, error) {
	b.mu.Lock()
	b.prompts = append(b.prompts, p)
	err, onCall := b.err, b.onCall
	b.mu.Unlock()

	if err != nil {
		return "", err
	}
	if onCall != nil {
		if err := onCall(ctx); err != nil {
			return "", err
		}
	}
	return "answer to " + p.Query, nil
}

func (b *scriptedBackend) last() core.Prompt {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prompts[len(b.prompts)-1]
}

type testServer struct {
	t       *testing.T
	handler http.Handler
	store   *store.SQLiteStore
	backend *scriptedBackend
}

func newTestServer(t *testing.T, budget int) *testServer {
	t.Helper()
	return newTestServerWithTimeout(t, budget, time.Minute)
}

func newTestServerWithTimeout(t *testing.T, budget int, requestTimeout time.Duration) *testServer {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"), utils.EstimateCounter{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	composer, err := core.NewPromptComposer(utils.EstimateCounter{}, budget, 0.1)
	require.NoError(t, err)
	backend := &scriptedBackend{}
	sessions, err := core.NewSessionManager(st, st, composer, backend, time.Second)
	require.NoError(t, err)

	return &testServer{
		t:       t,
		handler: NewRouter(NewAPIHandler(st, sessions), []string{"*"}, requestTimeout),
		store:   st,
		backend: backend,
	}
}

func (s *testServer) do(method, path, body string) (int, map[string]any) {
	s.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func (s *testServer) create(path, body, idField string) string {
	s.t.Helper()
	code, out := s.do(http.MethodPost, path, body)
	require.Equal(s.t, http.StatusCreated, code, out)
	id, ok := out[idField].(string)
	require.True(s.t, ok, out)
	return id
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, 8192)
	code, out := s.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", out["status"])
}

func TestUserLifecycle(t *testing.T) {
	s := newTestServer(t, 8192)
	id := s.create("/user", `{"context":"Alice, 25"}`, "user_id")

	code, out := s.do(http.MethodGet, "/user/"+id, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Alice, 25", out["user_context"])

	code, _ = s.do(http.MethodPut, "/user/"+id, `{"context":"Alice, 26"}`)
	require.Equal(t, http.StatusOK, code)
	_, out = s.do(http.MethodGet, "/user/"+id, "")
	assert.Equal(t, "Alice, 26", out["user_context"])

	code, _ = s.do(http.MethodDelete, "/user/"+id, "")
	require.Equal(t, http.StatusOK, code)
	code, out = s.do(http.MethodGet, "/user/"+id, "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotEmpty(t, out["detail"])

	code, _ = s.do(http.MethodPut, "/user/missing", `{"context":"x"}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDocumentAccounting(t *testing.T) {
	s := newTestServer(t, 8192)

	code, out := s.do(http.MethodPost, "/doc", `{"value":["aaaa","bbbbbbbb"]}`)
	require.Equal(t, http.StatusCreated, code)
	first := out["doc_ids"].([]any)[0].(string)

	code, out = s.do(http.MethodPost, "/doc", `{"value":"cccc"}`)
	require.Equal(t, http.StatusCreated, code)
	require.Len(t, out["doc_ids"], 1)

	code, out = s.do(http.MethodGet, "/doc", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(3), out["num_docs"])
	assert.Equal(t, float64(1+2+1), out["total_tokens"])

	code, out = s.do(http.MethodGet, "/doc/"+first, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "aaaa", out["document"])
	assert.Equal(t, float64(1), out["num_tokens"])

	code, _ = s.do(http.MethodPut, "/doc/"+first, `{"value":"aaaaaaaaaaaa"}`)
	require.Equal(t, http.StatusOK, code)

	code, out = s.do(http.MethodGet, "/doc-all", "")
	require.Equal(t, http.StatusOK, code)
	items := out["items"].([]any)
	require.Len(t, items, 3)
	firstItem := items[0].([]any)
	assert.Equal(t, first, firstItem[0])
	assert.Equal(t, "aaaaaaaaaaaa", firstItem[1])
	assert.Equal(t, float64(3), firstItem[2])
	assert.Equal(t, float64(3+2+1), out["total_tokens"])

	code, _ = s.do(http.MethodDelete, "/doc/"+first, "")
	require.Equal(t, http.StatusOK, code)
	code, _ = s.do(http.MethodGet, "/doc/"+first, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(http.MethodDelete, "/doc-all", "")
	require.Equal(t, http.StatusOK, code)
	_, out = s.do(http.MethodGet, "/doc", "")
	assert.Equal(t, float64(0), out["num_docs"])
	assert.Equal(t, float64(0), out["total_tokens"])
}

func TestDocumentValidation(t *testing.T) {
	s := newTestServer(t, 8192)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{name: "malformed json", method: http.MethodPost, path: "/doc", body: `{"value":`},
		{name: "wrong value type", method: http.MethodPost, path: "/doc", body: `{"value":42}`},
		{name: "empty list", method: http.MethodPost, path: "/doc", body: `{"value":[]}`},
		{name: "missing value", method: http.MethodPost, path: "/doc", body: `{}`},
		{name: "update without value", method: http.MethodPut, path: "/doc/anything", body: `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := s.do(tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.NotEmpty(t, out["detail"])
		})
	}
}

func TestBotLifecycle(t *testing.T) {
	s := newTestServer(t, 8192)
	id := s.create("/bot", `{"system_prompt":"You help {user_context}"}`, "bot_id")

	code, out := s.do(http.MethodGet, "/bot/"+id, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "You help {user_context}", out["system_prompt"])

	code, _ = s.do(http.MethodPut, "/bot/"+id, `{"system_prompt":"Be brief."}`)
	require.Equal(t, http.StatusOK, code)
	_, out = s.do(http.MethodGet, "/bot/"+id, "")
	assert.Equal(t, "Be brief.", out["system_prompt"])

	code, _ = s.do(http.MethodDelete, "/bot/"+id, "")
	require.Equal(t, http.StatusOK, code)
	code, _ = s.do(http.MethodGet, "/bot/"+id, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestChatEndToEnd(t *testing.T) {
	s := newTestServer(t, 8192)
	userID := s.create("/user", `{"context":"Bob, 30, wants a laptop"}`, "user_id")
	botID := s.create("/bot", `{"system_prompt":"Help {user_context} find: {document_context}"}`, "bot_id")
	code, _ := s.do(http.MethodPost, "/doc", `{"value":"Laptop X, $900"}`)
	require.Equal(t, http.StatusCreated, code)

	chatPath := "/bot/" + botID + "/chat/" + userID
	code, out := s.do(http.MethodPost, chatPath, `{"query":"any deals?"}`)
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, "answer to any deals?", out["response"])
	assert.Equal(t, "Help Bob, 30, wants a laptop find: Laptop X, $900", s.backend.last().System)

	code, _ = s.do(http.MethodPost, chatPath, `{"query":"cheaper?"}`)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, s.backend.last().History, 2)

	code, out = s.do(http.MethodGet, chatPath, "")
	require.Equal(t, http.StatusOK, code)
	turns := out["turns"].([]any)
	require.Len(t, turns, 4)
	assert.Equal(t, map[string]any{"role": "user", "text": "any deals?"}, turns[0])
	assert.Equal(t, map[string]any{"role": "assistant", "text": "answer to any deals?"}, turns[1])

	code, _ = s.do(http.MethodDelete, "/user/"+userID, "")
	require.Equal(t, http.StatusOK, code)
	code, out = s.do(http.MethodPost, chatPath, `{"query":"still there?"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotEmpty(t, out["detail"])
}

func TestChatErrorMapping(t *testing.T) {
	s := newTestServer(t, 100)
	userID := s.create("/user", `{"context":"Bob"}`, "user_id")
	botID := s.create("/bot", `{"system_prompt":"{document_context}"}`, "bot_id")
	chatPath := "/bot/" + botID + "/chat/" + userID

	code, _ := s.do(http.MethodPost, chatPath, `{"query":""}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(http.MethodPost, chatPath, `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(http.MethodPost, "/bot/missing/chat/"+userID, `{"query":"hi"}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(http.MethodGet, "/bot/"+botID+"/chat/missing", "")
	assert.Equal(t, http.StatusNotFound, code)

	s.backend.err = errors.New("model down")
	code, out := s.do(http.MethodPost, chatPath, `{"query":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.NotContains(t, out["detail"], "model down")
	s.backend.err = nil

	code, _ = s.do(http.MethodPost, "/doc", `{"value":"`+strings.Repeat("x", 1000)+`"}`)
	require.Equal(t, http.StatusCreated, code)
	code, _ = s.do(http.MethodPost, chatPath, `{"query":"hi"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)

	_, out = s.do(http.MethodGet, chatPath, "")
	assert.Empty(t, out["turns"])
}

func TestChatPartyDeletedDuringTurn(t *testing.T) {
	s := newTestServer(t, 8192)
	userID := s.create("/user", `{"context":"Bob"}`, "user_id")
	botID := s.create("/bot", `{"system_prompt":"Help {user_context}"}`, "bot_id")
	s.backend.onCall = func(ctx context.Context) error {
		return s.store.DeleteUser(ctx, userID)
	}

	code, out := s.do(http.MethodPost, "/bot/"+botID+"/chat/"+userID, `{"query":"hi"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotEmpty(t, out["detail"])
}

func TestRequestTimeoutCancelsChat(t *testing.T) {
	s := newTestServerWithTimeout(t, 8192, 50*time.Millisecond)
	userID := s.create("/user", `{"context":"Bob"}`, "user_id")
	botID := s.create("/bot", `{"system_prompt":"Help {user_context}"}`, "bot_id")
	s.backend.onCall = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	start := time.Now()
	code, _ := s.do(http.MethodPost, "/bot/"+botID+"/chat/"+userID, `{"query":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	// The session timeout is one second; the request deadline fired first.
	assert.Less(t, time.Since(start), 900*time.Millisecond)

	_, out := s.do(http.MethodGet, "/bot/"+botID+"/chat/"+userID, "")
	assert.Empty(t, out["turns"])
}
