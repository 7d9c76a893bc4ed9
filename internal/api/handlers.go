package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"gwi.com/persona-assistant/internal/core"
	"gwi.com/persona-assistant/internal/observability"
	"gwi.com/persona-assistant/internal/store"
)

type APIHandler struct {
	records  *store.SQLiteStore
	sessions *core.SessionManager
}

func NewAPIHandler(records *store.SQLiteStore, sessions *core.SessionManager) *APIHandler {
	return &APIHandler{records: records, sessions: sessions}
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

// writeError maps err onto a status code. Unexpected errors are logged and
// reported without their cause.
func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeDetail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrInvalidInput):
		writeDetail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrContextTooLarge):
		writeDetail(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, core.ErrBackendUnavailable):
		observability.LoggerFromContext(r.Context()).Error("backend unavailable", "path", r.URL.Path, "error", err)
		writeDetail(w, http.StatusServiceUnavailable, "completion backend unavailable")
	default:
		observability.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		writeDetail(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type UserRequest struct {
	Context string `json:"context"`
}

func (h *APIHandler) CreateUserHandler(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := h.records.CreateUser(r.Context(), req.Context)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"user_id": user.ID})
}

func (h *APIHandler) GetUserHandler(w http.ResponseWriter, r *http.Request) {
	user, err := h.records.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_context": user.Context})
}

func (h *APIHandler) UpdateUserHandler(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.records.UpdateUser(r.Context(), chi.URLParam(r, "userID"), req.Context); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *APIHandler) DeleteUserHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.records.DeleteUser(r.Context(), chi.URLParam(r, "userID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// documentValues accepts either a single JSON string or a list of strings.
type documentValues []string

func (v *documentValues) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*v = documentValues{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.New("value must be a string or a list of strings")
	}
	*v = many
	return nil
}

type CreateDocumentsRequest struct {
	Value documentValues `json:"value"`
}

type UpdateDocumentRequest struct {
	Value *string `json:"value"`
}

func (h *APIHandler) CreateDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Value) == 0 {
		writeDetail(w, http.StatusBadRequest, "value must contain at least one document")
		return
	}
	docs, err := h.records.CreateDocuments(r.Context(), req.Value)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	writeJSON(w, http.StatusCreated, map[string][]string{"doc_ids": ids})
}

func (h *APIHandler) DocumentStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.records.DocumentStats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *APIHandler) GetDocumentHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := h.records.GetDocument(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Document  string `json:"document"`
		NumTokens int    `json:"num_tokens"`
	}{doc.Content, doc.TokenCount})
}

func (h *APIHandler) UpdateDocumentHandler(w http.ResponseWriter, r *http.Request) {
	var req UpdateDocumentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Value == nil {
		writeDetail(w, http.StatusBadRequest, "value is required")
		return
	}
	if err := h.records.UpdateDocument(r.Context(), chi.URLParam(r, "docID"), *req.Value); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *APIHandler) DeleteDocumentHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.records.DeleteDocument(r.Context(), chi.URLParam(r, "docID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type ListDocumentsResponse struct {
	Items       [][]any `json:"items"` // [id, content, num_tokens]
	TotalTokens int     `json:"total_tokens"`
}

func (h *APIHandler) ListDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	docs, err := h.records.ListDocuments(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := ListDocumentsResponse{Items: make([][]any, 0, len(docs))}
	for _, d := range docs {
		resp.Items = append(resp.Items, []any{d.ID, d.Content, d.TokenCount})
		resp.TotalTokens += d.TokenCount
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) ClearDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.records.ClearDocuments(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type BotRequest struct {
	SystemPrompt string `json:"system_prompt"`
}

func (h *APIHandler) CreateBotHandler(w http.ResponseWriter, r *http.Request) {
	var req BotRequest
	if !decodeBody(w, r, &req) {
		return
	}
	bot, err := h.records.CreateBot(r.Context(), req.SystemPrompt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"bot_id": bot.ID})
}

func (h *APIHandler) GetBotHandler(w http.ResponseWriter, r *http.Request) {
	bot, err := h.records.GetBot(r.Context(), chi.URLParam(r, "botID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"system_prompt": bot.SystemPrompt})
}

func (h *APIHandler) UpdateBotHandler(w http.ResponseWriter, r *http.Request) {
	var req BotRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.records.UpdateBot(r.Context(), chi.URLParam(r, "botID"), req.SystemPrompt); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *APIHandler) DeleteBotHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.records.DeleteBot(r.Context(), chi.URLParam(r, "botID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type ChatRequest struct {
	Query string `json:"query"`
}

func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeDetail(w, http.StatusBadRequest, "query cannot be empty")
		return
	}

	reply, err := h.sessions.Chat(r.Context(), chi.URLParam(r, "botID"), chi.URLParam(r, "userID"), req.Query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": reply})
}

type turnResponse struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func (h *APIHandler) ChatHistoryHandler(w http.ResponseWriter, r *http.Request) {
	turns, err := h.sessions.History(r.Context(), chi.URLParam(r, "botID"), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := make([]turnResponse, len(turns))
	for i, t := range turns {
		resp[i] = turnResponse{Role: t.Role, Text: t.Text}
	}
	writeJSON(w, http.StatusOK, map[string][]turnResponse{"turns": resp})
}
