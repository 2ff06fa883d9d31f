package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/linguaworks/lingua/internal/storage"
	"github.com/linguaworks/lingua/internal/workflow"
)

const maxRequestBodySize = 1 << 20 // 1MB

// StoreDeps holds dependencies for the session store server.
type StoreDeps struct {
	Store   *storage.Store
	Token   string   // bearer token; empty disables auth
	Origins []string // CORS origins; empty disables CORS headers
	Logger  *slog.Logger
}

// NewStoreHandler returns an http.Handler serving the session store API under
// /api.
func NewStoreHandler(deps StoreDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	if len(deps.Origins) > 0 {
		r.Use(CORS(deps.Origins))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(deps.Token))

			r.Get("/sessions", handleListSessions(deps))
			r.Post("/sessions", handleCreateSession(deps))
			r.Put("/sessions/{id}", handleUpdateSession(deps))
			r.Delete("/sessions/{id}", handleDeleteSession(deps))
			r.Get("/sessions/{id}/messages", handleListMessages(deps))
			r.Post("/sessions/{id}/messages", handleAddMessage(deps))
			r.Put("/messages/{id}", handleUpdateMessage(deps))

			r.Get("/settings", handleGetSettings(deps))
			r.Put("/settings", handlePutSettings(deps))
			r.Get("/analysis-methods", handleListMethods(deps))
			r.Post("/analysis-methods", handleCreateMethod(deps))
			r.Delete("/analysis-methods/{key}", handleDeleteMethod(deps))
			r.Get("/selected-methods", handleGetSelected(deps))
			r.Post("/selected-methods", handleSaveSelected(deps))
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// --- wire types ---

type sessionJSON struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	CurrentStep     string  `json:"current_step"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
	HasError        bool    `json:"has_error"`
	ErrorMessage    string  `json:"error_message"`
	ErrorStep       string  `json:"error_step"`
	RetryData       string  `json:"retry_data"`
	MessageCount    int     `json:"message_count"`
	LastMessageTime *string `json:"last_message_time"`
}

func toSessionJSON(s storage.Session) sessionJSON {
	out := sessionJSON{
		ID:           s.ID,
		Name:         s.Name,
		CurrentStep:  s.CurrentStep,
		CreatedAt:    formatTime(s.CreatedAt),
		UpdatedAt:    formatTime(s.UpdatedAt),
		HasError:     s.HasError,
		ErrorMessage: s.ErrorMessage,
		ErrorStep:    s.ErrorStep,
		RetryData:    s.RetryData,
		MessageCount: s.MessageCount,
	}
	if !s.LastMessageTime.IsZero() {
		t := formatTime(s.LastMessageTime)
		out.LastMessageTime = &t
	}
	return out
}

type messageJSON struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	Step      string          `json:"step"`
	Metadata  json.RawMessage `json:"metadata"`
	Thinking  string          `json:"thinking,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func toMessageJSON(m storage.Message) messageJSON {
	return messageJSON{
		ID:        m.ID,
		SessionID: m.SessionID,
		Type:      m.Type,
		Content:   contentJSON(m.Content),
		Step:      m.Step,
		Metadata:  metadataJSON(m.Metadata),
		Thinking:  m.Thinking,
		Timestamp: formatTime(m.Timestamp),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// contentJSON returns stored content as JSON: objects and arrays are emitted
// as-is, everything else as a string.
func contentJSON(s string) json.RawMessage {
	trimmed := bytes.TrimSpace([]byte(s))
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	b, _ := json.Marshal(s)
	return b
}

func metadataJSON(s string) json.RawMessage {
	trimmed := bytes.TrimSpace([]byte(s))
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	return json.RawMessage(`{}`)
}

// contentText converts a request content value to its stored form. Strings
// are stored verbatim; other values are stored as compact JSON.
func contentText(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw), true
	}
	return buf.String(), true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func storeFailure(w http.ResponseWriter, deps StoreDeps, op string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found_error", "%s: not found", op)
		return
	}
	deps.Logger.Error("store request failed", "op", op, "err", err)
	httpError(w, http.StatusInternalServerError, "api_error", "%s failed: %v", op, err)
}

// --- sessions ---

func handleListSessions(deps StoreDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := deps.Store.ListSessions()
		if err != nil {
			storeFailure(w, deps, "list sessions", err)
			return
		}
		out := make([]sessionJSON, len(sessions))
		for i, s := range sessions {
			out[i] = toSessionJSON(s)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type createSessionRequest struct {
	Name        string `json:"name"`
	CurrentStep string `json:"current_step"`
	Step        string `json:"step"`
}

func handleCreateSession(deps StoreDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSessionRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		if req.Name == "" {
			req.Name = "Conversation " + time.Now().Format("2006-01-02 15:04:05")
		}
		step := req.CurrentStep
		if step == "" {
			step = req.Step
		}
		if step == "" {
			step = string(workflow.StepStructure)
		}
		if !workflow.Step(step).Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown step %q", step)
			return
		}

		s, err := deps.Store.CreateSession(req.Name, step)
		if err != nil {
			storeFailure(w, deps, "create session", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{
			"id":           s.ID,
			"name":         s.Name,
			"current_step": s.CurrentStep,
		})
	}
}

type updateSessionRequest struct {
	Name         *string `json:"name"`
	Step         *string `json:"step"`
	CurrentStep  *string `json:"current_step"`
	HasError     *bool   `json:"has_error"`
	ErrorMessage *string `json:"error_message"`
	ErrorStep    *string `json:"error_step"`
	RetryData    *string `json:"retry_data"`
}

func handleUpdateSession(deps StoreDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateSessionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		step := req.CurrentStep
		if step == nil {
			step = req.Step
		}
		if step != nil && !workflow.Step(*step).Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown step %q", *step)
			return
		}

		patch := storage.SessionPatch{
			Name:         req.Name,
			CurrentStep:  step,
			HasError:     req.HasError,
			ErrorMessage: req.ErrorMessage,
			ErrorStep:    req.ErrorStep,
			RetryData:    req.RetryData,
		}
		if patch.Empty() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no fields to update")
			return
		}
		if err := deps.Store.UpdateSession(chi.URLParam(r, "id"), patch); err != nil {
			storeFailure(w, deps, "update session", err)
			return
		}
		writeSuccess(w)
	}
}

func handleDeleteSession(deps StoreDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteSession(chi.URLParam(r, "id")); err != nil {
			storeFailure(w, deps, "delete session", err)
			return
		}
		writeSuccess(w)
	}
}

// --- messages ---

func handleListMessages(deps StoreDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs, err := deps.Store.ListMessages(chi.URLParam(r, "id"))
		if err != nil {
			storeFailure(w, deps, "list messages", err)
			return
		}
		out := make([]messageJSON, len(msgs))
		for i, m := range msgs {
			out[i] = toMessageJSON(m)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type messageRequest struct {
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content"`
	Step     string          `json:"step"`
	Metadata json.RawMessage `json:"metadata"`
	Thinking *string         `json:"thinking"`
}

func handleAddMessage(deps StoreDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req messageRequest
		if !decodeBody(w, r, &req) {
			return
		}
		content, ok := contentText(req.Content)
		if req.Type == "" || !ok {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "type and content are required")
			return
		}

		m := storage.Message{
			SessionID: chi.URLParam(r, "id"),
			Type:      req.Type,
			Content:   content,
			Step:      req.Step,
		}
		if meta, ok := contentText(req.Metadata); ok {
			m.Metadata = meta
		}
		if req.Thinking != nil {
			m.Thinking = *req.Thinking
		}

		stored, err := deps.Store.AddMessage(m)
		if err != nil {
			storeFailure(w, deps, "add message", err)
			return
		}
		writeJSON(w, http.StatusCreated, toMessageJSON(stored))
	}
}

func handleUpdateMessage(deps StoreDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid message id")
			return
		}
		var req messageRequest
		if !decodeBody(w, r, &req) {
			return
		}

		var patch storage.MessagePatch
		if content, ok := contentText(req.Content); ok {
			patch.Content = &content
		}
		if meta, ok := contentText(req.Metadata); ok {
			patch.Metadata = &meta
		}
		patch.Thinking = req.Thinking
		if patch.Content == nil && patch.Metadata == nil && patch.Thinking == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no fields to update")
			return
		}

		if err := deps.Store.UpdateMessage(id, patch); err != nil {
			storeFailure(w, deps, "update message", err)
			return
		}
		writeSuccess(w)
	}
}

// --- settings ---

func handleGetSettings(deps StoreDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings, err := deps.Store.Settings()
		if err != nil {
			storeFailure(w, deps, "get settings", err)
			return
		}
		out := make(map[string]json.RawMessage, len(settings))
		for k, v := range settings {
			if json.Valid([]byte(v)) {
				out[k] = json.RawMessage(v)
				continue
			}
			b, _ := json.Marshal(v)
			out[k] = b
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handlePutSettings(deps StoreDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Settings map[string]json.RawMessage `json:"settings"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Settings) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "settings is required")
			return
		}
		values := make(map[string]string, len(req.Settings))
		for k, v := range req.Settings {
			var buf bytes.Buffer
			if err := json.Compact(&buf, v); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid value for %q", k)
				return
			}
			values[k] = buf.String()
		}
		if err := deps.Store.PutSettings(values); err != nil {
			storeFailure(w, deps, "save settings", err)
			return
		}
		writeSuccess(w)
	}
}

// --- analysis methods ---

func methodJSON(m storage.AnalysisMethod) workflow.CustomMethod {
	return workflow.CustomMethod{
		MethodKey:   m.Key,
		Label:       m.Label,
		Description: m.Description,
		IsCustom:    m.IsCustom,
	}
}

func handleListMethods(deps StoreDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		methods, err := deps.Store.AnalysisMethods()
		if err != nil {
			storeFailure(w, deps, "list analysis methods", err)
			return
		}
		out := make([]workflow.CustomMethod, len(methods))
		for i, m := range methods {
			out[i] = methodJSON(m)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleCreateMethod(deps StoreDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Label       string `json:"label"`
			Description string `json:"description"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Label == "" || req.Description == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "label and description cannot be empty")
			return
		}
		m, err := deps.Store.CreateCustomMethod(req.Label, req.Description)
		if err != nil {
			storeFailure(w, deps, "create analysis method", err)
			return
		}
		writeJSON(w, http.StatusCreated, methodJSON(m))
	}
}

func handleDeleteMethod(deps StoreDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteCustomMethod(chi.URLParam(r, "key")); err != nil {
			storeFailure(w, deps, "delete analysis method", err)
			return
		}
		writeSuccess(w)
	}
}

func handleGetSelected(deps StoreDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := deps.Store.SelectedMethods()
		if err != nil {
			storeFailure(w, deps, "get selected methods", err)
			return
		}
		writeJSON(w, http.StatusOK, keys)
	}
}

func handleSaveSelected(deps StoreDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Methods []string `json:"methods"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := deps.Store.SetSelectedMethods(req.Methods); err != nil {
			storeFailure(w, deps, "save selected methods", err)
			return
		}
		writeSuccess(w)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
