package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/linguaworks/lingua/internal/retry"
	"github.com/linguaworks/lingua/internal/workflow"
)

// ListSessions returns all sessions, most recently updated first.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return []Session{}, nil
	}
	return out, nil
}

// CreateSession stores a new session at step.
func (c *Client) CreateSession(ctx context.Context, name string, step workflow.Step) (Session, error) {
	body := map[string]any{"name": name, "current_step": step}
	var out Session
	if err := c.do(ctx, http.MethodPost, "/sessions", body, &out); err != nil {
		return Session{}, err
	}
	if out.ID == "" {
		return Session{}, &TransportError{Endpoint: "/sessions", Message: "store returned a session without id"}
	}
	if out.CurrentStep == "" {
		out.CurrentStep = step
	}
	if out.Name == "" {
		out.Name = name
	}
	return out, nil
}

// UpdateSession applies a partial update to a session.
func (c *Client) UpdateSession(ctx context.Context, id string, u SessionUpdate) error {
	return c.do(ctx, http.MethodPut, "/sessions/"+url.PathEscape(id), u, nil)
}

// DeleteSession removes a session and its messages.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil)
}

// SetErrorState writes the error columns of a session. A zero State clears
// them.
func (c *Client) SetErrorState(ctx context.Context, sessionID string, st retry.State) error {
	hasError := st.HasError
	msg, step, data := st.Message, string(st.Step), st.RetryData
	return c.UpdateSession(ctx, sessionID, SessionUpdate{
		HasError:     &hasError,
		ErrorMessage: &msg,
		ErrorStep:    &step,
		RetryData:    &data,
	})
}

// ListMessages returns a session's messages in chronological order.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]workflow.Message, error) {
	var rows []StoredMessage
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/messages", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]workflow.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Message())
	}
	return out, nil
}

// AddMessage persists m and returns the id the store assigned.
func (c *Client) AddMessage(ctx context.Context, sessionID string, m workflow.Message) (string, error) {
	var out StoredMessage
	path := "/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, NewStoredMessage(m), &out); err != nil {
		return "", err
	}
	return string(out.ID), nil
}

// UpdateMessage applies a partial update to a stored message.
func (c *Client) UpdateMessage(ctx context.Context, id string, u MessageUpdate) error {
	return c.do(ctx, http.MethodPut, "/messages/"+url.PathEscape(id), u, nil)
}

// Settings returns the user's settings map.
func (c *Client) Settings(ctx context.Context) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/settings", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateSettings merges values into the user's settings.
func (c *Client) UpdateSettings(ctx context.Context, values map[string]any) error {
	return c.do(ctx, http.MethodPut, "/settings", map[string]any{"settings": values}, nil)
}

// SelectedMethods returns the keys of the analysis methods the user picked.
func (c *Client) SelectedMethods(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.do(ctx, http.MethodGet, "/selected-methods", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveSelectedMethods replaces the user's selected analysis methods.
func (c *Client) SaveSelectedMethods(ctx context.Context, keys []string) error {
	if keys == nil {
		keys = []string{}
	}
	return c.do(ctx, http.MethodPost, "/selected-methods", map[string]any{"methods": keys}, nil)
}

// AnalysisMethods returns the known analysis methods, built-in and custom.
func (c *Client) AnalysisMethods(ctx context.Context) ([]workflow.CustomMethod, error) {
	var out []workflow.CustomMethod
	if err := c.do(ctx, http.MethodGet, "/analysis-methods", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateAnalysisMethod adds a custom analysis method.
func (c *Client) CreateAnalysisMethod(ctx context.Context, label, description string) (workflow.CustomMethod, error) {
	var out workflow.CustomMethod
	body := map[string]string{"label": label, "description": description}
	if err := c.do(ctx, http.MethodPost, "/analysis-methods", body, &out); err != nil {
		return workflow.CustomMethod{}, err
	}
	return out, nil
}

// DeleteAnalysisMethod removes a custom analysis method.
func (c *Client) DeleteAnalysisMethod(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, "/analysis-methods/"+url.PathEscape(key), nil, nil)
}

// Health checks that the store is reachable.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return err
	}
	if out.Status != "ok" && out.Status != "healthy" {
		return fmt.Errorf("store unhealthy: %q", out.Status)
	}
	return nil
}
