package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/linguaworks/lingua/internal/workflow"
)

// StepRequest is the body of a step endpoint call. Analysis is set only for
// the analysis step; TemplateKey only for template regeneration.
type StepRequest struct {
	SessionID   string
	Content     string
	Analysis    *workflow.AnalysisConfig
	TemplateKey string
}

func (r StepRequest) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"session_id": r.SessionID,
		"content":    r.Content,
	}
	addAnalysis(m, r.Analysis)
	if r.TemplateKey != "" {
		m["template_key"] = r.TemplateKey
	}
	return json.Marshal(m)
}

// FeedbackRequest is the body of a feedback endpoint call.
type FeedbackRequest struct {
	SessionID string
	Feedback  workflow.Feedback
	Content   string
	Analysis  *workflow.AnalysisConfig
}

func (r FeedbackRequest) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"session_id": r.SessionID,
		"feedback":   r.Feedback,
		"content":    r.Content,
	}
	addAnalysis(m, r.Analysis)
	return json.Marshal(m)
}

func addAnalysis(m map[string]any, cfg *workflow.AnalysisConfig) {
	if cfg == nil {
		return
	}
	m["auto_select"] = cfg.AutoSelect
	m["selected_methods"] = cfg.RequestMethods()
	if custom := cfg.RequestCustomMethods(); custom != nil {
		m["custom_methods"] = custom
	}
}

// RunStep calls the endpoint that executes step and returns its raw result.
func (c *Client) RunStep(ctx context.Context, step workflow.Step, req StepRequest) (json.RawMessage, error) {
	return c.call(ctx, http.MethodPost, "/"+workflow.SendEndpoint(step), req)
}

// SendFeedback posts a feedback verdict for step and returns the raw result.
func (c *Client) SendFeedback(ctx context.Context, step workflow.Step, req FeedbackRequest) (json.RawMessage, error) {
	endpoint, ok := workflow.FeedbackEndpoint(step)
	if !ok {
		return nil, workflow.Invalid("feedback", "step %s does not accept feedback", step)
	}
	return c.call(ctx, http.MethodPost, "/"+endpoint, req)
}

// ValidateModelConfig checks that the model configuration is complete.
func (c *Client) ValidateModelConfig(ctx context.Context) error {
	return c.validate(ctx, "/validate-model-config", "model")
}

// ValidateAnalysisConfig checks that the analysis configuration is complete.
func (c *Client) ValidateAnalysisConfig(ctx context.Context) error {
	return c.validate(ctx, "/validate-analysis-config", "analysis")
}

func (c *Client) validate(ctx context.Context, path, scope string) error {
	var resp struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Result  struct {
			Message       string   `json:"message"`
			MissingFields []string `json:"missing_fields"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			ce.Scope = scope
			return ce
		}
		return &ConfigError{Scope: scope, Message: "configuration check failed", Err: err}
	}
	if resp.Status == "success" {
		return nil
	}
	msg := resp.Result.Message
	if msg == "" {
		msg = resp.Message
	}
	if msg == "" {
		msg = fmt.Sprintf("the %s configuration is incomplete", scope)
	}
	return &ConfigError{Scope: scope, Message: msg, MissingFields: resp.Result.MissingFields}
}
