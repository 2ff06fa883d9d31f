package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/linguaworks/lingua/internal/remote"
	"github.com/linguaworks/lingua/internal/wizard"
	"github.com/linguaworks/lingua/internal/workflow"
)

// MCPWizard abstracts the orchestrator for the MCP layer.
type MCPWizard interface {
	SendMessage(ctx context.Context, content string, opts ...wizard.SendOption) (workflow.Message, error)
	SendFeedback(ctx context.Context, fb workflow.Feedback, content string) (workflow.Message, error)
	Retry(ctx context.Context) (workflow.Message, error)
	State() wizard.State
}

// MCPVersions lists the stored prompt versions of a session.
type MCPVersions interface {
	ListVersions(ctx context.Context, sessionID string) ([]remote.VersionRecord, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Wizard   MCPWizard
	Versions MCPVersions // optional; if nil, list_versions returns an error
	Logger   *slog.Logger
}

// NewMCPServer creates an MCP server with the workflow tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"lingua",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("lingua walks a prompt through structure, analysis, generation, optimization and testing. Send a request, then answer each result with feedback."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message to the current workflow step. Starts a session if none is active."),
			mcp.WithString("content", mcp.Description("Message text. May be empty only with template_key at the generation step.")),
			mcp.WithString("template_key", mcp.Description("Regenerate the generation step with this template")),
		),
		mcpSendMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("send_feedback",
			mcp.WithDescription("Answer the current step's result. yes advances to the next step; no and supplement stay on it and need content."),
			mcp.WithString("feedback", mcp.Description("yes, no or supplement"), mcp.Required(), mcp.Enum("yes", "no", "supplement")),
			mcp.WithString("content", mcp.Description("Correction or additional information")),
		),
		mcpSendFeedback(deps),
	)

	s.AddTool(
		mcp.NewTool("retry",
			mcp.WithDescription("Replay the last failed request of the active session."),
		),
		mcpRetry(deps),
	)

	s.AddTool(
		mcp.NewTool("status",
			mcp.WithDescription("Show the active session, its step, and any pending error."),
		),
		mcpStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("list_versions",
			mcp.WithDescription("List the stored prompt versions of the active session."),
		),
		mcpListVersions(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"lingua://session",
			"Active Session",
			mcp.WithResourceDescription("The active session with its full message history as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSession(deps),
	)

	return s
}

// messageView is the tool output for one message.
type messageView struct {
	ID       string            `json:"id,omitempty"`
	Role     workflow.Role     `json:"role"`
	Step     workflow.Step     `json:"step,omitempty"`
	Kind     string            `json:"kind"`
	Content  string            `json:"content"`
	Metadata workflow.Metadata `json:"metadata"`
}

type replyView struct {
	SessionID   string        `json:"session_id"`
	CurrentStep workflow.Step `json:"current_step"`
	Message     messageView   `json:"message"`
}

func viewMessage(m workflow.Message) messageView {
	return messageView{
		ID:       m.ID,
		Role:     m.Role,
		Step:     m.Step,
		Kind:     string(m.Content.Kind),
		Content:  m.Content.String(),
		Metadata: m.Metadata,
	}
}

func mcpReply(deps MCPDeps, msg workflow.Message) *mcp.CallToolResult {
	st := deps.Wizard.State()
	return mcpJSON(replyView{SessionID: st.SessionID, CurrentStep: st.Step, Message: viewMessage(msg)})
}

func mcpSendMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content := req.GetString("content", "")
		var opts []wizard.SendOption
		if key := req.GetString("template_key", ""); key != "" {
			opts = append(opts, wizard.WithTemplate(key))
		}

		msg, err := deps.Wizard.SendMessage(ctx, content, opts...)
		if err != nil {
			return mcpFailure(deps, "send_message", err), nil
		}
		return mcpReply(deps, msg), nil
	}
}

func mcpSendFeedback(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("feedback")
		if err != nil {
			return mcpError("feedback is required"), nil
		}
		fb, err := workflow.ParseFeedback(raw)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		msg, err := deps.Wizard.SendFeedback(ctx, fb, req.GetString("content", ""))
		if err != nil {
			return mcpFailure(deps, "send_feedback", err), nil
		}
		return mcpReply(deps, msg), nil
	}
}

func mcpRetry(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		msg, err := deps.Wizard.Retry(ctx)
		if errors.Is(err, wizard.ErrNoRetry) {
			return mcpError("nothing to retry"), nil
		}
		if err != nil {
			return mcpFailure(deps, "retry", err), nil
		}
		return mcpReply(deps, msg), nil
	}
}

type statusView struct {
	SessionID    string        `json:"session_id,omitempty"`
	SessionName  string        `json:"session_name,omitempty"`
	CurrentStep  workflow.Step `json:"current_step"`
	MessageCount int           `json:"message_count"`
	Loading      bool          `json:"loading"`
	HasError     bool          `json:"has_error"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CanRetry     bool          `json:"can_retry"`
	Feedback     bool          `json:"feedback_enabled"`
	LastMessage  *messageView  `json:"last_message,omitempty"`
}

func mcpStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st := deps.Wizard.State()
		v := statusView{
			SessionID:    st.SessionID,
			SessionName:  st.SessionName,
			CurrentStep:  st.Step,
			MessageCount: len(st.Messages),
			Loading:      st.Loading,
			HasError:     st.HasError,
			ErrorMessage: st.ErrorMessage,
			CanRetry:     st.CanRetry,
			Feedback:     workflow.FeedbackEnabled(st.Step) && st.SessionID != "",
		}
		if n := len(st.Messages); n > 0 {
			last := viewMessage(st.Messages[n-1])
			v.LastMessage = &last
		}
		return mcpJSON(v), nil
	}
}

func mcpListVersions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Versions == nil {
			return mcpError("versions are not available"), nil
		}
		sid := deps.Wizard.State().SessionID
		if sid == "" {
			return mcpError("no active session"), nil
		}
		records, err := deps.Versions.ListVersions(ctx, sid)
		if err != nil {
			return mcpError(fmt.Sprintf("listing versions failed: %v", err)), nil
		}
		if records == nil {
			records = []remote.VersionRecord{}
		}
		return mcpJSON(records), nil
	}
}

func mcpResourceSession(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st := deps.Wizard.State()
		msgs := make([]messageView, len(st.Messages))
		for i, m := range st.Messages {
			msgs[i] = viewMessage(m)
		}
		body := struct {
			wizard.State
			Messages []messageView `json:"messages"`
		}{State: st, Messages: msgs}

		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal session: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// mcpFailure turns an orchestrator error into a tool error. Configuration
// problems and validation failures get their own wording.
func mcpFailure(deps MCPDeps, tool string, err error) *mcp.CallToolResult {
	var ce *remote.ConfigError
	var ve *workflow.ValidationError
	switch {
	case errors.Is(err, wizard.ErrBusy):
		return mcpError("a request is already in progress, try again when it finishes")
	case errors.As(err, &ce):
		return mcpError(ce.Error())
	case errors.As(err, &ve):
		return mcpError(ve.Error())
	case errors.Is(err, wizard.ErrStaleSession):
		return mcpError("the active session changed while the request was running; the result was saved to the original session")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("mcp tool failed", "tool", tool, "err", err)
	return mcpError(fmt.Sprintf("%s failed: %v (use retry to replay it)", tool, err))
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
