package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/linguaworks/lingua/internal/workflow"
)

// Session is a session row as returned by the store.
type Session struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	CurrentStep     workflow.Step `json:"current_step"`
	CreatedAt       string        `json:"created_at,omitempty"`
	UpdatedAt       string        `json:"updated_at,omitempty"`
	HasError        Flag          `json:"has_error"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	ErrorStep       string        `json:"error_step,omitempty"`
	RetryData       string        `json:"retry_data,omitempty"`
	MessageCount    int           `json:"message_count,omitempty"`
	LastMessageTime string        `json:"last_message_time,omitempty"`
}

// SessionUpdate is a partial session update. Nil fields are left alone; an
// empty string clears a text column.
type SessionUpdate struct {
	Name         *string        `json:"name,omitempty"`
	CurrentStep  *workflow.Step `json:"current_step,omitempty"`
	HasError     *bool          `json:"has_error,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	ErrorStep    *string        `json:"error_step,omitempty"`
	RetryData    *string        `json:"retry_data,omitempty"`
}

// Flag decodes booleans that backends send as true/false, 0/1 or "0"/"1".
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(bytes.TrimSpace(data), `"`))
	switch s {
	case "", "null":
		*f = false
		return nil
	}
	if b, err := strconv.ParseBool(s); err == nil {
		*f = Flag(b)
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid flag %s", data)
	}
	*f = n != 0
	return nil
}

// ID decodes identifiers that backends send as numbers or strings.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return fmt.Errorf("invalid id %s", data)
	}
	*id = ID(n.String())
	return nil
}

// StoredMessage is a message row as exchanged with the store.
type StoredMessage struct {
	ID        ID                `json:"id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Type      workflow.Role     `json:"type"`
	Content   workflow.Content  `json:"content"`
	Step      workflow.Step     `json:"step,omitempty"`
	Metadata  workflow.Metadata `json:"metadata"`
	Thinking  string            `json:"thinking,omitempty"`
	Timestamp string            `json:"timestamp,omitempty"`
}

// NewStoredMessage prepares a local message for persistence.
func NewStoredMessage(m workflow.Message) StoredMessage {
	return StoredMessage{
		Type:     m.Role,
		Content:  m.Content,
		Step:     m.Step,
		Metadata: m.Metadata,
	}
}

// Message converts the row into the local message model.
func (s StoredMessage) Message() workflow.Message {
	m := workflow.Message{
		ID:       string(s.ID),
		Role:     s.Type,
		Content:  s.Content,
		Step:     s.Step,
		Metadata: s.Metadata,
	}
	if m.Role != workflow.RoleUser {
		m.Role = workflow.RoleAssistant
	}
	if m.Metadata.Thinking == "" {
		m.Metadata.Thinking = s.Thinking
	}
	m.Timestamp = parseTime(s.Timestamp)
	m.Normalize()
	return m
}

// MessageUpdate is a partial message update.
type MessageUpdate struct {
	Content  *string            `json:"content,omitempty"`
	Metadata *workflow.Metadata `json:"metadata,omitempty"`
	Thinking *string            `json:"thinking,omitempty"`
}

// VersionRecord is a stored prompt version.
type VersionRecord struct {
	ID            int64           `json:"id"`
	VersionNumber int             `json:"version_number"`
	VersionName   string          `json:"version_name,omitempty"`
	PromptContent string          `json:"prompt_content"`
	TestResult    string          `json:"test_result,omitempty"`
	VersionType   string          `json:"version_type"`
	CreatedAt     string          `json:"created_at,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

const (
	VersionOriginal     = "original"
	VersionOptimized    = "optimized"
	VersionUserModified = "user_modified"
)

// NewVersion is the body of a create-version call.
type NewVersion struct {
	PromptContent string         `json:"prompt_content"`
	TestResult    string         `json:"test_result"`
	VersionType   string         `json:"version_type"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// CreatedVersion identifies a version the service just stored.
type CreatedVersion struct {
	VersionID     int64 `json:"version_id"`
	VersionNumber *int  `json:"version_number"`
}

// ChatTestMessage is one message of a version's chat-test history.
type ChatTestMessage struct {
	ID             int64  `json:"id"`
	MessageType    string `json:"message_type"`
	Content        string `json:"content"`
	MessageOrder   int    `json:"message_order"`
	CreatedAt      string `json:"created_at,omitempty"`
	ResponseTimeMs *int   `json:"response_time_ms,omitempty"`
	TokenCount     *int   `json:"token_count,omitempty"`
}

// ChatTestMessageInput is the body of a save-chat-test-message call.
type ChatTestMessageInput struct {
	SessionID      string         `json:"session_id"`
	VersionID      int64          `json:"version_id"`
	MessageType    string         `json:"message_type"`
	Content        string         `json:"content"`
	ResponseTimeMs *int           `json:"response_time_ms,omitempty"`
	TokenCount     *int           `json:"token_count,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ChatTestReply is the model's answer to a chat-test message.
type ChatTestReply struct {
	Response    string            `json:"response"`
	Suggestions []json.RawMessage `json:"suggestions,omitempty"`
}

// DiffAnalysis is a saved diff explanation for a pair of versions.
type DiffAnalysis struct {
	LeftMessageIDs  []int64 `json:"left_message_ids"`
	RightMessageIDs []int64 `json:"right_message_ids"`
	Explanation     string  `json:"explanation"`
	UpdatedAt       string  `json:"updated_at,omitempty"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
