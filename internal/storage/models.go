package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

type Session struct {
	ID           string
	Name         string
	CurrentStep  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	HasError     bool
	ErrorMessage string
	ErrorStep    string
	RetryData    string // JSON object stored as text

	// Filled by ListSessions only.
	MessageCount    int
	LastMessageTime time.Time
}

// SessionPatch is a partial session update. Nil fields are left unchanged.
type SessionPatch struct {
	Name         *string
	CurrentStep  *string
	HasError     *bool
	ErrorMessage *string
	ErrorStep    *string
	RetryData    *string
}

// Empty reports whether the patch changes nothing.
func (p SessionPatch) Empty() bool {
	return p.Name == nil && p.CurrentStep == nil && p.HasError == nil &&
		p.ErrorMessage == nil && p.ErrorStep == nil && p.RetryData == nil
}

type Message struct {
	ID        int64
	SessionID string
	Type      string
	Content   string // text, or a JSON object for test results
	Step      string
	Metadata  string // JSON object stored as text
	Thinking  string
	Timestamp time.Time
}

// MessagePatch is a partial message update. Nil fields are left unchanged.
type MessagePatch struct {
	Content  *string
	Metadata *string
	Thinking *string
}

type AnalysisMethod struct {
	Key         string
	Label       string
	Description string
	IsCustom    bool
	SortOrder   int
}
