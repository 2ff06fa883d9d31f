// Package transcript renders a session, its messages and its prompt versions
// as a portable JSON or YAML document.
package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linguaworks/lingua/internal/remote"
	"github.com/linguaworks/lingua/internal/workflow"
)

// Format selects the output encoding.
type Format string

const (
	JSON Format = "json"
	YAML Format = "yaml"
)

// ParseFormat accepts "json", "yaml" or "yml".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json", "":
		return JSON, nil
	case "yaml", "yml":
		return YAML, nil
	}
	return "", fmt.Errorf("unknown transcript format %q (want json or yaml)", s)
}

// Transcript is the exported form of one session.
type Transcript struct {
	Session    Session   `json:"session" yaml:"session"`
	Messages   []Message `json:"messages" yaml:"messages"`
	Versions   []Version `json:"versions,omitempty" yaml:"versions,omitempty"`
	ExportedAt string    `json:"exported_at" yaml:"exported_at"`
}

type Session struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	CurrentStep string `json:"current_step" yaml:"current_step"`
	CreatedAt   string `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
	HasError    bool   `json:"has_error,omitempty" yaml:"has_error,omitempty"`
	Error       string `json:"error,omitempty" yaml:"error,omitempty"`
}

type Message struct {
	Role     string   `json:"role" yaml:"role"`
	Step     string   `json:"step,omitempty" yaml:"step,omitempty"`
	Kind     string   `json:"kind" yaml:"kind"`
	Content  string   `json:"content" yaml:"content"`
	Thinking string   `json:"thinking,omitempty" yaml:"thinking,omitempty"`
	Flags    []string `json:"flags,omitempty" yaml:"flags,omitempty"`
	Time     string   `json:"time,omitempty" yaml:"time,omitempty"`
}

type Version struct {
	ID      int64  `json:"id" yaml:"id"`
	Number  int    `json:"number" yaml:"number"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Type    string `json:"type" yaml:"type"`
	Prompt  string `json:"prompt" yaml:"prompt"`
	Result  string `json:"result,omitempty" yaml:"result,omitempty"`
	Created string `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// Build assembles a transcript. exportedAt is stamped in UTC.
func Build(s remote.Session, msgs []workflow.Message, versions []remote.VersionRecord, exportedAt time.Time) Transcript {
	t := Transcript{
		Session: Session{
			ID:          s.ID,
			Name:        s.Name,
			CurrentStep: string(s.CurrentStep),
			CreatedAt:   s.CreatedAt,
			UpdatedAt:   s.UpdatedAt,
			HasError:    bool(s.HasError),
			Error:       s.ErrorMessage,
		},
		Messages:   make([]Message, 0, len(msgs)),
		ExportedAt: exportedAt.UTC().Format(time.RFC3339),
	}
	for _, m := range msgs {
		t.Messages = append(t.Messages, fromMessage(m))
	}
	for _, v := range versions {
		t.Versions = append(t.Versions, Version{
			ID:      v.ID,
			Number:  v.VersionNumber,
			Name:    v.VersionName,
			Type:    v.VersionType,
			Prompt:  v.PromptContent,
			Result:  v.TestResult,
			Created: v.CreatedAt,
		})
	}
	return t
}

func fromMessage(m workflow.Message) Message {
	out := Message{
		Role:     string(m.Role),
		Step:     string(m.Step),
		Kind:     string(m.Content.Kind),
		Content:  m.Content.String(),
		Thinking: m.Metadata.Thinking,
		Flags:    flags(m.Metadata),
	}
	if out.Kind == "" {
		out.Kind = string(workflow.KindText)
	}
	if !m.Timestamp.IsZero() {
		out.Time = m.Timestamp.UTC().Format(time.RFC3339)
	}
	return out
}

func flags(md workflow.Metadata) []string {
	var out []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{md.NeedsSupplement, "needs_supplement"},
		{md.IsFeedback, "feedback"},
		{md.IsFeedbackResponse, "feedback_response"},
		{md.IsSupplement, "supplement"},
		{md.IsAnalysis, "analysis"},
		{md.IsTestResult, "test_result"},
	} {
		if f.set {
			out = append(out, f.name)
		}
	}
	return out
}

// Write encodes t to w in the given format.
func Write(w io.Writer, t Transcript, format Format) error {
	switch format {
	case YAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(t); err != nil {
			return fmt.Errorf("encoding yaml transcript: %w", err)
		}
		return enc.Close()
	case JSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(t); err != nil {
			return fmt.Errorf("encoding json transcript: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown transcript format %q", format)
}

// Read decodes a transcript previously written in either format.
func Read(r io.Reader) (Transcript, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Transcript{}, fmt.Errorf("reading transcript: %w", err)
	}
	var t Transcript
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		err = json.Unmarshal(trimmed, &t)
	} else {
		err = yaml.Unmarshal(data, &t)
	}
	if err != nil {
		return Transcript{}, fmt.Errorf("decoding transcript: %w", err)
	}
	return t, nil
}
