package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentKind discriminates the Content variants.
type ContentKind string

const (
	KindText       ContentKind = "text"
	KindAnalysis   ContentKind = "analysis"
	KindTestResult ContentKind = "test_result"
)

// AnalysisBlock is one agent's contribution to an analysis result.
type AnalysisBlock struct {
	AgentKey  string `json:"agent_key,omitempty"`
	AgentName string `json:"agent_name"`
	Content   string `json:"content"`
}

// TestResult is the payload produced by the testing step. Raw keeps the
// whole object so fields the client does not model survive a round trip.
type TestResult struct {
	TestCase        json.RawMessage
	OriginalPrompt  string
	OriginalResult  string
	OptimizedPrompt string
	OptimizedResult string
	Raw             json.RawMessage
}

// ParseTestResult decodes a testing-step object.
func ParseTestResult(raw json.RawMessage) (*TestResult, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decoding test result: %w", err)
	}
	tr := &TestResult{Raw: append(json.RawMessage(nil), raw...)}
	tr.TestCase = fields["test_case"]
	tr.OriginalPrompt = looseString(fields["original_prompt"])
	tr.OriginalResult = looseString(fields["original_result"])
	tr.OptimizedPrompt = looseString(fields["optimized_prompt"])
	tr.OptimizedResult = looseString(fields["optimized_result"])
	return tr, nil
}

// HasComparison reports whether the result carries the inline
// original/optimized pair used to seed a version comparison.
func (t *TestResult) HasComparison() bool {
	if t == nil {
		return false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(t.Raw, &fields); err != nil {
		return false
	}
	_, ok := fields["original_result"]
	return ok
}

// looseString renders a JSON value as text: strings are unquoted, anything
// else is kept as compact JSON.
func looseString(v json.RawMessage) string {
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}

// Content is the tagged body of a message.
type Content struct {
	Kind ContentKind
	// Text is the display form. For analysis content it is the rendered
	// blocks; for test results it is the indented JSON object.
	Text   string
	Blocks []AnalysisBlock
	Test   *TestResult
}

// TextContent wraps plain text.
func TextContent(s string) Content {
	return Content{Kind: KindText, Text: s}
}

// AnalysisContent builds analysis content from agent blocks.
func AnalysisContent(blocks []AnalysisBlock) Content {
	return Content{Kind: KindAnalysis, Text: RenderBlocks(blocks), Blocks: blocks}
}

func (c Content) String() string {
	return c.Text
}

// IsZero reports whether the content carries nothing.
func (c Content) IsZero() bool {
	return c.Text == "" && c.Test == nil && len(c.Blocks) == 0
}

// MarshalJSON encodes text and analysis content as a JSON string and test
// results as the original object, matching what the session store keeps.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Kind == KindTestResult && c.Test != nil && len(c.Test.Raw) > 0 {
		return c.Test.Raw, nil
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts a string or an object. Objects become test results;
// callers refine the kind from message metadata via Message.Normalize.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = TextContent("")
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*c = TextContent(s)
	case '{':
		tr, err := ParseTestResult(trimmed)
		if err != nil {
			return err
		}
		*c = Content{Kind: KindTestResult, Text: prettyJSON(trimmed), Test: tr}
	default:
		*c = TextContent(prettyJSON(trimmed))
	}
	return nil
}

// Metadata carries per-message flags. Keys the client does not model are
// preserved in Extra.
type Metadata struct {
	NeedsSupplement    bool            `json:"needsSupplement,omitempty"`
	IsTestResult       bool            `json:"isTestResult,omitempty"`
	IsAnalysis         bool            `json:"isAnalysis,omitempty"`
	IsFeedback         bool            `json:"isFeedback,omitempty"`
	IsFeedbackResponse bool            `json:"isFeedbackResponse,omitempty"`
	IsSupplement       bool            `json:"isSupplement,omitempty"`
	Thinking           string          `json:"thinking,omitempty"`
	AnalysisData       []AnalysisBlock `json:"analysisData,omitempty"`
	SelectedTemplate   json.RawMessage `json:"selected_template,omitempty"`
	TemplateCandidates json.RawMessage `json:"template_candidates,omitempty"`
	OriginalPrompt     string          `json:"original_prompt,omitempty"`
	OptimizedPrompt    string          `json:"optimized_prompt,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var metadataKeys = []string{
	"needsSupplement", "isTestResult", "isAnalysis", "isFeedback", "isFeedbackResponse",
	"isSupplement", "thinking", "analysisData", "selected_template", "template_candidates",
	"original_prompt", "optimized_prompt",
}

type metadataFields Metadata

func (m Metadata) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(metadataFields(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return known, nil
	}
	out := make(map[string]json.RawMessage, len(m.Extra))
	for k, v := range m.Extra {
		out[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		out[k] = v
	}
	return json.Marshal(out)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*m = Metadata{}
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var f metadataFields
	for _, k := range metadataKeys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		delete(raw, k)
		if bytes.Equal(v, []byte("null")) {
			continue
		}
		// Stored metadata is written by several clients; a field with an
		// unexpected type is dropped rather than failing the whole message.
		single, _ := json.Marshal(map[string]json.RawMessage{k: v})
		json.Unmarshal(single, &f)
	}
	*m = Metadata(f)
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

// Message is one entry in a session's conversation history.
type Message struct {
	ID        string
	Role      Role
	Content   Content
	Step      Step
	Timestamp time.Time
	Metadata  Metadata
}

// Normalize reconciles the content kind with metadata flags after a message
// is loaded from storage.
func (m *Message) Normalize() {
	switch {
	case m.Metadata.IsTestResult && m.Content.Kind != KindTestResult:
		if tr, err := ParseTestResult(json.RawMessage(m.Content.Text)); err == nil {
			m.Content = Content{Kind: KindTestResult, Text: prettyJSON([]byte(m.Content.Text)), Test: tr}
		}
	case m.Metadata.IsAnalysis:
		m.Content.Kind = KindAnalysis
		if len(m.Metadata.AnalysisData) > 0 {
			m.Content.Blocks = m.Metadata.AnalysisData
		}
	case m.Content.Kind == KindTestResult && !m.Metadata.IsTestResult:
		// An object body without the flag is shown as JSON text.
		m.Content = TextContent(m.Content.Text)
	}
}

// IsAssistant reports whether the message was produced by the step service.
func (m Message) IsAssistant() bool {
	return m.Role == RoleAssistant
}

func prettyJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
