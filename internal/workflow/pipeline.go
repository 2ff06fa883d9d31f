package workflow

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Response is the envelope every step endpoint returns.
type Response struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result"`
}

// OK reports whether the step service accepted the request.
func (r Response) OK() bool {
	return r.Status == "success"
}

type structureResult struct {
	Answer          string `json:"answer"`
	NeedsSupplement bool   `json:"needs_supplement"`
	Thinking        string `json:"thinking"`
}

type generationResult struct {
	Prompt             *string         `json:"prompt"`
	Thinking           string          `json:"thinking"`
	SelectedTemplate   json.RawMessage `json:"selected_template"`
	TemplateCandidates json.RawMessage `json:"template_candidates"`
}

type optimizationResult struct {
	OptimizedPrompt string `json:"optimized_prompt"`
	OriginalPrompt  string `json:"original_prompt"`
	Thinking        string `json:"thinking"`
}

// BuildResponseMessage turns the result of a step endpoint into an assistant
// message. A result that lacks the fields its step requires is rendered as
// text instead of being rejected.
func BuildResponseMessage(step Step, raw json.RawMessage) Message {
	msg := Message{Role: RoleAssistant, Step: step}

	switch step {
	case StepStructure:
		var r structureResult
		if isObject(raw) && json.Unmarshal(raw, &r) == nil {
			msg.Content = TextContent(r.Answer)
			msg.Metadata.NeedsSupplement = r.NeedsSupplement
			msg.Metadata.Thinking = r.Thinking
			return msg
		}

	case StepAnalysis:
		msg.Content = buildAnalysisContent(raw)
		msg.Metadata.IsAnalysis = true
		msg.Metadata.AnalysisData = msg.Content.Blocks
		return msg

	case StepGeneration:
		var r generationResult
		if isObject(raw) && json.Unmarshal(raw, &r) == nil && r.Prompt != nil {
			msg.Content = TextContent(*r.Prompt)
			msg.Metadata.Thinking = r.Thinking
			msg.Metadata.SelectedTemplate = nonNull(r.SelectedTemplate)
			msg.Metadata.TemplateCandidates = nonNull(r.TemplateCandidates)
			return msg
		}

	case StepOptimization:
		var r optimizationResult
		if isObject(raw) && json.Unmarshal(raw, &r) == nil && r.OptimizedPrompt != "" {
			msg.Content = TextContent(r.OptimizedPrompt)
			msg.Metadata.Thinking = r.Thinking
			msg.Metadata.OriginalPrompt = r.OriginalPrompt
			msg.Metadata.OptimizedPrompt = r.OptimizedPrompt
			return msg
		}

	case StepTesting:
		msg.Metadata.IsTestResult = true
		if isObject(raw) {
			if tr, err := ParseTestResult(raw); err == nil {
				msg.Content = Content{Kind: KindTestResult, Text: prettyJSON(raw), Test: tr}
				return msg
			}
		}
	}

	msg.Content = TextContent(renderFallback(raw))
	return msg
}

// BuildFeedbackMessage shapes the result of a "no" or "supplement" feedback
// call. It returns false for "yes", which produces no message.
func BuildFeedbackMessage(step Step, feedback Feedback, raw json.RawMessage) (Message, bool) {
	switch feedback {
	case FeedbackSupplement:
		if step == StepStructure {
			var r structureResult
			if isObject(raw) {
				json.Unmarshal(raw, &r)
			}
			answer := r.Answer
			if answer == "" {
				answer = "Please provide more information"
			}
			msg := Message{Role: RoleAssistant, Step: step, Content: TextContent(answer)}
			msg.Metadata.NeedsSupplement = r.NeedsSupplement
			msg.Metadata.Thinking = r.Thinking
			msg.Metadata.IsSupplement = true
			return msg, true
		}
		msg := BuildResponseMessage(step, raw)
		msg.Metadata.IsSupplement = true
		return msg, true

	case FeedbackNo:
		msg := BuildResponseMessage(step, raw)
		msg.Metadata.IsFeedbackResponse = true
		return msg, true
	}
	return Message{}, false
}

func buildAnalysisContent(raw json.RawMessage) Content {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Content{Kind: KindAnalysis}
	}

	var s string
	if trimmed[0] == '"' && json.Unmarshal(trimmed, &s) == nil {
		return Content{Kind: KindAnalysis, Text: s}
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if json.Unmarshal(trimmed, &items) == nil {
			if blocks, ok := decodeBlocks(items); ok {
				return AnalysisContent(blocks)
			}
			var texts []string
			if json.Unmarshal(trimmed, &texts) == nil {
				kept := texts[:0]
				for _, t := range texts {
					if strings.TrimSpace(t) != "" {
						kept = append(kept, t)
					}
				}
				return Content{Kind: KindAnalysis, Text: strings.Join(kept, "\n\n")}
			}
		}
	}

	return Content{Kind: KindAnalysis, Text: prettyJSON(trimmed)}
}

// decodeBlocks succeeds when the first element is an object with a non-empty
// agent_name.
func decodeBlocks(items []json.RawMessage) ([]AnalysisBlock, bool) {
	if len(items) == 0 || !isObject(items[0]) {
		return nil, false
	}
	var first AnalysisBlock
	if json.Unmarshal(items[0], &first) != nil || first.AgentName == "" {
		return nil, false
	}
	blocks := make([]AnalysisBlock, 0, len(items))
	for _, it := range items {
		var b AnalysisBlock
		if json.Unmarshal(it, &b) != nil {
			return nil, false
		}
		blocks = append(blocks, b)
	}
	return blocks, true
}

// RenderBlocks formats analysis blocks as bold agent headings followed by
// their content, separated by blank lines.
func RenderBlocks(blocks []AnalysisBlock) string {
	parts := make([]string, len(blocks))
	for i, b := range blocks {
		parts[i] = "**" + b.AgentName + "**\n\n" + b.Content
	}
	return strings.Join(parts, "\n\n")
}

func renderFallback(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var s string
	if json.Unmarshal(trimmed, &s) == nil {
		return s
	}
	return prettyJSON(trimmed)
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func nonNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}
