package workflow

import "fmt"

// ComposeContext builds the content sent to a step endpoint. Outside the
// structure step the previous accepted result is prepended so the service
// sees what the user is reacting to. Template regeneration sends content as is.
func ComposeContext(step Step, history []Message, content string, templateRegen bool) string {
	if step == StepStructure || templateRegen {
		return content
	}
	prev, ok := LastResult(history)
	if !ok {
		return content
	}
	return fmt.Sprintf("Previous step result: %s\n\nUser feedback: %s", prev.Content.String(), content)
}

// LastResult returns the most recent assistant message that is not a
// request for more information.
func LastResult(history []Message) (Message, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.IsAssistant() && !m.Metadata.NeedsSupplement {
			return m, true
		}
	}
	return Message{}, false
}

// IsEditable reports whether the message at index is the one awaiting
// feedback: the last message of the history, produced by the service, not a
// test result or a request for more information, while the session sits on
// a step whose output can be edited.
func IsEditable(m Message, index, total int, current Step) bool {
	if !m.IsAssistant() || m.Metadata.IsTestResult || m.Metadata.NeedsSupplement {
		return false
	}
	switch current {
	case StepAnalysis, StepGeneration, StepOptimization:
	default:
		return false
	}
	return index == total-1
}

// AwaitingFeedback returns the index of the editable message in history, or
// -1 when none qualifies.
func AwaitingFeedback(history []Message, current Step) int {
	if n := len(history); n > 0 && IsEditable(history[n-1], n-1, n, current) {
		return n - 1
	}
	return -1
}

// FeedbackEnabled reports whether feedback controls are offered at s.
func FeedbackEnabled(s Step) bool {
	return !s.Terminal()
}
