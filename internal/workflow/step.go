package workflow

import "fmt"

// Step is one stage of the prompt-engineering workflow.
type Step string

const (
	StepStructure    Step = "structure"
	StepAnalysis     Step = "analysis"
	StepGeneration   Step = "generation"
	StepOptimization Step = "optimization"
	StepTesting      Step = "testing"
)

// Steps is the canonical workflow order.
var Steps = []Step{StepStructure, StepAnalysis, StepGeneration, StepOptimization, StepTesting}

var displayNames = map[Step]string{
	StepStructure:    "Structure",
	StepAnalysis:     "Analysis",
	StepGeneration:   "Generation",
	StepOptimization: "Optimization",
	StepTesting:      "Testing",
}

// StepIndex returns the position of s in Steps. Unknown names map to 0 so a
// session with a corrupted step restarts at structure.
func StepIndex(s Step) int {
	for i, known := range Steps {
		if known == s {
			return i
		}
	}
	return 0
}

// Valid reports whether s is one of the known steps.
func (s Step) Valid() bool {
	_, ok := displayNames[s]
	return ok
}

// Terminal reports whether s has no successor.
func (s Step) Terminal() bool {
	return s == StepTesting
}

func (s Step) DisplayName() string {
	if n, ok := displayNames[s]; ok {
		return n
	}
	return string(s)
}

// ParseStep validates a user-supplied step name.
func ParseStep(name string) (Step, error) {
	s := Step(name)
	if !s.Valid() {
		return "", fmt.Errorf("unknown step %q", name)
	}
	return s, nil
}

// Feedback is the user's verdict on a step result.
type Feedback string

const (
	FeedbackYes        Feedback = "yes"
	FeedbackNo         Feedback = "no"
	FeedbackSupplement Feedback = "supplement"
)

// ParseFeedback validates a feedback verdict.
func ParseFeedback(v string) (Feedback, error) {
	switch f := Feedback(v); f {
	case FeedbackYes, FeedbackNo, FeedbackSupplement:
		return f, nil
	}
	return "", fmt.Errorf("unknown feedback %q (want yes, no or supplement)", v)
}

// RequiresContent reports whether the verdict must carry user text.
func (f Feedback) RequiresContent() bool {
	return f == FeedbackNo || f == FeedbackSupplement
}

// NextStep returns the step that follows current after feedback. Only "yes"
// advances, and testing never advances.
func NextStep(current Step, feedback Feedback) Step {
	if feedback != FeedbackYes {
		return current
	}
	i := StepIndex(current)
	if i+1 >= len(Steps) {
		return Steps[len(Steps)-1]
	}
	return Steps[i+1]
}

var sendEndpoints = map[Step]string{
	StepStructure:    "check-structure",
	StepAnalysis:     "analyze-elements",
	StepGeneration:   "generate-prompt",
	StepOptimization: "optimize-prompt",
	StepTesting:      "test-results",
}

var feedbackEndpoints = map[Step]string{
	StepStructure:    "structure-feedback",
	StepAnalysis:     "analysis-feedback",
	StepGeneration:   "generation-feedback",
	StepOptimization: "optimization-feedback",
}

// SendEndpoint names the step-service endpoint that runs s.
func SendEndpoint(s Step) string {
	if e, ok := sendEndpoints[s]; ok {
		return e
	}
	return sendEndpoints[StepStructure]
}

// FeedbackEndpoint names the endpoint that accepts feedback at s. It returns
// false for testing, where feedback is disabled.
func FeedbackEndpoint(s Step) (string, bool) {
	if s == StepTesting {
		return "", false
	}
	if e, ok := feedbackEndpoints[s]; ok {
		return e, true
	}
	return feedbackEndpoints[StepStructure], true
}
