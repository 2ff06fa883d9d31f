package workflow

import "slices"

// AutoSelectMethod is sent in place of the method list when the service
// should choose analysis methods itself.
const AutoSelectMethod = "auto_select"

// CustomMethod is a user-defined analysis method.
type CustomMethod struct {
	MethodKey   string `json:"method_key"`
	Label       string `json:"label"`
	Description string `json:"description"`
	IsCustom    bool   `json:"is_custom,omitempty"`
}

// MethodDescription is the wire form of a custom method inside an analysis
// request.
type MethodDescription struct {
	Label       string `json:"label"`
	Description string `json:"description"`
}

// AnalysisConfig is the snapshot of analysis settings an analysis-step call
// runs with. It is not part of the message history, so it is copied into
// retry records verbatim.
type AnalysisConfig struct {
	AutoSelect      bool
	SelectedMethods []string
	CustomMethods   []CustomMethod
}

// RequestMethods returns the selected_methods value for a request.
func (c AnalysisConfig) RequestMethods() []string {
	if c.AutoSelect {
		return []string{AutoSelectMethod}
	}
	if c.SelectedMethods == nil {
		return []string{}
	}
	return slices.Clone(c.SelectedMethods)
}

// RequestCustomMethods returns the custom_methods value for a request, or nil
// when there are none.
func (c AnalysisConfig) RequestCustomMethods() map[string]MethodDescription {
	if len(c.CustomMethods) == 0 {
		return nil
	}
	out := make(map[string]MethodDescription, len(c.CustomMethods))
	for _, m := range c.CustomMethods {
		out[m.MethodKey] = MethodDescription{Label: m.Label, Description: m.Description}
	}
	return out
}

// Clone returns a deep copy.
func (c AnalysisConfig) Clone() AnalysisConfig {
	return AnalysisConfig{
		AutoSelect:      c.AutoSelect,
		SelectedMethods: slices.Clone(c.SelectedMethods),
		CustomMethods:   slices.Clone(c.CustomMethods),
	}
}
