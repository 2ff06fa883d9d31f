package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// TransportError is a failed call: a network error, a non-2xx status, or a
// response whose status field is not "success".
type TransportError struct {
	Endpoint   string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
	case e.StatusCode != 0 && e.StatusCode != http.StatusOK:
		return fmt.Sprintf("%s: server returned %d: %s", e.Endpoint, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Endpoint, e.Message)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ConfigError means the model or analysis configuration is incomplete. It is
// detected before a step runs and is never recorded for retry.
type ConfigError struct {
	Scope         string
	Message       string
	MissingFields []string
	Err           error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	if e.Scope != "" {
		b.WriteString(e.Scope + " ")
	}
	b.WriteString("configuration incomplete")
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if len(e.MissingFields) > 0 {
		b.WriteString(" (missing: " + strings.Join(e.MissingFields, ", ") + ")")
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// errorFromResponse converts an error response. A 400 whose detail has type
// config_error becomes a ConfigError.
func errorFromResponse(endpoint string, status int, body []byte) error {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
		Error  json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		var detail struct {
			Type          string   `json:"type"`
			Message       string   `json:"message"`
			MissingFields []string `json:"missing_fields"`
		}
		if status == http.StatusBadRequest && json.Unmarshal(envelope.Detail, &detail) == nil && detail.Type == "config_error" {
			return &ConfigError{Message: detail.Message, MissingFields: detail.MissingFields}
		}
		if msg := errorText(envelope.Detail, envelope.Error); msg != "" {
			return &TransportError{Endpoint: endpoint, StatusCode: status, Message: msg}
		}
	}
	return &TransportError{Endpoint: endpoint, StatusCode: status, Message: strings.TrimSpace(string(body))}
}

// errorText extracts a message from the detail or error fields, which
// backends emit either as a string or as an object with a message.
func errorText(fields ...json.RawMessage) string {
	for _, f := range fields {
		if len(f) == 0 {
			continue
		}
		var s string
		if json.Unmarshal(f, &s) == nil && s != "" {
			return s
		}
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(f, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
	}
	return ""
}
