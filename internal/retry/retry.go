// Package retry records failed step requests so they can be replayed after
// a restart or a session switch.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/linguaworks/lingua/internal/workflow"
)

// Context is the minimal snapshot needed to replay a failed request. It is
// stored as the session's retry_data.
type Context struct {
	Content     string            `json:"content"`
	Step        workflow.Step     `json:"step"`
	IsFeedback  bool              `json:"isFeedback,omitempty"`
	Feedback    workflow.Feedback `json:"feedback,omitempty"`
	TemplateKey string            `json:"templateKey,omitempty"`

	// Analysis settings, captured only for the analysis step.
	AutoSelectMode          *bool                   `json:"autoSelectMode,omitempty"`
	SelectedAnalysisMethods []string                `json:"selectedAnalysisMethods,omitempty"`
	CustomMethods           []workflow.CustomMethod `json:"customMethods,omitempty"`
}

// ForSend builds the retry context of a failed step request.
func ForSend(step workflow.Step, content, templateKey string, cfg workflow.AnalysisConfig) Context {
	c := Context{Content: content, Step: step}
	if step == workflow.StepGeneration {
		c.TemplateKey = templateKey
	}
	c.capture(cfg)
	return c
}

// ForFeedback builds the retry context of a failed feedback request.
func ForFeedback(step workflow.Step, fb workflow.Feedback, content string, cfg workflow.AnalysisConfig) Context {
	c := Context{Content: content, Step: step, IsFeedback: true, Feedback: fb}
	c.capture(cfg)
	return c
}

func (c *Context) capture(cfg workflow.AnalysisConfig) {
	if c.Step != workflow.StepAnalysis {
		return
	}
	auto := cfg.AutoSelect
	cfg = cfg.Clone()
	c.AutoSelectMode = &auto
	c.SelectedAnalysisMethods = cfg.SelectedMethods
	c.CustomMethods = cfg.CustomMethods
}

// Snapshot returns the analysis settings carried by the context. ok is false
// when the failed request did not depend on them.
func (c Context) Snapshot() (cfg workflow.AnalysisConfig, ok bool) {
	if c.Step != workflow.StepAnalysis || c.AutoSelectMode == nil {
		return workflow.AnalysisConfig{}, false
	}
	return workflow.AnalysisConfig{
		AutoSelect:      *c.AutoSelectMode,
		SelectedMethods: append([]string(nil), c.SelectedAnalysisMethods...),
		CustomMethods:   append([]workflow.CustomMethod(nil), c.CustomMethods...),
	}, true
}

// ReplayFeedback returns the verdict to replay. Records written before the
// verdict was stored replay as "no".
func (c Context) ReplayFeedback() workflow.Feedback {
	if c.Feedback == "" {
		return workflow.FeedbackNo
	}
	return c.Feedback
}

// Encode serializes the context for storage.
func (c Context) Encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encoding retry data: %w", err)
	}
	return string(b), nil
}

// Decode parses stored retry data.
func Decode(data string) (Context, error) {
	var c Context
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return Context{}, fmt.Errorf("decoding retry data: %w", err)
	}
	return c, nil
}

// State is the error state of a session row.
type State struct {
	HasError  bool
	Message   string
	Step      workflow.Step
	RetryData string
}

// StateStore persists session error state. Implemented by remote.Client.
type StateStore interface {
	SetErrorState(ctx context.Context, sessionID string, st State) error
}

// ErrNothingToRetry is returned by Consume when the session has no failed
// request on record.
var ErrNothingToRetry = errors.New("no failed request to retry")

type entry struct {
	message string
	ctx     *Context
}

// Recorder tracks failed requests per session and mirrors them into the
// session store.
type Recorder struct {
	store  StateStore
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]entry
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger used for persistence warnings.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// NewRecorder creates a Recorder backed by store.
func NewRecorder(store StateStore, opts ...Option) *Recorder {
	r := &Recorder{
		store:   store,
		logger:  slog.Default(),
		pending: make(map[string]entry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RecordFailure marks the session as errored and stores rc as its retry
// data. A store failure is logged; the failure stays retryable in memory.
func (r *Recorder) RecordFailure(ctx context.Context, sessionID string, rc Context, cause error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	r.mu.Lock()
	c := rc
	r.pending[sessionID] = entry{message: msg, ctx: &c}
	r.mu.Unlock()

	data, err := rc.Encode()
	if err != nil {
		r.logger.Warn("retry data not persisted", "session_id", sessionID, "err", err)
		return
	}
	st := State{HasError: true, Message: msg, Step: rc.Step, RetryData: data}
	if err := r.store.SetErrorState(ctx, sessionID, st); err != nil {
		r.logger.Warn("saving error state failed", "session_id", sessionID, "step", rc.Step, "err", err)
	}
}

// Restore loads the error state of a session read from the store. Invalid
// retry data leaves the session errored but not retryable.
func (r *Recorder) Restore(sessionID string, st State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !st.HasError {
		delete(r.pending, sessionID)
		return
	}
	e := entry{message: st.Message}
	if e.message == "" {
		e.message = "unknown error"
	}
	if st.RetryData != "" {
		c, err := Decode(st.RetryData)
		if err != nil {
			r.logger.Warn("ignoring unreadable retry data", "session_id", sessionID, "err", err)
		} else {
			e.ctx = &c
		}
	}
	r.pending[sessionID] = e
}

// Failed reports whether the session is errored and returns the error text.
func (r *Recorder) Failed(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pending[sessionID]
	return e.message, ok
}

// Pending returns the retry context of the session without consuming it.
func (r *Recorder) Pending(sessionID string) (Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pending[sessionID]
	if !ok || e.ctx == nil {
		return Context{}, false
	}
	return *e.ctx, true
}

// Consume removes the retry context of the session and clears its error
// state in the store before the request is replayed.
func (r *Recorder) Consume(ctx context.Context, sessionID string) (Context, error) {
	r.mu.Lock()
	e, ok := r.pending[sessionID]
	if !ok || e.ctx == nil {
		r.mu.Unlock()
		return Context{}, ErrNothingToRetry
	}
	delete(r.pending, sessionID)
	r.mu.Unlock()

	r.clearStore(ctx, sessionID)
	return *e.ctx, nil
}

// Clear drops any error state of the session after a successful request.
func (r *Recorder) Clear(ctx context.Context, sessionID string) {
	r.mu.Lock()
	_, ok := r.pending[sessionID]
	delete(r.pending, sessionID)
	r.mu.Unlock()

	if ok {
		r.clearStore(ctx, sessionID)
	}
}

// Forget drops in-memory state for a deleted session.
func (r *Recorder) Forget(sessionID string) {
	r.mu.Lock()
	delete(r.pending, sessionID)
	r.mu.Unlock()
}

func (r *Recorder) clearStore(ctx context.Context, sessionID string) {
	if err := r.store.SetErrorState(ctx, sessionID, State{}); err != nil {
		r.logger.Warn("clearing error state failed", "session_id", sessionID, "err", err)
	}
}

// Swapper exchanges the live analysis settings.
type Swapper interface {
	SwapAnalysis(cfg workflow.AnalysisConfig) (previous workflow.AnalysisConfig)
}

// Replay runs fn with the analysis settings carried by rc in place of the
// live ones. The live settings are restored when fn returns or panics.
func Replay(live Swapper, rc Context, fn func() error) error {
	snap, ok := rc.Snapshot()
	if !ok {
		return fn()
	}
	prev := live.SwapAnalysis(snap)
	defer live.SwapAnalysis(prev)
	return fn()
}
