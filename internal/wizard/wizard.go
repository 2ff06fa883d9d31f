// Package wizard drives a prompt-engineering session through its steps. The
// Orchestrator owns the active session's messages and current step, runs
// step and feedback requests against the step service, persists what they
// produce, and records failures so they can be retried.
package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linguaworks/lingua/internal/remote"
	"github.com/linguaworks/lingua/internal/retry"
	"github.com/linguaworks/lingua/internal/workflow"
)

var (
	// ErrBusy is returned when a request is already in flight. The call is
	// dropped, not queued.
	ErrBusy = errors.New("a request is already in progress")

	// ErrNoRetry is returned by Retry when there is nothing to replay.
	ErrNoRetry = retry.ErrNothingToRetry

	// ErrStaleSession is returned when the active session changed while a
	// request was in flight. The result was saved to the session that made
	// the request but is not part of the current history.
	ErrStaleSession = errors.New("active session changed before the response arrived")
)

// Steps runs workflow steps. Implemented by remote.Client pointed at the
// step service.
type Steps interface {
	RunStep(ctx context.Context, step workflow.Step, req remote.StepRequest) (json.RawMessage, error)
	SendFeedback(ctx context.Context, step workflow.Step, req remote.FeedbackRequest) (json.RawMessage, error)
	ValidateModelConfig(ctx context.Context) error
	ValidateAnalysisConfig(ctx context.Context) error
}

// Store persists sessions and messages. Implemented by remote.Client
// pointed at the session store.
type Store interface {
	retry.StateStore
	ListSessions(ctx context.Context) ([]remote.Session, error)
	CreateSession(ctx context.Context, name string, step workflow.Step) (remote.Session, error)
	UpdateSession(ctx context.Context, id string, u remote.SessionUpdate) error
	DeleteSession(ctx context.Context, id string) error
	ListMessages(ctx context.Context, sessionID string) ([]workflow.Message, error)
	AddMessage(ctx context.Context, sessionID string, m workflow.Message) (string, error)
	UpdateMessage(ctx context.Context, id string, u remote.MessageUpdate) error
}

// AnalysisSettings supplies the analysis configuration. Implemented by
// settings.Manager.
type AnalysisSettings interface {
	Config(ctx context.Context) (workflow.AnalysisConfig, error)
	Reload(ctx context.Context) (workflow.AnalysisConfig, error)
}

// State is a snapshot of the orchestrator for display.
type State struct {
	SessionID    string             `json:"session_id,omitempty"`
	SessionName  string             `json:"session_name,omitempty"`
	Step         workflow.Step      `json:"current_step"`
	Messages     []workflow.Message `json:"messages"`
	Loading      bool               `json:"loading"`
	HasError     bool               `json:"has_error"`
	ErrorMessage string             `json:"error_message,omitempty"`
	CanRetry     bool               `json:"can_retry"`
	// Editable is the index of the message awaiting feedback, or -1.
	Editable int `json:"editable"`
}

// Orchestrator coordinates one active session at a time. It is safe for
// concurrent use; send, feedback and retry calls are exclusive and a second
// one made while the first is running fails with ErrBusy.
type Orchestrator struct {
	steps    Steps
	store    Store
	settings AnalysisSettings
	recorder *retry.Recorder
	logger   *slog.Logger
	now      func() time.Time

	busy    sync.Mutex
	loading atomic.Bool

	mu        sync.Mutex
	sessions  []remote.Session
	session   *remote.Session // nil until the first message creates it
	step      workflow.Step
	history   []workflow.Message
	epoch     uint64
	analysis  workflow.AnalysisConfig
	replaying bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRecorder replaces the failure recorder built from the store.
func WithRecorder(r *retry.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// New creates an Orchestrator in new-session mode.
func New(steps Steps, store Store, settings AnalysisSettings, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		steps:    steps,
		store:    store,
		settings: settings,
		logger:   slog.Default(),
		now:      time.Now,
		step:     workflow.StepStructure,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.recorder == nil {
		o.recorder = retry.NewRecorder(store, retry.WithLogger(o.logger))
	}
	return o
}

// State returns a snapshot of the active session.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := State{
		Step:     o.step,
		Messages: append([]workflow.Message(nil), o.history...),
		Loading:  o.loading.Load(),
		Editable: workflow.AwaitingFeedback(o.history, o.step),
	}
	if o.session != nil {
		st.SessionID = o.session.ID
		st.SessionName = o.session.Name
		st.ErrorMessage, st.HasError = o.recorder.Failed(o.session.ID)
		_, st.CanRetry = o.recorder.Pending(o.session.ID)
	}
	return st
}

// SessionID returns the id of the active session, or "" in new-session mode.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return ""
	}
	return o.session.ID
}

// Step returns the current step.
func (o *Orchestrator) Step() workflow.Step {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.step
}

// Messages returns a copy of the active history.
func (o *Orchestrator) Messages() []workflow.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]workflow.Message(nil), o.history...)
}

// SwapAnalysis installs cfg as the live analysis configuration and returns
// the previous one.
func (o *Orchestrator) SwapAnalysis(cfg workflow.AnalysisConfig) workflow.AnalysisConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	prev := o.analysis
	o.analysis = cfg
	return prev
}

// analysisConfig returns the configuration for an analysis request. During a
// replay the swapped-in snapshot is used as is.
func (o *Orchestrator) analysisConfig(ctx context.Context) workflow.AnalysisConfig {
	o.mu.Lock()
	if o.replaying {
		cfg := o.analysis.Clone()
		o.mu.Unlock()
		return cfg
	}
	o.mu.Unlock()

	cfg, err := o.settings.Config(ctx)
	if err != nil {
		o.logger.Warn("loading analysis settings failed, using last known", "err", err)
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.analysis.Clone()
	}
	o.mu.Lock()
	o.analysis = cfg.Clone()
	o.mu.Unlock()
	return cfg
}

// acquire takes the loading guard.
func (o *Orchestrator) acquire() error {
	if !o.busy.TryLock() {
		return ErrBusy
	}
	o.loading.Store(true)
	return nil
}

func (o *Orchestrator) release() {
	o.loading.Store(false)
	o.busy.Unlock()
}

// ticket identifies the session a request was dispatched for.
type ticket struct {
	sessionID string
	epoch     uint64
}

func (o *Orchestrator) current() (ticket, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return ticket{epoch: o.epoch}, false
	}
	return ticket{sessionID: o.session.ID, epoch: o.epoch}, true
}

// stillCurrent must be called with mu held.
func (o *Orchestrator) stillCurrent(t ticket) bool {
	return o.epoch == t.epoch && o.session != nil && o.session.ID == t.sessionID
}
