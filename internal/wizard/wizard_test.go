package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/linguaworks/lingua/internal/remote"
	"github.com/linguaworks/lingua/internal/retry"
	"github.com/linguaworks/lingua/internal/workflow"
)

// --- Fake step service ---

type stepCall struct {
	Step workflow.Step
	Req  remote.StepRequest
}

type feedbackCall struct {
	Step workflow.Step
	Req  remote.FeedbackRequest
}

type fakeSteps struct {
	mu sync.Mutex

	results     map[workflow.Step]string
	errs        map[workflow.Step]error
	feedback    string
	fbErr       error
	modelErr    error
	analysisErr error

	calls   []stepCall
	fbCalls []feedbackCall

	// hook runs inside RunStep before it returns.
	hook func()
}

func newSteps() *fakeSteps {
	return &fakeSteps{
		results: map[workflow.Step]string{
			workflow.StepStructure:    `{"answer":"looks complete","needs_supplement":false,"thinking":"checked"}`,
			workflow.StepAnalysis:     `[{"agent_name":"Tone","content":"formal"}]`,
			workflow.StepGeneration:   `{"prompt":"You are a helpful writer."}`,
			workflow.StepOptimization: `{"optimized_prompt":"You are a concise writer.","original_prompt":"You are a helpful writer."}`,
			workflow.StepTesting:      `{"original_result":"a","optimized_result":"b"}`,
		},
		errs:     map[workflow.Step]error{},
		feedback: `{"answer":"tell me more","needs_supplement":true}`,
	}
}

func (f *fakeSteps) RunStep(_ context.Context, step workflow.Step, req remote.StepRequest) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, stepCall{Step: step, Req: req})
	err, res, hook := f.errs[step], f.results[step], f.hook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(res), nil
}

func (f *fakeSteps) SendFeedback(_ context.Context, step workflow.Step, req remote.FeedbackRequest) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fbCalls = append(f.fbCalls, feedbackCall{Step: step, Req: req})
	if f.fbErr != nil {
		return nil, f.fbErr
	}
	return json.RawMessage(f.feedback), nil
}

func (f *fakeSteps) ValidateModelConfig(context.Context) error    { return f.modelErr }
func (f *fakeSteps) ValidateAnalysisConfig(context.Context) error { return f.analysisErr }

func (f *fakeSteps) stepCalls() []stepCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stepCall(nil), f.calls...)
}

// --- Fake session store ---

type fakeStore struct {
	mu       sync.Mutex
	nextID   int
	sessions []remote.Session
	messages map[string][]workflow.Message
	states   map[string]retry.State
	updates  []remote.SessionUpdate
	edits    map[string]remote.MessageUpdate
	addErr   error
}

func newStore() *fakeStore {
	return &fakeStore{
		messages: map[string][]workflow.Message{},
		states:   map[string]retry.State{},
		edits:    map[string]remote.MessageUpdate{},
	}
}

func (s *fakeStore) SetErrorState(_ context.Context, id string, st retry.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = st
	return nil
}

func (s *fakeStore) ListSessions(context.Context) ([]remote.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.Session(nil), s.sessions...), nil
}

func (s *fakeStore) CreateSession(_ context.Context, name string, step workflow.Step) (remote.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	sess := remote.Session{ID: fmt.Sprintf("s%d", s.nextID), Name: name, CurrentStep: step}
	s.sessions = append([]remote.Session{sess}, s.sessions...)
	return sess, nil
}

func (s *fakeStore) UpdateSession(_ context.Context, _ string, u remote.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return nil
}

func (s *fakeStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []remote.Session
	for _, sess := range s.sessions {
		if sess.ID != id {
			kept = append(kept, sess)
		}
	}
	s.sessions = kept
	delete(s.messages, id)
	return nil
}

func (s *fakeStore) ListMessages(_ context.Context, id string) ([]workflow.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]workflow.Message(nil), s.messages[id]...), nil
}

func (s *fakeStore) AddMessage(_ context.Context, id string, m workflow.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return "", s.addErr
	}
	s.nextID++
	m.ID = fmt.Sprintf("m%d", s.nextID)
	s.messages[id] = append(s.messages[id], m)
	return m.ID, nil
}

func (s *fakeStore) UpdateMessage(_ context.Context, id string, u remote.MessageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits[id] = u
	return nil
}

func (s *fakeStore) stored(id string) []workflow.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]workflow.Message(nil), s.messages[id]...)
}

func (s *fakeStore) state(id string) retry.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id]
}

// --- Fake settings ---

type fakeSettings struct {
	mu  sync.Mutex
	cfg workflow.AnalysisConfig
}

func (f *fakeSettings) Config(context.Context) (workflow.AnalysisConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.Clone(), nil
}

func (f *fakeSettings) Reload(ctx context.Context) (workflow.AnalysisConfig, error) {
	return f.Config(ctx)
}

func (f *fakeSettings) set(cfg workflow.AnalysisConfig) {
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
}

// --- Helpers ---

var ctx = context.Background()

type harness struct {
	o        *Orchestrator
	steps    *fakeSteps
	store    *fakeStore
	settings *fakeSettings
}

func newHarness() *harness {
	h := &harness{steps: newSteps(), store: newStore(), settings: &fakeSettings{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC) }
	h.o = New(h.steps, h.store, h.settings, WithLogger(logger), WithClock(clock))
	return h
}

// at moves the harness to step by running the workflow up to it.
func (h *harness) at(t *testing.T, step workflow.Step) {
	t.Helper()
	if _, err := h.o.SendMessage(ctx, "write a product description"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	for h.o.Step() != step {
		if _, err := h.o.SendFeedback(ctx, workflow.FeedbackYes, ""); err != nil {
			t.Fatalf("SendFeedback(yes) at %s: %v", h.o.Step(), err)
		}
	}
}

// lastSavedStep returns the most recent current_step written to the store.
func (s *fakeStore) lastSavedStep() workflow.Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.updates) - 1; i >= 0; i-- {
		if s.updates[i].CurrentStep != nil {
			return *s.updates[i].CurrentStep
		}
	}
	return ""
}

func roles(msgs []workflow.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Role) + ":" + m.Content.String()
	}
	return out
}

// --- Tests ---

func TestSendMessageCreatesSessionLazily(t *testing.T) {
	h := newHarness()

	if id := h.o.SessionID(); id != "" {
		t.Fatalf("session before first message = %q", id)
	}
	msg, err := h.o.SendMessage(ctx, "write a product description")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.Content.Text != "looks complete" || msg.Metadata.Thinking != "checked" {
		t.Errorf("response = %+v", msg)
	}

	st := h.o.State()
	if st.SessionID == "" || st.SessionName != "Conversation 2025-05-01 09:30:00" {
		t.Errorf("session = %q %q", st.SessionID, st.SessionName)
	}
	if diff := cmp.Diff([]string{"user:write a product description", "assistant:looks complete"}, roles(st.Messages)); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}
	if got := len(h.store.stored(st.SessionID)); got != 2 {
		t.Errorf("stored messages = %d, want 2", got)
	}
	for _, m := range st.Messages {
		if m.ID == "" {
			t.Errorf("message %q has no id", m.Content.String())
		}
	}

	calls := h.steps.stepCalls()
	if len(calls) != 1 || calls[0].Req.Content != "write a product description" || calls[0].Req.SessionID != st.SessionID {
		t.Errorf("calls = %+v", calls)
	}
}

func TestSendMessageRejectsEmpty(t *testing.T) {
	h := newHarness()
	_, err := h.o.SendMessage(ctx, "   ")
	var ve *workflow.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(h.steps.stepCalls()) != 0 || len(h.store.sessions) != 0 {
		t.Error("empty message reached the backends")
	}
}

func TestSendMessageConfigErrorIsNotRecorded(t *testing.T) {
	h := newHarness()
	h.steps.modelErr = &remote.ConfigError{Scope: "model", MissingFields: []string{"api_key"}}

	_, err := h.o.SendMessage(ctx, "hello")
	var ce *remote.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
	if len(h.steps.stepCalls()) != 0 {
		t.Error("step ran despite invalid configuration")
	}
	if st := h.o.State(); st.HasError || len(st.Messages) != 0 || st.SessionID != "" {
		t.Errorf("state changed: %+v", st)
	}
}

func TestAnalysisRequestCarriesContextAndSettings(t *testing.T) {
	h := newHarness()
	h.settings.set(workflow.AnalysisConfig{AutoSelect: false, SelectedMethods: []string{"activate_role"}})
	h.at(t, workflow.StepAnalysis)

	calls := h.steps.stepCalls()
	last := calls[len(calls)-1]
	if last.Step != workflow.StepAnalysis {
		t.Fatalf("last step = %s", last.Step)
	}
	if want := "Previous step result: looks complete\n\nUser feedback: Accept"; last.Req.Content != want {
		t.Errorf("content = %q, want %q", last.Req.Content, want)
	}
	if last.Req.Analysis == nil || last.Req.Analysis.SelectedMethods[0] != "activate_role" {
		t.Errorf("analysis = %+v", last.Req.Analysis)
	}
	if got := h.o.Messages(); got[len(got)-1].Content.Kind != workflow.KindAnalysis {
		t.Errorf("last message kind = %s", got[len(got)-1].Content.Kind)
	}
}

func TestFeedbackYesAdvances(t *testing.T) {
	h := newHarness()
	h.at(t, workflow.StepStructure)

	msg, err := h.o.SendFeedback(ctx, workflow.FeedbackYes, "")
	if err != nil {
		t.Fatalf("SendFeedback: %v", err)
	}
	if h.o.Step() != workflow.StepAnalysis {
		t.Errorf("step = %s, want analysis", h.o.Step())
	}
	if !msg.Metadata.IsAnalysis {
		t.Errorf("response = %+v, want an analysis message", msg)
	}
	want := []string{
		"user:write a product description",
		"assistant:looks complete",
		"user:Accept",
		"assistant:" + msg.Content.String(),
	}
	if diff := cmp.Diff(want, roles(h.o.Messages())); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}

	// The thinking of the accepted structure result is written back.
	found := false
	for _, u := range h.store.edits {
		if u.Metadata != nil && u.Metadata.Thinking == "checked" {
			found = true
		}
	}
	if !found {
		t.Error("thinking was not saved on accept")
	}

	var stepSaved bool
	for _, u := range h.store.updates {
		if u.CurrentStep != nil && *u.CurrentStep == workflow.StepAnalysis {
			stepSaved = true
		}
	}
	if !stepSaved {
		t.Error("current_step was not updated in the store")
	}
}

func TestFeedbackValidation(t *testing.T) {
	h := newHarness()

	if _, err := h.o.SendFeedback(ctx, workflow.FeedbackNo, " "); err == nil {
		t.Error("no without content accepted")
	}
	if _, err := h.o.SendFeedback(ctx, workflow.FeedbackYes, ""); err == nil {
		t.Error("feedback without session accepted")
	}

	h.at(t, workflow.StepTesting)
	_, err := h.o.SendFeedback(ctx, workflow.FeedbackYes, "")
	var ve *workflow.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("feedback at testing err = %v, want ValidationError", err)
	}
}

func TestFeedbackSupplementAtStructure(t *testing.T) {
	h := newHarness()
	h.at(t, workflow.StepStructure)

	msg, err := h.o.SendFeedback(ctx, workflow.FeedbackSupplement, "audience is teenagers")
	if err != nil {
		t.Fatalf("SendFeedback: %v", err)
	}
	if msg.Content.Text != "tell me more" || !msg.Metadata.IsSupplement || !msg.Metadata.NeedsSupplement {
		t.Errorf("response = %+v", msg)
	}
	msgs := h.o.Messages()
	user := msgs[len(msgs)-2]
	if user.Role != workflow.RoleUser || !user.Metadata.IsFeedback || user.Content.Text != "audience is teenagers" {
		t.Errorf("feedback message = %+v", user)
	}
	if h.o.Step() != workflow.StepStructure {
		t.Errorf("step = %s", h.o.Step())
	}
	fb := h.steps.fbCalls[0]
	if fb.Req.Feedback != workflow.FeedbackSupplement || fb.Req.Content != "audience is teenagers" {
		t.Errorf("feedback request = %+v", fb.Req)
	}
}

func TestFeedbackKeepsStep(t *testing.T) {
	for _, step := range workflow.Steps {
		if !workflow.FeedbackEnabled(step) {
			continue
		}
		for _, fb := range []workflow.Feedback{workflow.FeedbackNo, workflow.FeedbackSupplement} {
			t.Run(string(step)+"/"+string(fb), func(t *testing.T) {
				h := newHarness()
				h.at(t, step)
				if step == workflow.StepAnalysis {
					h.steps.feedback = `[{"agent_name":"Tone","content":"more formal, with detail"}]`
				}
				before := len(h.o.Messages())

				msg, err := h.o.SendFeedback(ctx, fb, "add more detail")
				if err != nil {
					t.Fatalf("SendFeedback: %v", err)
				}
				if h.o.Step() != step {
					t.Errorf("step = %s, want %s", h.o.Step(), step)
				}
				if got := h.store.lastSavedStep(); got != step {
					t.Errorf("stored current_step = %s, want %s", got, step)
				}
				if got := len(h.o.Messages()); got != before+2 {
					t.Errorf("messages = %d, want %d", got, before+2)
				}
				if step == workflow.StepAnalysis && fb == workflow.FeedbackNo {
					if !msg.Metadata.IsAnalysis || len(msg.Metadata.AnalysisData) != 1 || !msg.Metadata.IsFeedbackResponse {
						t.Errorf("response = %+v, want one analysis block", msg.Metadata)
					}
				}
			})
		}
	}
}

func TestGenerationFailureRecordsErrorStep(t *testing.T) {
	h := newHarness()
	h.at(t, workflow.StepAnalysis)

	h.steps.errs[workflow.StepGeneration] = errors.New("connection refused")
	if _, err := h.o.SendFeedback(ctx, workflow.FeedbackYes, ""); err == nil {
		t.Fatal("expected failure")
	}
	sid := h.o.SessionID()
	stored := h.store.state(sid)
	if !stored.HasError || stored.Step != workflow.StepGeneration {
		t.Fatalf("stored state = %+v", stored)
	}
	rc, err := retry.Decode(stored.RetryData)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rc.Step != workflow.StepGeneration || rc.Content != "Accept" {
		t.Errorf("retry data = %+v", rc)
	}
	before := roles(h.o.Messages())

	delete(h.steps.errs, workflow.StepGeneration)
	msg, err := h.o.Retry(ctx)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	want := append(before, "assistant:"+msg.Content.String())
	if diff := cmp.Diff(want, roles(h.o.Messages())); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}
	if h.o.Step() != workflow.StepGeneration {
		t.Errorf("step = %s, want generation", h.o.Step())
	}
}

func TestFailureThenRetry(t *testing.T) {
	h := newHarness()
	h.settings.set(workflow.AnalysisConfig{AutoSelect: true})
	h.at(t, workflow.StepStructure)

	h.steps.errs[workflow.StepAnalysis] = &remote.TransportError{Endpoint: "/analyze-elements", StatusCode: 502, Message: "bad gateway"}
	if _, err := h.o.SendFeedback(ctx, workflow.FeedbackYes, ""); err == nil {
		t.Fatal("expected failure")
	}

	sid := h.o.SessionID()
	st := h.o.State()
	if !st.HasError || !st.CanRetry || !strings.Contains(st.ErrorMessage, "bad gateway") {
		t.Fatalf("state = %+v", st)
	}
	stored := h.store.state(sid)
	rc, err := retry.Decode(stored.RetryData)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rc.Step != workflow.StepAnalysis || rc.Content != "Accept" || rc.AutoSelectMode == nil || !*rc.AutoSelectMode {
		t.Errorf("retry data = %+v", rc)
	}
	if stored.Step != workflow.StepAnalysis {
		t.Errorf("error step = %s, want analysis", stored.Step)
	}
	before := len(h.o.Messages())

	// Settings change after the failure; the retry replays the snapshot.
	h.settings.set(workflow.AnalysisConfig{SelectedMethods: []string{"focus_subject"}})
	delete(h.steps.errs, workflow.StepAnalysis)

	if _, err := h.o.Retry(ctx); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	calls := h.steps.stepCalls()
	if last := calls[len(calls)-1]; !last.Req.Analysis.AutoSelect {
		t.Errorf("retry used live settings: %+v", last.Req.Analysis)
	}
	if got := len(h.o.Messages()); got != before+1 {
		t.Errorf("messages = %d, want %d (no duplicated user message)", got, before+1)
	}
	if st := h.o.State(); st.HasError || st.CanRetry {
		t.Errorf("error state not cleared: %+v", st)
	}
	if h.store.state(sid).HasError {
		t.Error("store error state not cleared")
	}

	// Live settings are back in use.
	h.o.SwapAnalysis(workflow.AnalysisConfig{})
	if cfg := h.o.analysisConfig(ctx); cfg.AutoSelect || cfg.SelectedMethods[0] != "focus_subject" {
		t.Errorf("live settings = %+v", cfg)
	}

	if _, err := h.o.Retry(ctx); !errors.Is(err, ErrNoRetry) {
		t.Errorf("second retry err = %v, want ErrNoRetry", err)
	}
}

func TestRetryFeedbackReplaysVerdict(t *testing.T) {
	h := newHarness()
	h.at(t, workflow.StepStructure)

	h.steps.fbErr = errors.New("connection reset")
	if _, err := h.o.SendFeedback(ctx, workflow.FeedbackSupplement, "more detail"); err == nil {
		t.Fatal("expected failure")
	}
	before := len(h.o.Messages())

	h.steps.fbErr = nil
	if _, err := h.o.Retry(ctx); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	last := h.steps.fbCalls[len(h.steps.fbCalls)-1]
	if last.Req.Feedback != workflow.FeedbackSupplement || last.Req.Content != "more detail" {
		t.Errorf("replayed = %+v", last.Req)
	}
	if got := len(h.o.Messages()); got != before+1 {
		t.Errorf("messages = %d, want %d", got, before+1)
	}
}

func TestTemplateRegeneration(t *testing.T) {
	h := newHarness()
	h.at(t, workflow.StepGeneration)
	before := len(h.o.Messages())

	h.steps.errs[workflow.StepGeneration] = errors.New("timeout")
	if _, err := h.o.SendMessage(ctx, "", WithTemplate("role_play")); err == nil {
		t.Fatal("expected failure")
	}
	calls := h.steps.stepCalls()
	last := calls[len(calls)-1]
	if last.Req.TemplateKey != "role_play" || last.Req.Content != "" {
		t.Errorf("request = %+v", last.Req)
	}
	if got := len(h.o.Messages()); got != before {
		t.Errorf("regeneration added a message: %d -> %d", before, got)
	}
	rc, _ := retry.Decode(h.store.state(h.o.SessionID()).RetryData)
	if rc.TemplateKey != "role_play" {
		t.Errorf("retry templateKey = %q", rc.TemplateKey)
	}
}

func TestBusyGuardDropsConcurrentSend(t *testing.T) {
	h := newHarness()
	entered := make(chan struct{})
	release := make(chan struct{})
	h.steps.hook = func() {
		close(entered)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.o.SendMessage(ctx, "first")
		done <- err
	}()
	<-entered

	if !h.o.State().Loading {
		t.Error("Loading = false while a request is in flight")
	}
	if _, err := h.o.SendMessage(ctx, "second"); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent send err = %v, want ErrBusy", err)
	}
	if _, err := h.o.Retry(ctx); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent retry err = %v, want ErrBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
	if got := len(h.steps.stepCalls()); got != 1 {
		t.Errorf("step calls = %d, want 1", got)
	}
}

func TestStaleResponseIsNotMerged(t *testing.T) {
	h := newHarness()
	h.at(t, workflow.StepStructure)
	sid := h.o.SessionID()
	storedBefore := len(h.store.stored(sid))

	h.steps.hook = func() { h.o.NewSession() }
	_, err := h.o.SendMessage(ctx, "more")
	if !errors.Is(err, ErrStaleSession) {
		t.Fatalf("err = %v, want ErrStaleSession", err)
	}
	if got := h.o.Messages(); len(got) != 0 {
		t.Errorf("new session history = %v", roles(got))
	}
	if got := len(h.store.stored(sid)); got != storedBefore+2 {
		t.Errorf("stored = %d, want %d", got, storedBefore+2)
	}
}

func TestEditMessage(t *testing.T) {
	h := newHarness()
	h.at(t, workflow.StepAnalysis)
	msgs := h.o.Messages()
	last := len(msgs) - 1

	if _, err := h.o.EditMessage(ctx, 0, "changed", nil); err == nil {
		t.Error("edited a message that is not awaiting feedback")
	}

	blocks := []workflow.AnalysisBlock{{AgentName: "Tone", Content: "casual"}}
	edited, err := h.o.EditMessage(ctx, last, "", blocks)
	if err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if diff := cmp.Diff(blocks, edited.Metadata.AnalysisData); diff != "" {
		t.Errorf("analysis data (-want +got):\n%s", diff)
	}
	u, ok := h.store.edits[edited.ID]
	if !ok || u.Content == nil || u.Metadata == nil {
		t.Fatalf("store update = %+v", u)
	}
	if !strings.Contains(*u.Content, "casual") {
		t.Errorf("content = %q", *u.Content)
	}
}

func TestEditMessageRejectsEmptyPrompt(t *testing.T) {
	h := newHarness()
	h.at(t, workflow.StepGeneration)
	msgs := h.o.Messages()
	last := len(msgs) - 1
	before := msgs[last].Content.String()

	blocks := []workflow.AnalysisBlock{{AgentName: "x", Content: "y"}}
	_, err := h.o.EditMessage(ctx, last, "", blocks)
	var ve *workflow.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	msgs = h.o.Messages()
	if got := msgs[last].Content.String(); got != before {
		t.Errorf("content = %q, want %q", got, before)
	}
	if _, ok := h.store.edits[msgs[last].ID]; ok {
		t.Error("rejected edit reached the store")
	}
}

func TestLoadRestoresErrorState(t *testing.T) {
	h := newHarness()
	data, _ := retry.ForSend(workflow.StepGeneration, "again", "", workflow.AnalysisConfig{}).Encode()
	h.store.sessions = []remote.Session{
		{ID: "new", Name: "newest", CurrentStep: workflow.StepGeneration, HasError: true, ErrorMessage: "boom", RetryData: data},
		{ID: "old", Name: "older", CurrentStep: "bogus"},
	}
	h.store.messages["new"] = []workflow.Message{{ID: "1", Role: workflow.RoleUser, Content: workflow.TextContent("hi")}}

	if err := h.o.Load(ctx, ""); err != nil {
		t.Fatalf("Load: %v", err)
	}
	st := h.o.State()
	if st.SessionID != "new" || st.Step != workflow.StepGeneration || !st.HasError || !st.CanRetry || st.ErrorMessage != "boom" {
		t.Errorf("state = %+v", st)
	}

	if err := h.o.SwitchSession(ctx, "old"); err != nil {
		t.Fatalf("SwitchSession: %v", err)
	}
	if st := h.o.State(); st.Step != workflow.StepStructure || st.HasError {
		t.Errorf("unknown step state = %+v", st)
	}

	if err := h.o.Load(ctx, "old"); err != nil {
		t.Fatalf("Load preferred: %v", err)
	}
	if h.o.SessionID() != "old" {
		t.Errorf("preferred session not opened: %q", h.o.SessionID())
	}
}

func TestDeleteActiveSessionOpensNext(t *testing.T) {
	h := newHarness()
	h.store.sessions = []remote.Session{
		{ID: "a", Name: "a", CurrentStep: workflow.StepStructure},
		{ID: "b", Name: "b", CurrentStep: workflow.StepAnalysis},
	}
	if err := h.o.Load(ctx, ""); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := h.o.DeleteSession(ctx, "a"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if h.o.SessionID() != "b" || h.o.Step() != workflow.StepAnalysis {
		t.Errorf("active = %q at %s", h.o.SessionID(), h.o.Step())
	}
	if err := h.o.DeleteSession(ctx, "b"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if h.o.SessionID() != "" || h.o.Step() != workflow.StepStructure {
		t.Errorf("expected new-session mode, got %q at %s", h.o.SessionID(), h.o.Step())
	}
}

func TestRenameSession(t *testing.T) {
	h := newHarness()
	h.at(t, workflow.StepStructure)

	if err := h.o.RenameSession(ctx, h.o.SessionID(), " "); err == nil {
		t.Error("empty name accepted")
	}
	if err := h.o.RenameSession(ctx, h.o.SessionID(), "Launch copy"); err != nil {
		t.Fatalf("RenameSession: %v", err)
	}
	if got := h.o.State().SessionName; got != "Launch copy" {
		t.Errorf("name = %q", got)
	}
}

func TestPersistenceFailureKeepsLocalMessage(t *testing.T) {
	h := newHarness()
	h.store.addErr = errors.New("disk full")

	msg, err := h.o.SendMessage(ctx, "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.ID != "" {
		t.Errorf("id = %q, want none", msg.ID)
	}
	if got := len(h.o.Messages()); got != 2 {
		t.Errorf("messages = %d, want 2", got)
	}
}
