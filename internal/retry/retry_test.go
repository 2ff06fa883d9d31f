package retry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/linguaworks/lingua/internal/workflow"
)

type mockStateStore struct {
	mu    sync.Mutex
	calls []State
	err   error
}

func (m *mockStateStore) SetErrorState(_ context.Context, _ string, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, st)
	return m.err
}

var ctx = context.Background()

func TestForSend_AnalysisCapturesSettings(t *testing.T) {
	cfg := workflow.AnalysisConfig{
		AutoSelect:      false,
		SelectedMethods: []string{"tone"},
		CustomMethods:   []workflow.CustomMethod{{MethodKey: "brand", Label: "Brand"}},
	}
	rc := ForSend(workflow.StepAnalysis, "hello", "", cfg)

	// Mutating the live config must not leak into the snapshot.
	cfg.SelectedMethods[0] = "changed"

	snap, ok := rc.Snapshot()
	if !ok {
		t.Fatal("expected a snapshot for the analysis step")
	}
	want := workflow.AnalysisConfig{
		SelectedMethods: []string{"tone"},
		CustomMethods:   []workflow.CustomMethod{{MethodKey: "brand", Label: "Brand"}},
	}
	if diff := cmp.Diff(want, snap); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestForSend_OtherStepsCarryNoSettings(t *testing.T) {
	rc := ForSend(workflow.StepGeneration, "x", "crisp", workflow.AnalysisConfig{AutoSelect: true})
	if _, ok := rc.Snapshot(); ok {
		t.Error("generation should not carry analysis settings")
	}
	if rc.TemplateKey != "crisp" {
		t.Errorf("templateKey = %q", rc.TemplateKey)
	}

	data, err := rc.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if data != `{"content":"x","step":"generation","templateKey":"crisp"}` {
		t.Errorf("encoded = %s", data)
	}
}

func TestEncodeDecode_AnalysisKeys(t *testing.T) {
	rc := ForFeedback(workflow.StepAnalysis, workflow.FeedbackNo, "more", workflow.AnalysisConfig{AutoSelect: true})
	data, err := rc.Encode()
	if err != nil {
		t.Fatal(err)
	}
	want := `{"content":"more","step":"analysis","isFeedback":true,"feedback":"no","autoSelectMode":true}`
	if data != want {
		t.Errorf("encoded = %s\nwant      %s", data, want)
	}

	back, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(rc, back); diff != "" {
		t.Errorf("decode mismatch (-want +got):\n%s", diff)
	}
}

func TestReplayFeedbackDefaultsToNo(t *testing.T) {
	rc, err := Decode(`{"content":"x","step":"structure","isFeedback":true}`)
	if err != nil {
		t.Fatal(err)
	}
	if got := rc.ReplayFeedback(); got != workflow.FeedbackNo {
		t.Errorf("ReplayFeedback = %q, want no", got)
	}
}

func TestRecorder_FailureThenConsume(t *testing.T) {
	store := &mockStateStore{}
	r := NewRecorder(store)

	rc := ForSend(workflow.StepGeneration, "draft", "", workflow.AnalysisConfig{})
	r.RecordFailure(ctx, "s1", rc, errors.New("network down"))

	if len(store.calls) != 1 {
		t.Fatalf("store calls = %d, want 1", len(store.calls))
	}
	st := store.calls[0]
	if !st.HasError || st.Step != workflow.StepGeneration || st.Message != "network down" {
		t.Errorf("state = %+v", st)
	}
	if msg, ok := r.Failed("s1"); !ok || msg != "network down" {
		t.Errorf("Failed = %q, %v", msg, ok)
	}

	got, err := r.Consume(ctx, "s1")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got.Content != "draft" || got.Step != workflow.StepGeneration {
		t.Errorf("consumed = %+v", got)
	}
	if len(store.calls) != 2 || store.calls[1].HasError {
		t.Errorf("expected a clearing call, got %+v", store.calls)
	}
	if _, err := r.Consume(ctx, "s1"); !errors.Is(err, ErrNothingToRetry) {
		t.Errorf("second Consume err = %v, want ErrNothingToRetry", err)
	}
}

func TestRecorder_StoreFailureIsNotFatal(t *testing.T) {
	store := &mockStateStore{err: errors.New("store offline")}
	r := NewRecorder(store)

	r.RecordFailure(ctx, "s1", ForSend(workflow.StepStructure, "x", "", workflow.AnalysisConfig{}), errors.New("boom"))
	if _, ok := r.Pending("s1"); !ok {
		t.Error("failure should stay retryable in memory")
	}

	r.Clear(ctx, "s1")
	if _, ok := r.Failed("s1"); ok {
		t.Error("Clear should drop the in-memory state even if the store fails")
	}
}

func TestRecorder_ClearOnlyTouchesStoreWhenErrored(t *testing.T) {
	store := &mockStateStore{}
	r := NewRecorder(store)

	r.Clear(ctx, "clean")
	if len(store.calls) != 0 {
		t.Errorf("store calls = %d, want 0", len(store.calls))
	}
}

func TestRecorder_Restore(t *testing.T) {
	r := NewRecorder(&mockStateStore{})

	r.Restore("s1", State{HasError: true, Message: "", RetryData: `{"content":"c","step":"testing"}`})
	if msg, ok := r.Failed("s1"); !ok || msg != "unknown error" {
		t.Errorf("Failed = %q, %v", msg, ok)
	}
	rc, ok := r.Pending("s1")
	if !ok || rc.Step != workflow.StepTesting {
		t.Errorf("Pending = %+v, %v", rc, ok)
	}

	r.Restore("s2", State{HasError: true, Message: "bad", RetryData: "{not json"})
	if _, ok := r.Pending("s2"); ok {
		t.Error("unreadable retry data should not be retryable")
	}
	if _, ok := r.Failed("s2"); !ok {
		t.Error("session should still be marked errored")
	}

	r.Restore("s1", State{})
	if _, ok := r.Failed("s1"); ok {
		t.Error("clean state should clear the session")
	}
}

type liveSettings struct {
	cfg workflow.AnalysisConfig
}

func (l *liveSettings) SwapAnalysis(cfg workflow.AnalysisConfig) workflow.AnalysisConfig {
	prev := l.cfg
	l.cfg = cfg
	return prev
}

func TestReplay_RestoresOnErrorAndPanic(t *testing.T) {
	live := &liveSettings{cfg: workflow.AnalysisConfig{SelectedMethods: []string{"live"}}}
	rc := ForSend(workflow.StepAnalysis, "x", "", workflow.AnalysisConfig{AutoSelect: true})

	var seen workflow.AnalysisConfig
	err := Replay(live, rc, func() error {
		seen = live.cfg
		return errors.New("still failing")
	})
	if err == nil {
		t.Fatal("expected the replay error")
	}
	if !seen.AutoSelect {
		t.Error("snapshot was not swapped in during replay")
	}
	if live.cfg.AutoSelect || live.cfg.SelectedMethods[0] != "live" {
		t.Errorf("live settings not restored: %+v", live.cfg)
	}

	func() {
		defer func() { recover() }()
		Replay(live, rc, func() error { panic("boom") })
	}()
	if live.cfg.AutoSelect {
		t.Error("live settings not restored after panic")
	}
}

func TestReplay_NoSnapshotRunsDirectly(t *testing.T) {
	live := &liveSettings{cfg: workflow.AnalysisConfig{AutoSelect: true}}
	rc := ForSend(workflow.StepStructure, "x", "", workflow.AnalysisConfig{})

	Replay(live, rc, func() error {
		if !live.cfg.AutoSelect {
			t.Error("settings should be untouched")
		}
		return nil
	})
}
