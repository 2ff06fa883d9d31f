package wizard

import (
	"context"
	"fmt"
	"strings"

	"github.com/linguaworks/lingua/internal/remote"
	"github.com/linguaworks/lingua/internal/retry"
	"github.com/linguaworks/lingua/internal/workflow"
)

// Load lists the stored sessions, refreshes the analysis settings and opens
// preferredID, or the most recently updated session when preferredID is
// empty or unknown. With no stored sessions the orchestrator stays in
// new-session mode.
func (o *Orchestrator) Load(ctx context.Context, preferredID string) error {
	sessions, err := o.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if cfg, err := o.settings.Reload(ctx); err != nil {
		o.logger.Warn("loading analysis settings failed", "err", err)
	} else {
		o.SwapAnalysis(cfg)
	}

	o.mu.Lock()
	o.sessions = sessions
	o.mu.Unlock()

	if len(sessions) == 0 {
		o.NewSession()
		return nil
	}
	target := sessions[0]
	for _, s := range sessions {
		if s.ID == preferredID {
			target = s
			break
		}
	}
	return o.open(ctx, target)
}

// Sessions returns the known sessions, most recent first.
func (o *Orchestrator) Sessions() []remote.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]remote.Session(nil), o.sessions...)
}

// NewSession clears the active session. The session row is created when
// the first message is sent.
func (o *Orchestrator) NewSession() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.session = nil
	o.history = nil
	o.step = workflow.StepStructure
	o.epoch++
}

// SwitchSession makes id the active session and loads its messages.
func (o *Orchestrator) SwitchSession(ctx context.Context, id string) error {
	o.mu.Lock()
	var target *remote.Session
	for i := range o.sessions {
		if o.sessions[i].ID == id {
			s := o.sessions[i]
			target = &s
			break
		}
	}
	o.mu.Unlock()

	if target == nil {
		sessions, err := o.store.ListSessions(ctx)
		if err != nil {
			return fmt.Errorf("listing sessions: %w", err)
		}
		o.mu.Lock()
		o.sessions = sessions
		o.mu.Unlock()
		for i := range sessions {
			if sessions[i].ID == id {
				target = &sessions[i]
				break
			}
		}
	}
	if target == nil {
		return workflow.Invalid("switch session", "unknown session %q", id)
	}
	return o.open(ctx, *target)
}

func (o *Orchestrator) open(ctx context.Context, s remote.Session) error {
	msgs, err := o.store.ListMessages(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("loading messages of %s: %w", s.ID, err)
	}
	step := s.CurrentStep
	if !step.Valid() {
		o.logger.Warn("session has unknown step, restarting at the first step", "session_id", s.ID, "step", step)
		step = workflow.Steps[workflow.StepIndex(step)]
	}

	o.recorder.Restore(s.ID, retry.State{
		HasError:  bool(s.HasError),
		Message:   s.ErrorMessage,
		Step:      workflow.Step(s.ErrorStep),
		RetryData: s.RetryData,
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	o.session = &s
	o.history = msgs
	o.step = step
	o.epoch++
	o.logger.Debug("opened session", "session_id", s.ID, "messages", len(msgs), "step", step)
	return nil
}

// RenameSession changes the display name of a session.
func (o *Orchestrator) RenameSession(ctx context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return workflow.Invalid("rename session", "name cannot be empty")
	}
	if err := o.store.UpdateSession(ctx, id, remote.SessionUpdate{Name: &name}); err != nil {
		return fmt.Errorf("renaming session %s: %w", id, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.sessions {
		if o.sessions[i].ID == id {
			o.sessions[i].Name = name
		}
	}
	if o.session != nil && o.session.ID == id {
		o.session.Name = name
	}
	return nil
}

// DeleteSession removes a session. Deleting the active session opens the
// next most recent one, or new-session mode when none is left.
func (o *Orchestrator) DeleteSession(ctx context.Context, id string) error {
	if err := o.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	o.recorder.Forget(id)

	o.mu.Lock()
	remaining := o.sessions[:0:0]
	for _, s := range o.sessions {
		if s.ID != id {
			remaining = append(remaining, s)
		}
	}
	o.sessions = remaining
	wasActive := o.session != nil && o.session.ID == id
	o.mu.Unlock()

	if !wasActive {
		return nil
	}
	if len(remaining) == 0 {
		o.NewSession()
		return nil
	}
	return o.open(ctx, remaining[0])
}
