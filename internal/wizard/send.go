package wizard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/linguaworks/lingua/internal/remote"
	"github.com/linguaworks/lingua/internal/retry"
	"github.com/linguaworks/lingua/internal/workflow"
)

// acceptMessage is sent to the next step when "yes" carries no content.
const acceptMessage = "Accept"

// SendOption configures SendMessage.
type SendOption func(*sendOptions)

type sendOptions struct {
	templateKey string
	replay      bool
}

// WithTemplate regenerates the generation step with the given template.
// Combined with empty content no user message is added.
func WithTemplate(key string) SendOption {
	return func(o *sendOptions) { o.templateKey = key }
}

// SendMessage sends content to the current step and returns the message
// built from the response.
func (o *Orchestrator) SendMessage(ctx context.Context, content string, opts ...SendOption) (workflow.Message, error) {
	if err := o.acquire(); err != nil {
		return workflow.Message{}, err
	}
	defer o.release()

	var so sendOptions
	for _, opt := range opts {
		opt(&so)
	}
	return o.send(ctx, content, o.Step(), so)
}

func (o *Orchestrator) send(ctx context.Context, content string, step workflow.Step, so sendOptions) (workflow.Message, error) {
	regen := step == workflow.StepGeneration && so.templateKey != "" && strings.TrimSpace(content) == ""
	if strings.TrimSpace(content) == "" && !regen {
		return workflow.Message{}, workflow.Invalid("send", "message cannot be empty")
	}
	if step != workflow.StepGeneration {
		so.templateKey = ""
	}

	if err := o.steps.ValidateModelConfig(ctx); err != nil {
		return workflow.Message{}, err
	}

	o.mu.Lock()
	prior := append([]workflow.Message(nil), o.history...)
	userIdx := -1
	if !so.replay && !regen {
		o.history = append(o.history, workflow.Message{
			Role:      workflow.RoleUser,
			Content:   workflow.TextContent(content),
			Step:      o.step,
			Timestamp: o.now(),
		})
		userIdx = len(o.history) - 1
	}
	o.mu.Unlock()

	t, err := o.ensureSession(ctx, userIdx)
	if err != nil {
		return workflow.Message{}, err
	}

	payload := workflow.ComposeContext(step, prior, content, regen)

	req := remote.StepRequest{SessionID: t.sessionID, Content: payload, TemplateKey: so.templateKey}
	var cfg workflow.AnalysisConfig
	if step == workflow.StepAnalysis {
		if err := o.steps.ValidateAnalysisConfig(ctx); err != nil {
			return workflow.Message{}, err
		}
		cfg = o.analysisConfig(ctx)
		req.Analysis = &cfg
	}

	o.logger.Info("running step", "session_id", t.sessionID, "step", step, "replay", so.replay, "template", so.templateKey)
	raw, err := o.steps.RunStep(ctx, step, req)
	if err != nil {
		return workflow.Message{}, o.fail(ctx, t, step, retry.ForSend(step, content, so.templateKey, cfg), err)
	}

	msg := workflow.BuildResponseMessage(step, raw)
	msg.Timestamp = o.now()
	return o.succeed(ctx, t, step, msg)
}

// ensureSession creates the session row on the first message and saves the
// local history into it. For an existing session only the new user message
// at userIdx is saved.
func (o *Orchestrator) ensureSession(ctx context.Context, userIdx int) (ticket, error) {
	t, ok := o.current()
	if ok {
		if userIdx >= 0 {
			o.persistAt(ctx, t, userIdx)
		}
		return t, nil
	}

	name := "Conversation " + o.now().Format("2006-01-02 15:04:05")
	sess, err := o.store.CreateSession(ctx, name, workflow.StepStructure)
	if err != nil {
		o.mu.Lock()
		if userIdx >= 0 && o.epoch == t.epoch && userIdx == len(o.history)-1 {
			o.history = o.history[:userIdx]
		}
		o.mu.Unlock()
		return ticket{}, fmt.Errorf("creating session: %w", err)
	}
	o.logger.Info("created session", "session_id", sess.ID, "name", sess.Name)

	o.mu.Lock()
	if o.epoch != t.epoch {
		o.mu.Unlock()
		return ticket{}, ErrStaleSession
	}
	o.session = &sess
	o.sessions = append([]remote.Session{sess}, o.sessions...)
	n := len(o.history)
	t = ticket{sessionID: sess.ID, epoch: o.epoch}
	o.mu.Unlock()

	for i := 0; i < n; i++ {
		o.persistAt(ctx, t, i)
	}
	return t, nil
}

// persistAt saves the unsaved message at index i of the active history and
// records its id. Failures are logged; the message stays local.
func (o *Orchestrator) persistAt(ctx context.Context, t ticket, i int) {
	o.mu.Lock()
	if !o.stillCurrent(t) || i >= len(o.history) || o.history[i].ID != "" {
		o.mu.Unlock()
		return
	}
	msg := o.history[i]
	o.mu.Unlock()

	id, err := o.store.AddMessage(ctx, t.sessionID, msg)
	if err != nil {
		o.logger.Warn("saving message failed", "session_id", t.sessionID, "step", msg.Step, "err", err)
		return
	}
	o.mu.Lock()
	if o.stillCurrent(t) && i < len(o.history) {
		o.history[i].ID = id
	}
	o.mu.Unlock()
}

// succeed saves msg to the session that made the request, merges it into the
// history if that session is still active, and clears any error state.
func (o *Orchestrator) succeed(ctx context.Context, t ticket, step workflow.Step, msg workflow.Message) (workflow.Message, error) {
	id, err := o.store.AddMessage(ctx, t.sessionID, msg)
	if err != nil {
		o.logger.Warn("saving response failed", "session_id", t.sessionID, "step", step, "err", err)
	} else {
		msg.ID = id
	}

	o.recorder.Clear(ctx, t.sessionID)
	o.saveStep(ctx, t.sessionID, step)

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.stillCurrent(t) {
		o.logger.Info("dropping response for inactive session", "session_id", t.sessionID, "step", step)
		return msg, ErrStaleSession
	}
	o.history = append(o.history, msg)
	o.step = step
	o.session.CurrentStep = step
	return msg, nil
}

// fail records a failed request for retry. Configuration errors are
// returned as they are.
func (o *Orchestrator) fail(ctx context.Context, t ticket, step workflow.Step, rc retry.Context, err error) error {
	var ce *remote.ConfigError
	if errors.As(err, &ce) {
		return err
	}
	o.logger.Error("step request failed", "session_id", t.sessionID, "step", step, "err", err)
	o.recorder.RecordFailure(ctx, t.sessionID, rc, err)
	o.saveStep(ctx, t.sessionID, step)
	return fmt.Errorf("%s step: %w", step, err)
}

func (o *Orchestrator) saveStep(ctx context.Context, sessionID string, step workflow.Step) {
	if err := o.store.UpdateSession(ctx, sessionID, remote.SessionUpdate{CurrentStep: &step}); err != nil {
		o.logger.Warn("saving current step failed", "session_id", sessionID, "step", step, "err", err)
	}
}

// SendFeedback sends the user's verdict on the current step's result. "yes"
// advances to the next step and runs it with content, or "Accept" when
// content is empty; the returned message is that step's response.
func (o *Orchestrator) SendFeedback(ctx context.Context, fb workflow.Feedback, content string) (workflow.Message, error) {
	if fb.RequiresContent() && strings.TrimSpace(content) == "" {
		return workflow.Message{}, workflow.Invalid("feedback", "%q feedback needs content", fb)
	}
	if err := o.acquire(); err != nil {
		return workflow.Message{}, err
	}
	defer o.release()

	return o.feedback(ctx, o.Step(), fb, content, false)
}

func (o *Orchestrator) feedback(ctx context.Context, step workflow.Step, fb workflow.Feedback, content string, replay bool) (workflow.Message, error) {
	if !workflow.FeedbackEnabled(step) {
		return workflow.Message{}, workflow.Invalid("feedback", "step %s does not accept feedback", step)
	}
	t, ok := o.current()
	if !ok {
		return workflow.Message{}, workflow.Invalid("feedback", "no active session")
	}

	if fb != workflow.FeedbackYes && !replay {
		o.mu.Lock()
		user := workflow.Message{
			Role:      workflow.RoleUser,
			Content:   workflow.TextContent(content),
			Step:      o.step,
			Timestamp: o.now(),
		}
		user.Metadata.IsFeedback = true
		o.history = append(o.history, user)
		idx := len(o.history) - 1
		o.mu.Unlock()
		o.persistAt(ctx, t, idx)
	}

	req := remote.FeedbackRequest{SessionID: t.sessionID, Feedback: fb, Content: content}
	var cfg workflow.AnalysisConfig
	if step == workflow.StepAnalysis {
		cfg = o.analysisConfig(ctx)
		req.Analysis = &cfg
	}

	o.logger.Info("sending feedback", "session_id", t.sessionID, "step", step, "feedback", fb, "replay", replay)
	raw, err := o.steps.SendFeedback(ctx, step, req)
	if err != nil {
		return workflow.Message{}, o.fail(ctx, t, step, retry.ForFeedback(step, fb, content, cfg), err)
	}

	if fb == workflow.FeedbackYes {
		return o.advance(ctx, t, step, content)
	}

	msg, _ := workflow.BuildFeedbackMessage(step, fb, raw)
	msg.Timestamp = o.now()
	return o.succeed(ctx, t, step, msg)
}

// advance moves to the step after current and runs it.
func (o *Orchestrator) advance(ctx context.Context, t ticket, current workflow.Step, content string) (workflow.Message, error) {
	o.recorder.Clear(ctx, t.sessionID)
	o.saveThinking(ctx, t)

	next := workflow.NextStep(current, workflow.FeedbackYes)
	o.saveStep(ctx, t.sessionID, next)

	o.mu.Lock()
	if !o.stillCurrent(t) {
		o.mu.Unlock()
		return workflow.Message{}, ErrStaleSession
	}
	o.step = next
	o.session.CurrentStep = next
	o.mu.Unlock()
	o.logger.Info("advanced step", "session_id", t.sessionID, "from", current, "to", next)

	if strings.TrimSpace(content) == "" {
		content = acceptMessage
	}
	return o.send(ctx, content, next, sendOptions{})
}

// saveThinking writes the reasoning of the last assistant message that has
// some into its stored metadata.
func (o *Orchestrator) saveThinking(ctx context.Context, t ticket) {
	o.mu.Lock()
	var target *workflow.Message
	for i := len(o.history) - 1; i >= 0; i-- {
		m := o.history[i]
		if m.IsAssistant() && m.Metadata.Thinking != "" {
			cp := m
			target = &cp
			break
		}
	}
	o.mu.Unlock()

	if target == nil || target.ID == "" {
		return
	}
	md := target.Metadata
	if err := o.store.UpdateMessage(ctx, target.ID, remote.MessageUpdate{Metadata: &md}); err != nil {
		o.logger.Warn("saving thinking failed", "session_id", t.sessionID, "message_id", target.ID, "err", err)
	}
}

// EditMessage replaces the content of the message awaiting feedback. For
// analysis messages blocks, when given, replace the structured analysis.
func (o *Orchestrator) EditMessage(ctx context.Context, index int, content string, blocks []workflow.AnalysisBlock) (workflow.Message, error) {
	if strings.TrimSpace(content) == "" && len(blocks) == 0 {
		return workflow.Message{}, workflow.Invalid("edit", "content cannot be empty")
	}

	o.mu.Lock()
	if index < 0 || index >= len(o.history) || !workflow.IsEditable(o.history[index], index, len(o.history), o.step) {
		o.mu.Unlock()
		return workflow.Message{}, workflow.Invalid("edit", "message %d is not awaiting feedback", index)
	}
	m := &o.history[index]
	if strings.TrimSpace(content) == "" && !m.Metadata.IsAnalysis {
		o.mu.Unlock()
		return workflow.Message{}, workflow.Invalid("edit", "content cannot be empty")
	}
	update := remote.MessageUpdate{}
	if blocks != nil && m.Metadata.IsAnalysis {
		m.Metadata.AnalysisData = append([]workflow.AnalysisBlock(nil), blocks...)
		m.Content.Blocks = m.Metadata.AnalysisData
		if strings.TrimSpace(content) == "" {
			content = workflow.RenderBlocks(blocks)
		}
		md := m.Metadata
		update.Metadata = &md
	}
	m.Content.Text = content
	if m.Content.Kind != workflow.KindAnalysis {
		m.Content = workflow.TextContent(content)
	}
	update.Content = &content
	edited := *m
	o.mu.Unlock()

	if edited.ID == "" {
		o.logger.Warn("message has no id, edit kept locally", "index", index)
		return edited, nil
	}
	if err := o.store.UpdateMessage(ctx, edited.ID, update); err != nil {
		o.logger.Warn("saving edited message failed", "message_id", edited.ID, "err", err)
	}
	return edited, nil
}

// Retry replays the last failed request of the active session without
// adding the user's message again. Analysis settings captured at failure
// time are used for the replay and the live ones restored afterwards.
func (o *Orchestrator) Retry(ctx context.Context) (workflow.Message, error) {
	if err := o.acquire(); err != nil {
		return workflow.Message{}, err
	}
	defer o.release()

	t, ok := o.current()
	if !ok {
		return workflow.Message{}, ErrNoRetry
	}
	rc, err := o.recorder.Consume(ctx, t.sessionID)
	if err != nil {
		return workflow.Message{}, err
	}
	o.logger.Info("retrying", "session_id", t.sessionID, "step", rc.Step, "feedback", rc.IsFeedback)

	o.mu.Lock()
	o.replaying = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.replaying = false
		o.mu.Unlock()
	}()

	var msg workflow.Message
	err = retry.Replay(o, rc, func() error {
		var err error
		if rc.IsFeedback {
			msg, err = o.feedback(ctx, rc.Step, rc.ReplayFeedback(), rc.Content, true)
		} else {
			msg, err = o.send(ctx, rc.Content, rc.Step, sendOptions{templateKey: rc.TemplateKey, replay: true})
		}
		return err
	})
	return msg, err
}
