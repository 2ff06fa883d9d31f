package versions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linguaworks/lingua/internal/remote"
	"github.com/linguaworks/lingua/internal/storage"
	"github.com/linguaworks/lingua/internal/workflow"
)

// Backend defines the version and chat-test operations the Manager needs.
// Implemented by remote.Client.
type Backend interface {
	ListVersions(ctx context.Context, sessionID string) ([]remote.VersionRecord, error)
	CreateVersion(ctx context.Context, sessionID string, v remote.NewVersion) (remote.CreatedVersion, error)
	RenameVersion(ctx context.Context, sessionID string, versionID int64, name string) error
	DeleteVersion(ctx context.Context, sessionID string, versionID int64) error
	ChatTestHistory(ctx context.Context, sessionID string, versionID int64) ([]remote.ChatTestMessage, error)
	SaveChatTestMessage(ctx context.Context, in remote.ChatTestMessageInput) (int64, error)
	ChatTestVersion(ctx context.Context, sessionID string, versionID int64, userMessage string) (remote.ChatTestReply, error)
	DiffAnalysis(ctx context.Context, sessionID string, leftID, rightID int64) (*remote.DiffAnalysis, error)
	SaveDiffAnalysis(ctx context.Context, sessionID string, leftID, rightID int64, a remote.DiffAnalysis) error
	ExplainDiff(ctx context.Context, sessionID string, leftID, rightID int64, leftMsgs, rightMsgs []int64) (string, error)
}

// DiffCache is the local copy of diff explanations. Implemented by
// storage.Store.
type DiffCache interface {
	GetDiff(key string) (string, error)
	PutDiff(key, value string) error
}

// Manager owns the comparison state of one session at a time. All methods
// are safe for concurrent use; operations on the same Manager run one at a
// time.
type Manager struct {
	backend Backend
	cache   DiffCache
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	sessionID string
	phase     Phase
	data      ComparisonData
	diff      DiffState
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. cache may be nil, in which case diff
// explanations live only in the backend.
func NewManager(backend Backend, cache DiffCache, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		cache:   cache,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open starts a comparison for a test-result message. Stored versions win;
// when the session has none, the original/optimized pair is synthesized from
// the content and persisted.
func (m *Manager) Open(ctx context.Context, sessionID string, content workflow.Content) (ComparisonData, error) {
	if content.Kind != workflow.KindTestResult || content.Test == nil || !content.Test.HasComparison() {
		return ComparisonData{}, ErrNoComparison
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.backend.ListVersions(ctx, sessionID)
	if err != nil {
		m.logger.Warn("listing versions failed, synthesizing baseline", "session", sessionID, "error", err)
	}

	var list []Version
	if err == nil && len(records) > 0 {
		list = make([]Version, 0, len(records))
		for _, r := range records {
			list = append(list, fromRecord(r))
		}
	} else {
		list = m.synthesize(ctx, sessionID, content.Test)
	}

	m.reset(sessionID, list)
	return m.data.clone(), nil
}

func (m *Manager) synthesize(ctx context.Context, sessionID string, tr *workflow.TestResult) []Version {
	now := m.now()
	list := []Version{
		{ID: 1, VersionNumber: 1, Prompt: tr.OriginalPrompt, Result: tr.OriginalResult, Timestamp: now, IsOriginal: true},
		{ID: 2, VersionNumber: 2, Prompt: tr.OptimizedPrompt, Result: tr.OptimizedResult, Timestamp: now, IsOptimized: true},
	}
	for i := range list {
		v := &list[i]
		created, err := m.backend.CreateVersion(ctx, sessionID, remote.NewVersion{
			PromptContent: v.Prompt,
			TestResult:    v.Result,
			VersionType:   v.Type(),
			Metadata: map[string]any{
				"timestamp":   now.UTC().Format(time.RFC3339Nano),
				"isOriginal":  v.IsOriginal,
				"isOptimized": v.IsOptimized,
			},
		})
		if err != nil {
			m.logger.Warn("persisting baseline version failed", "session", sessionID, "version", v.ID, "error", err)
			continue
		}
		if created.VersionID != 0 {
			v.ID = created.VersionID
		}
		if created.VersionNumber != nil {
			v.VersionNumber = *created.VersionNumber
		}
	}
	return list
}

func (m *Manager) reset(sessionID string, list []Version) {
	right := 1
	if len(list)-1 < right {
		right = len(list) - 1
	}
	if right < 0 {
		right = 0
	}
	m.sessionID = sessionID
	m.data = ComparisonData{Versions: list, Left: 0, Right: right}
	m.diff = DiffState{}
	m.phase = PhaseComparing
}

// Close ends the comparison.
func (m *Manager) Close() {
	m.mu.Lock()
	m.phase = PhaseClosed
	m.diff = DiffState{}
	m.mu.Unlock()
}

// Phase returns the current state.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Data returns a copy of the comparison.
func (m *Manager) Data() (ComparisonData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseClosed {
		return ComparisonData{}, ErrClosed
	}
	return m.data.clone(), nil
}

// SessionID returns the session the comparison belongs to.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Navigate moves one cursor. Moving past either end is a no-op.
func (m *Manager) Navigate(side Side, dir Direction) (ComparisonData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseClosed {
		return ComparisonData{}, ErrClosed
	}
	cur := &m.data.Left
	if side == Right {
		cur = &m.data.Right
	}
	next := *cur + int(dir)
	if next >= 0 && next < len(m.data.Versions) {
		*cur = next
	}
	return m.data.clone(), nil
}

// Focus moves the cursor of side onto the version with the given id.
func (m *Manager) Focus(side Side, id int64) (ComparisonData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseClosed {
		return ComparisonData{}, ErrClosed
	}
	for i, v := range m.data.Versions {
		if v.ID != id {
			continue
		}
		if side == Left {
			m.data.Left = i
		} else {
			m.data.Right = i
		}
		return m.data.clone(), nil
	}
	return ComparisonData{}, ErrVersionNotFound
}

// Rename names the version under the cursor of side. The local name changes
// only after the store accepts it.
func (m *Manager) Rename(ctx context.Context, side Side, name string) (Version, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Version{}, ErrEmptyVersionName
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseClosed {
		return Version{}, ErrClosed
	}
	v, i, ok := m.data.Current(side)
	if !ok {
		return Version{}, ErrVersionNotFound
	}
	if err := m.backend.RenameVersion(ctx, m.sessionID, v.ID, name); err != nil {
		return Version{}, fmt.Errorf("renaming version %d: %w", v.ID, err)
	}
	m.data.Versions[i].Name = name
	return m.data.Versions[i], nil
}

// Delete removes a version and re-clamps both cursors.
func (m *Manager) Delete(ctx context.Context, id int64) (ComparisonData, error) {
	if Protected(id) {
		return ComparisonData{}, ErrProtectedVersion
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseClosed {
		return ComparisonData{}, ErrClosed
	}
	idx := -1
	for i, v := range m.data.Versions {
		if v.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ComparisonData{}, ErrVersionNotFound
	}
	if err := m.backend.DeleteVersion(ctx, m.sessionID, id); err != nil {
		return ComparisonData{}, fmt.Errorf("deleting version %d: %w", id, err)
	}

	m.data.Versions = append(m.data.Versions[:idx], m.data.Versions[idx+1:]...)
	n := len(m.data.Versions)
	m.data.Left = reclamp(m.data.Left, idx, n)
	m.data.Right = reclamp(m.data.Right, idx, n)
	return m.data.clone(), nil
}

// reclamp moves a cursor after the version at deleted was removed, leaving n
// versions.
func reclamp(cursor, deleted, n int) int {
	switch {
	case cursor == deleted:
		if cursor > n-1 {
			cursor = n - 1
		}
	case deleted < cursor:
		cursor--
	}
	if cursor < 0 {
		cursor = 0
	}
	return cursor
}

// SaveEditedPrompt stores an edited prompt as a new version and points the
// right cursor at it. If the store rejects it nothing is appended.
func (m *Manager) SaveEditedPrompt(ctx context.Context, content string) (Version, error) {
	if strings.TrimSpace(content) == "" {
		return Version{}, ErrEmptyPrompt
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseClosed {
		return Version{}, ErrClosed
	}
	if cur, _, ok := m.data.Current(Right); ok && cur.Prompt == content {
		return Version{}, ErrNoChange
	}

	n := len(m.data.Versions) + 1
	now := m.now()
	v := Version{
		ID:            int64(n),
		VersionNumber: n,
		Prompt:        content,
		Timestamp:     now,
		Name:          fmt.Sprintf("Version %d", n),
	}
	created, err := m.backend.CreateVersion(ctx, m.sessionID, remote.NewVersion{
		PromptContent: content,
		VersionType:   remote.VersionUserModified,
		Metadata: map[string]any{
			"timestamp":    now.UTC().Format(time.RFC3339Nano),
			"version_name": v.Name,
		},
	})
	if err != nil {
		return Version{}, fmt.Errorf("saving edited prompt: %w", err)
	}
	if created.VersionID != 0 {
		v.ID = created.VersionID
	}
	if created.VersionNumber != nil {
		v.VersionNumber = *created.VersionNumber
	}

	m.data.Versions = append(m.data.Versions, v)
	m.data.Right = len(m.data.Versions) - 1
	m.logger.Info("saved edited prompt", "session", m.sessionID, "version", v.ID)
	return v, nil
}

// OpenDiff loads the chat-test histories of the two selected versions and
// any saved explanation for the pair. Both histories must load; a failure of
// either fails the whole call.
func (m *Manager) OpenDiff(ctx context.Context) (DiffState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseClosed {
		return DiffState{}, ErrClosed
	}
	left, _, okL := m.data.Current(Left)
	right, _, okR := m.data.Current(Right)
	if !okL || !okR {
		return DiffState{}, ErrVersionNotFound
	}

	var histories [2][]remote.ChatTestMessage
	g, gCtx := errgroup.WithContext(ctx)
	for i, id := range []int64{left.ID, right.ID} {
		g.Go(func() error {
			msgs, err := m.backend.ChatTestHistory(gCtx, m.sessionID, id)
			if err != nil {
				return fmt.Errorf("loading chat history of version %d: %w", id, err)
			}
			histories[i] = msgs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return DiffState{}, err
	}

	d := DiffState{
		LeftID:       left.ID,
		RightID:      right.ID,
		LeftHistory:  histories[0],
		RightHistory: histories[1],
	}
	var leftSel, rightSel []int64
	if saved := m.loadSavedDiff(ctx, left.ID, right.ID); saved != nil {
		leftSel, rightSel = saved.LeftMessageIDs, saved.RightMessageIDs
		d.Explanation = saved.Explanation
	}
	if leftSel == nil {
		leftSel = messageIDs(d.LeftHistory)
	}
	if rightSel == nil {
		rightSel = messageIDs(d.RightHistory)
	}
	d.LeftSelected, d.RightSelected = leftSel, rightSel

	m.diff = d
	if d.Explanation != "" {
		m.phase = PhaseExplained
	} else {
		m.phase = PhaseSelecting
	}
	return m.diff.clone(), nil
}

// loadSavedDiff prefers the backend copy and falls back to the local cache.
func (m *Manager) loadSavedDiff(ctx context.Context, leftID, rightID int64) *remote.DiffAnalysis {
	saved, err := m.backend.DiffAnalysis(ctx, m.sessionID, leftID, rightID)
	if err != nil {
		m.logger.Debug("loading saved diff from backend failed", "error", err)
	}
	if saved != nil {
		return saved
	}
	if m.cache == nil {
		return nil
	}
	raw, err := m.cache.GetDiff(DiffKey(m.sessionID, leftID, rightID))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Debug("reading local diff cache failed", "error", err)
		}
		return nil
	}
	var c cachedDiff
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		m.logger.Debug("decoding local diff cache failed", "error", err)
		return nil
	}
	out := &remote.DiffAnalysis{
		LeftMessageIDs:  c.SelectedAIDs,
		RightMessageIDs: c.SelectedBIDs,
		Explanation:     c.Explanation,
		UpdatedAt:       c.UpdatedAt,
	}
	// The cache stores the pair as written, which may be the reverse order.
	if c.VersionAID == rightID && c.VersionBID == leftID && leftID != rightID {
		out.LeftMessageIDs, out.RightMessageIDs = c.SelectedBIDs, c.SelectedAIDs
	}
	return out
}

func messageIDs(msgs []remote.ChatTestMessage) []int64 {
	ids := make([]int64, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
	}
	return ids
}

// Diff returns the diff view.
func (m *Manager) Diff() (DiffState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.phase.DiffOpen() {
		return DiffState{}, ErrDiffClosed
	}
	return m.diff.clone(), nil
}

// SetSelection replaces the selected messages of one side. Ids not in that
// side's history are dropped.
func (m *Manager) SetSelection(side Side, ids []int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.phase.DiffOpen() {
		return nil, ErrDiffClosed
	}
	history := m.diff.LeftHistory
	if side == Right {
		history = m.diff.RightHistory
	}
	known := make(map[int64]bool, len(history))
	for _, msg := range history {
		known[msg.ID] = true
	}
	sel := make([]int64, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if known[id] && !seen[id] {
			seen[id] = true
			sel = append(sel, id)
		}
	}
	if side == Left {
		m.diff.LeftSelected = sel
	} else {
		m.diff.RightSelected = sel
	}
	return append([]int64(nil), sel...), nil
}

// RunDiffExplain asks the backend to explain the selected messages and saves
// the explanation locally and remotely. Save failures are logged only.
func (m *Manager) RunDiffExplain(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.phase.DiffOpen() {
		return "", ErrDiffClosed
	}
	if len(m.diff.LeftSelected) == 0 || len(m.diff.RightSelected) == 0 {
		return "", ErrEmptySelection
	}

	prev := m.phase
	m.phase = PhaseAnalyzing
	explanation, err := m.backend.ExplainDiff(ctx, m.sessionID, m.diff.LeftID, m.diff.RightID, m.diff.LeftSelected, m.diff.RightSelected)
	if err != nil {
		if prev == PhaseExplained {
			m.phase = PhaseExplained
		} else {
			m.phase = PhaseSelecting
		}
		return "", fmt.Errorf("explaining diff: %w", err)
	}
	m.diff.Explanation = explanation
	m.phase = PhaseExplained

	updated := m.now().UTC().Format(time.RFC3339Nano)
	m.saveLocal(updated)
	err = m.backend.SaveDiffAnalysis(ctx, m.sessionID, m.diff.LeftID, m.diff.RightID, remote.DiffAnalysis{
		LeftMessageIDs:  m.diff.LeftSelected,
		RightMessageIDs: m.diff.RightSelected,
		Explanation:     explanation,
		UpdatedAt:       updated,
	})
	if err != nil {
		m.logger.Warn("saving diff explanation failed", "session", m.sessionID, "error", err)
	}
	return explanation, nil
}

func (m *Manager) saveLocal(updated string) {
	if m.cache == nil {
		return
	}
	c := cachedDiff{
		VersionAID:   m.diff.LeftID,
		VersionBID:   m.diff.RightID,
		SelectedAIDs: m.diff.LeftSelected,
		SelectedBIDs: m.diff.RightSelected,
		Explanation:  m.diff.Explanation,
		UpdatedAt:    updated,
	}
	for i, v := range m.data.Versions {
		switch v.ID {
		case c.VersionAID:
			c.VersionAName = v.DisplayName(i)
		case c.VersionBID:
			c.VersionBName = v.DisplayName(i)
		}
	}
	raw, err := json.Marshal(c)
	if err == nil {
		err = m.cache.PutDiff(DiffKey(m.sessionID, c.VersionAID, c.VersionBID), string(raw))
	}
	if err != nil {
		m.logger.Warn("caching diff explanation failed", "session", m.sessionID, "error", err)
	}
}

// CloseDiff leaves the diff view and returns to the comparison.
func (m *Manager) CloseDiff() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase.DiffOpen() {
		m.phase = PhaseComparing
		m.diff = DiffState{}
	}
}

// ChatTest sends a message to the prompt of the version under side's cursor
// and records both turns in that version's chat-test history.
func (m *Manager) ChatTest(ctx context.Context, side Side, text string) (remote.ChatTestReply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return remote.ChatTestReply{}, workflow.Invalid("chat test", "message cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseClosed {
		return remote.ChatTestReply{}, ErrClosed
	}
	v, _, ok := m.data.Current(side)
	if !ok {
		return remote.ChatTestReply{}, ErrVersionNotFound
	}

	_, err := m.backend.SaveChatTestMessage(ctx, remote.ChatTestMessageInput{
		SessionID:   m.sessionID,
		VersionID:   v.ID,
		MessageType: "user",
		Content:     text,
	})
	if err != nil {
		m.logger.Warn("saving chat-test message failed", "version", v.ID, "error", err)
	}

	start := m.now()
	reply, err := m.backend.ChatTestVersion(ctx, m.sessionID, v.ID, text)
	if err != nil {
		return remote.ChatTestReply{}, fmt.Errorf("chat test on version %d: %w", v.ID, err)
	}
	elapsed := int(m.now().Sub(start).Milliseconds())

	in := remote.ChatTestMessageInput{
		SessionID:      m.sessionID,
		VersionID:      v.ID,
		MessageType:    "assistant",
		Content:        reply.Response,
		ResponseTimeMs: &elapsed,
	}
	if len(reply.Suggestions) > 0 {
		in.Metadata = map[string]any{"suggestions": reply.Suggestions}
	}
	if _, err := m.backend.SaveChatTestMessage(ctx, in); err != nil {
		m.logger.Warn("saving chat-test reply failed", "version", v.ID, "error", err)
	}
	return reply, nil
}
