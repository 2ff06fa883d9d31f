// Package settings caches the user's analysis settings so every analysis
// call can take a consistent snapshot of them.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/linguaworks/lingua/internal/workflow"
)

// AutoSelectKey is the settings key holding the auto-select flag.
const AutoSelectKey = "autoSelectMode"

const defaultTTL = 60 * time.Second

// Source defines the store operations the Manager needs.
// Implemented by remote.Client.
type Source interface {
	Settings(ctx context.Context) (map[string]json.RawMessage, error)
	UpdateSettings(ctx context.Context, values map[string]any) error
	SelectedMethods(ctx context.Context) ([]string, error)
	SaveSelectedMethods(ctx context.Context, keys []string) error
	AnalysisMethods(ctx context.Context) ([]workflow.CustomMethod, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Manager provides cached access to the analysis configuration.
type Manager struct {
	source Source
	clock  Clock
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.RWMutex
	cached   *workflow.AnalysisConfig
	cachedAt time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithTTL sets how long a loaded configuration is served from cache.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) { m.ttl = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(source Source, opts ...Option) *Manager {
	m := &Manager{
		source: source,
		clock:  realClock{},
		ttl:    defaultTTL,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Config returns the current analysis configuration, loading it from the
// source when the cache is empty or expired. The result is a copy the caller
// may keep.
func (m *Manager) Config(ctx context.Context) (workflow.AnalysisConfig, error) {
	m.mu.RLock()
	if m.fresh() {
		cfg := m.cached.Clone()
		m.mu.RUnlock()
		return cfg, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fresh() {
		return m.cached.Clone(), nil
	}
	cfg, err := m.load(ctx)
	if err != nil {
		return workflow.AnalysisConfig{}, err
	}
	m.cached = &cfg
	m.cachedAt = m.clock.Now()
	return cfg.Clone(), nil
}

// Reload drops the cache and loads the configuration again.
func (m *Manager) Reload(ctx context.Context) (workflow.AnalysisConfig, error) {
	m.Invalidate()
	return m.Config(ctx)
}

// Invalidate drops the cached configuration.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}

// SetAutoSelect persists the auto-select flag.
func (m *Manager) SetAutoSelect(ctx context.Context, on bool) error {
	if err := m.source.UpdateSettings(ctx, map[string]any{AutoSelectKey: on}); err != nil {
		return fmt.Errorf("saving %s: %w", AutoSelectKey, err)
	}
	m.Invalidate()
	return nil
}

// SetSelectedMethods persists the selected analysis methods.
func (m *Manager) SetSelectedMethods(ctx context.Context, keys []string) error {
	if err := m.source.SaveSelectedMethods(ctx, keys); err != nil {
		return fmt.Errorf("saving selected methods: %w", err)
	}
	m.Invalidate()
	return nil
}

// fresh must be called with mu held.
func (m *Manager) fresh() bool {
	return m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl))
}

func (m *Manager) load(ctx context.Context) (workflow.AnalysisConfig, error) {
	values, err := m.source.Settings(ctx)
	if err != nil {
		return workflow.AnalysisConfig{}, fmt.Errorf("loading settings: %w", err)
	}
	selected, err := m.source.SelectedMethods(ctx)
	if err != nil {
		return workflow.AnalysisConfig{}, fmt.Errorf("loading selected methods: %w", err)
	}
	methods, err := m.source.AnalysisMethods(ctx)
	if err != nil {
		return workflow.AnalysisConfig{}, fmt.Errorf("loading analysis methods: %w", err)
	}

	cfg := workflow.AnalysisConfig{
		AutoSelect:      parseFlag(values[AutoSelectKey]),
		SelectedMethods: selected,
	}
	for _, method := range methods {
		if method.IsCustom {
			cfg.CustomMethods = append(cfg.CustomMethods, method)
		}
	}
	m.logger.Debug("analysis settings loaded",
		"auto_select", cfg.AutoSelect,
		"selected", len(cfg.SelectedMethods),
		"custom", len(cfg.CustomMethods),
	)
	return cfg, nil
}

// parseFlag reads a boolean setting written as a JSON bool, number or string.
func parseFlag(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return b
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		v, _ := strconv.ParseBool(strings.TrimSpace(s))
		return v
	}
	var n float64
	if json.Unmarshal(raw, &n) == nil {
		return n != 0
	}
	return false
}
