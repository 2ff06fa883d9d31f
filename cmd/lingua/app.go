package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/linguaworks/lingua/internal/config"
	"github.com/linguaworks/lingua/internal/remote"
	"github.com/linguaworks/lingua/internal/settings"
	"github.com/linguaworks/lingua/internal/storage"
	"github.com/linguaworks/lingua/internal/versions"
	"github.com/linguaworks/lingua/internal/wizard"
	"github.com/linguaworks/lingua/internal/workflow"
)

const (
	activeSessionKey = "active_session"
	// newSessionMarker records that the user asked for a fresh session that
	// has not been created yet.
	newSessionMarker = "-"
)

// app wires the orchestrator and its backends for one CLI invocation.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	steps    *remote.Client
	store    *remote.Client
	local    *storage.Store
	settings *settings.Manager
	wizard   *wizard.Orchestrator
	versions *versions.Manager
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	local, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening local storage: %w", err)
	}

	creds := remote.StaticToken(cfg.Identity.UserID)
	steps := remote.NewClient(cfg.Service.BaseURL, creds, remote.WithTimeout(cfg.HTTPTimeout()))
	store := remote.NewClient(cfg.Store.BaseURL, creds, remote.WithTimeout(cfg.HTTPTimeout()))
	sm := settings.NewManager(store, settings.WithTTL(cfg.SettingsTTL()), settings.WithLogger(logger))

	return &app{
		cfg:      cfg,
		logger:   logger,
		steps:    steps,
		store:    store,
		local:    local,
		settings: sm,
		wizard:   wizard.New(steps, store, sm, wizard.WithLogger(logger)),
		versions: versions.NewManager(steps, local, versions.WithLogger(logger)),
	}, nil
}

func (a *app) Close() {
	if err := a.local.Close(); err != nil {
		a.logger.Warn("closing local storage", "err", err)
	}
}

// open loads the sessions and activates the one named by the --session flag,
// or the one remembered from the previous invocation.
func (a *app) open(ctx context.Context, flagID string) error {
	preferred := flagID
	if preferred == "" {
		v, err := a.local.GetState(activeSessionKey)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			a.logger.Warn("reading active session", "err", err)
		}
		preferred = v
	}

	if err := a.wizard.Load(ctx, preferred); err != nil {
		return err
	}
	if preferred == newSessionMarker {
		a.wizard.NewSession()
	}
	if flagID != "" && a.wizard.SessionID() != flagID {
		return fmt.Errorf("unknown session %q", flagID)
	}
	return nil
}

// remember persists the active session for the next invocation.
func (a *app) remember() {
	id := a.wizard.SessionID()
	if id == "" {
		id = newSessionMarker
	}
	if err := a.local.SetState(activeSessionKey, id); err != nil {
		a.logger.Warn("saving active session", "session_id", id, "err", err)
	}
}

// openComparison starts a version comparison from the latest test result of
// the active session.
func (a *app) openComparison(ctx context.Context) (versions.ComparisonData, error) {
	sid := a.wizard.SessionID()
	if sid == "" {
		return versions.ComparisonData{}, errors.New("no active session")
	}
	msgs := a.wizard.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Content.Kind == workflow.KindTestResult {
			return a.versions.Open(ctx, sid, msgs[i].Content)
		}
	}
	return versions.ComparisonData{}, fmt.Errorf("session %s has no test result to compare yet", sid)
}

func setupLogger(cfg config.Config) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)
	return logger
}
