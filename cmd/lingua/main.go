package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/linguaworks/lingua/internal/config"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lingua",
		Short:         "Walk a prompt through structure, analysis, generation, optimization and testing",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if off, _ := cmd.Flags().GetBool("no-color"); off {
				noColor = true
			}
			return loadDotEnv()
		},
	}
	root.PersistentFlags().String("session", "", "session id to act on (default: the active session)")
	root.PersistentFlags().Bool("no-color", false, "disable colored output")

	root.AddCommand(
		newSessionsCmd(),
		newSendCmd(),
		newFeedbackCmd(),
		newEditCmd(),
		newRetryCmd(),
		newStatusCmd(),
		newHistoryCmd(),
		newVersionsCmd(),
		newDiffCmd(),
		newSettingsCmd(),
		newConfigCmd(),
		newLoginCmd(),
		newLogoutCmd(),
		newStoreCmd(),
		newMCPCmd(),
	)
	return root
}

// loadDotEnv reads .env from the working directory. Existing environment
// variables win.
func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading .env: %w", err)
}

// withApp loads configuration, builds the app and opens the active session
// before running fn. The active session is remembered afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, setupLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	sessionID, _ := cmd.Flags().GetString("session")
	if err := a.open(ctx, sessionID); err != nil {
		return err
	}
	err = fn(ctx, a)
	a.remember()
	return err
}
