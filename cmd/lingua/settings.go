package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/linguaworks/lingua/internal/config"
)

// --- settings ---

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the analysis settings",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the analysis settings used by the analysis step",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				cfg, err := a.settings.Reload(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s %v\n", colorize(colorBold, "auto select:"), cfg.AutoSelect)
				fmt.Fprintf(out, "%s %s\n", colorize(colorBold, "selected:"), strings.Join(cfg.SelectedMethods, ", "))
				for _, m := range cfg.CustomMethods {
					fmt.Fprintf(out, "  %s  %s: %s\n", colorize(colorCyan, m.MethodKey), m.Label, m.Description)
				}
				return nil
			})
		},
	}

	auto := &cobra.Command{
		Use:       "auto-select <on|off>",
		Short:     "Let the service pick analysis methods",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var on bool
			switch strings.ToLower(args[0]) {
			case "on", "true", "yes":
				on = true
			case "off", "false", "no":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.settings.SetAutoSelect(ctx, on); err != nil {
					return err
				}
				printSuccess("Auto select %s", args[0])
				return nil
			})
		},
	}

	sel := &cobra.Command{
		Use:   "select <method-key>...",
		Short: "Choose the analysis methods used when auto select is off",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.settings.SetSelectedMethods(ctx, args); err != nil {
					return err
				}
				printSuccess("Selected %s", strings.Join(args, ", "))
				return nil
			})
		},
	}

	methods := &cobra.Command{
		Use:   "methods",
		Short: "List analysis methods",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				all, err := a.store.AnalysisMethods(ctx)
				if err != nil {
					return err
				}
				for _, m := range all {
					custom := ""
					if m.IsCustom {
						custom = colorize(colorDim, " (custom)")
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s%s\n", colorize(colorCyan, m.MethodKey), m.Label, custom)
				}
				return nil
			})
		},
	}

	add := &cobra.Command{
		Use:   "add <label> <description...>",
		Short: "Add a custom analysis method",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				m, err := a.store.CreateAnalysisMethod(ctx, args[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				a.settings.Invalidate()
				printSuccess("Added method %s", m.MethodKey)
				return nil
			})
		},
	}

	remove := &cobra.Command{
		Use:   "remove <method-key>",
		Short: "Remove a custom analysis method",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.store.DeleteAnalysisMethod(ctx, args[0]); err != nil {
					return err
				}
				a.settings.Invalidate()
				printSuccess("Removed method %s", args[0])
				return nil
			})
		},
	}
	methods.AddCommand(add, remove)

	cmd.AddCommand(show, auto, sel, methods)
	return cmd
}

// --- config ---

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or update configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			for _, k := range config.ShowAll(cfg) {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, k.EnvVar))
			}
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if err := config.SetKey(key, value); err != nil {
				return err
			}
			printSuccess("Set %s = %s", key, value)
			return nil
		},
	}

	unset := &cobra.Command{
		Use:   "unset <key>",
		Short: "Restore the default of a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.UnsetKey(args[0]); err != nil {
				return err
			}
			printSuccess("Unset %s", args[0])
			return nil
		},
	}

	cmd.AddCommand(show, set, unset)
	return cmd
}

// --- login / logout ---

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the user identity sent to the services",
		Long: `Store the user identity sent as the bearer credential to the step service
and the session store. Without --user-id the identity is read from the
terminal without echo, or from stdin when it is not a terminal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := mustString(cmd, "user-id")
			if userID == "" {
				var err error
				if userID, err = promptSecret(cmd, "User id: "); err != nil {
					return err
				}
			}
			if userID == "" {
				return fmt.Errorf("user id cannot be empty")
			}
			if err := config.SetSecret("identity.user_id", userID); err != nil {
				return fmt.Errorf("storing identity: %w", err)
			}
			if token := mustString(cmd, "store-token"); token != "" {
				if err := config.SetSecret("store.token", token); err != nil {
					return fmt.Errorf("storing store token: %w", err)
				}
			}
			printSuccess("Logged in")
			return nil
		},
	}
	cmd.Flags().String("user-id", "", "user identity (prompted when omitted)")
	cmd.Flags().String("store-token", "", "bearer token required by `lingua store serve`")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored identity and store token",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, key := range []string{"identity.user_id", "store.token"} {
				if err := config.DeleteSecret(key); err != nil {
					return fmt.Errorf("removing %s: %w", key, err)
				}
			}
			printSuccess("Logged out")
			return nil
		},
	}
}

func promptSecret(cmd *cobra.Command, prompt string) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", strings.TrimSuffix(prompt, ": "), err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading %s: %w", strings.TrimSuffix(prompt, ": "), err)
	}
	return strings.TrimSpace(line), nil
}
