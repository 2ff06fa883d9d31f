package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/linguaworks/lingua/internal/docread"
	"github.com/linguaworks/lingua/internal/remote"
	"github.com/linguaworks/lingua/internal/transcript"
	"github.com/linguaworks/lingua/internal/wizard"
	"github.com/linguaworks/lingua/internal/workflow"
)

// --- sessions ---

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List and manage sessions",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sessions := a.wizard.Sessions()
				if len(sessions) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No sessions yet. Start one with `lingua send`.")
					return nil
				}
				active := a.wizard.SessionID()
				for _, s := range sessions {
					marker := " "
					if s.ID == active {
						marker = "*"
					}
					flag := ""
					if s.HasError {
						flag = colorize(colorRed, " [error]")
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %-12s  %s%s\n",
						marker, colorize(colorCyan, s.ID), s.CurrentStep, s.Name, flag)
				}
				return nil
			})
		},
	}

	newSession := &cobra.Command{
		Use:   "new",
		Short: "Start a new session on the next send",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				a.wizard.NewSession()
				printSuccess("The next message starts a new session")
				return nil
			})
		},
	}

	switchCmd := &cobra.Command{
		Use:   "switch <id>",
		Short: "Make a session the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.wizard.SwitchSession(ctx, args[0]); err != nil {
					return err
				}
				st := a.wizard.State()
				printSuccess("Switched to %s (%s, step %s)", st.SessionName, st.SessionID, st.Step.DisplayName())
				return nil
			})
		},
	}

	rename := &cobra.Command{
		Use:   "rename <name>",
		Short: "Rename the active session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				id := a.wizard.SessionID()
				if id == "" {
					return errors.New("no active session")
				}
				name := strings.Join(args, " ")
				if err := a.wizard.RenameSession(ctx, id, name); err != nil {
					return err
				}
				printSuccess("Renamed %s to %q", id, strings.TrimSpace(name))
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.wizard.DeleteSession(ctx, args[0]); err != nil {
					return err
				}
				printSuccess("Deleted session %s", args[0])
				if id := a.wizard.SessionID(); id != "" {
					printStep("Active session is now %s", id)
				}
				return nil
			})
		},
	}

	export := &cobra.Command{
		Use:   "export",
		Short: "Export the active session as JSON or YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := transcript.ParseFormat(mustString(cmd, "format"))
			if err != nil {
				return err
			}
			output := mustString(cmd, "output")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return exportSession(ctx, a, cmd.OutOrStdout(), format, output)
			})
		},
	}
	export.Flags().String("format", "json", "output format: json or yaml")
	export.Flags().String("output", "", "output file path (default: stdout)")

	cmd.AddCommand(list, newSession, switchCmd, rename, del, export)
	return cmd
}

func exportSession(ctx context.Context, a *app, stdout io.Writer, format transcript.Format, output string) error {
	st := a.wizard.State()
	if st.SessionID == "" {
		return errors.New("no active session")
	}
	session := remote.Session{ID: st.SessionID, Name: st.SessionName, CurrentStep: st.Step}
	for _, s := range a.wizard.Sessions() {
		if s.ID == st.SessionID {
			session = s
			break
		}
	}
	records, err := a.steps.ListVersions(ctx, st.SessionID)
	if err != nil {
		a.logger.Warn("listing versions for export", "session_id", st.SessionID, "err", err)
	}

	t := transcript.Build(session, st.Messages, records, time.Now())

	w := stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := transcript.Write(w, t, format); err != nil {
		return err
	}
	if output != "" {
		printSuccess("Session exported to %s", output)
	}
	return nil
}

// --- send ---

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [message...]",
		Short: "Send a message to the current step",
		Long: `Send a message to the current step of the active session. A session is
created on the first message.

Examples:
  lingua send "Write a product description for a hiking backpack"
  lingua send --file brief.pdf
  echo "rewrite for teenagers" | lingua send -
  lingua send --template role_play`,
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			var opts []wizard.SendOption
			if key := mustString(cmd, "template"); key != "" {
				opts = append(opts, wizard.WithTemplate(key))
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				msg, err := a.wizard.SendMessage(ctx, content, opts...)
				if err != nil {
					return describeFailure(a, err)
				}
				showReply(cmd.OutOrStdout(), a, msg)
				return nil
			})
		},
	}
	cmd.Flags().String("file", "", "read the message from a .txt, .md, .html or .pdf file")
	cmd.Flags().String("template", "", "regenerate the generation step with this template")
	return cmd
}

// --- feedback ---

func newFeedbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedback <yes|no|supplement> [message...]",
		Short: "Answer the current step's result",
		Long: `Answer the current step's result.

  yes         accept the result and move on to the next step
  no          ask for a revision; a message is required
  supplement  add missing information; a message is required`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fb, err := workflow.ParseFeedback(args[0])
			if err != nil {
				return err
			}
			var content string
			if len(args) > 1 || mustString(cmd, "file") != "" {
				if content, err = readInput(cmd, args[1:]); err != nil {
					return err
				}
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				msg, err := a.wizard.SendFeedback(ctx, fb, content)
				if err != nil {
					return describeFailure(a, err)
				}
				if fb == workflow.FeedbackYes {
					printSuccess("Accepted, now at %s", a.wizard.Step().DisplayName())
				}
				showReply(cmd.OutOrStdout(), a, msg)
				return nil
			})
		},
	}
	cmd.Flags().String("file", "", "read the message from a .txt, .md, .html or .pdf file")
	return cmd
}

// --- edit ---

func newEditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit <index> [content...]",
		Short: "Edit the result that is awaiting feedback",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid message index %q", args[0])
			}
			var blocks []workflow.AnalysisBlock
			if path := mustString(cmd, "blocks"); path != "" {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("reading blocks: %w", err)
				}
				if err := json.Unmarshal(data, &blocks); err != nil {
					return fmt.Errorf("invalid blocks JSON: %w", err)
				}
			}
			var content string
			if len(args) > 1 || mustString(cmd, "file") != "" {
				if content, err = readInput(cmd, args[1:]); err != nil {
					return err
				}
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				msg, err := a.wizard.EditMessage(ctx, index, content, blocks)
				if err != nil {
					return err
				}
				printSuccess("Message %d updated", index)
				writeMessage(cmd.OutOrStdout(), index, msg)
				return nil
			})
		},
	}
	cmd.Flags().String("file", "", "read the new content from a file")
	cmd.Flags().String("blocks", "", "JSON file with analysis blocks [{agent_name, content}]")
	return cmd
}

// --- retry ---

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Replay the last failed request of the active session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				msg, err := a.wizard.Retry(ctx)
				if errors.Is(err, wizard.ErrNoRetry) {
					printWarning("Nothing to retry")
					return nil
				}
				if err != nil {
					return describeFailure(a, err)
				}
				printSuccess("Retry succeeded")
				showReply(cmd.OutOrStdout(), a, msg)
				return nil
			})
		},
	}
}

// --- status ---

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active session and backend health",
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				st := a.wizard.State()
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(st)
				}
				showStatus(ctx, a, st)
				return nil
			})
		},
	}
	cmd.Flags().Bool("json", false, "print the session state as JSON")
	return cmd
}

func showStatus(ctx context.Context, a *app, st wizard.State) {
	if err := a.store.Health(ctx); err != nil {
		printStatus("Store", "unreachable at %s (%v)", a.cfg.Store.BaseURL, err)
	} else {
		printStatus("Store", "ok at %s", a.cfg.Store.BaseURL)
	}
	printStatus("Service", "%s", a.cfg.Service.BaseURL)
	if a.cfg.Identity.UserID == "" {
		printStatus("Identity", "not logged in")
	} else {
		printStatus("Identity", "logged in")
	}

	if st.SessionID == "" {
		printStatus("Session", "new (created on the next message)")
	} else {
		printStatus("Session", "%s (%s)", st.SessionName, st.SessionID)
	}
	printStatus("Step", "%d/%d %s", workflow.StepIndex(st.Step)+1, len(workflow.Steps), st.Step.DisplayName())
	printStatus("Messages", "%d", len(st.Messages))
	if st.HasError {
		printStatus("Error", "%s", colorize(colorRed, st.ErrorMessage))
		if st.CanRetry {
			printStep("Run `lingua retry` to replay the failed request")
		}
	} else if st.Editable >= 0 && workflow.FeedbackEnabled(st.Step) {
		printStep("Message %d is awaiting feedback: lingua feedback yes|no|supplement", st.Editable)
	}
	printStatus("Data dir", "%s", a.cfg.Storage.DataDir)
}

// --- history ---

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the messages of the active session",
		RunE: func(cmd *cobra.Command, args []string) error {
			var only workflow.Step
			if name := mustString(cmd, "step"); name != "" {
				s, err := workflow.ParseStep(name)
				if err != nil {
					return err
				}
				only = s
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				msgs := a.wizard.Messages()
				shown := 0
				for i, m := range msgs {
					if only != "" && m.Step != only {
						continue
					}
					writeMessage(cmd.OutOrStdout(), i, m)
					shown++
				}
				if shown == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No messages yet.")
				}
				return nil
			})
		},
	}
	cmd.Flags().String("step", "", "only show messages of this step")
	return cmd
}

// --- helpers ---

func mustString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

// readInput returns the message from --file, from stdin when the only
// argument is "-", or from the joined arguments.
func readInput(cmd *cobra.Command, args []string) (string, error) {
	if path := mustString(cmd, "file"); path != "" {
		doc, err := docread.Read(path)
		if err != nil {
			return "", err
		}
		return doc.Text, nil
	}
	if len(args) == 1 && args[0] == "-" {
		return docread.ReadAll(cmd.InOrStdin())
	}
	return strings.Join(args, " "), nil
}

func showReply(w io.Writer, a *app, msg workflow.Message) {
	msgs := a.wizard.Messages()
	writeMessage(w, len(msgs)-1, msg)

	step := a.wizard.Step()
	switch {
	case msg.Metadata.NeedsSupplement:
		printStep("More information is needed: lingua feedback supplement \"...\"")
	case workflow.FeedbackEnabled(step):
		printStep("Accept with `lingua feedback yes`, or ask for changes with `lingua feedback no \"...\"`")
	case msg.Content.Kind == workflow.KindTestResult:
		printStep("Compare prompt versions with `lingua versions list`")
	}
}

// describeFailure adds the next action to an orchestrator error.
func describeFailure(a *app, err error) error {
	var ce *remote.ConfigError
	var ve *workflow.ValidationError
	switch {
	case errors.As(err, &ce):
		return fmt.Errorf("%w; complete the %s configuration in the service first", err, ce.Scope)
	case errors.As(err, &ve):
		return err
	case errors.Is(err, wizard.ErrStaleSession):
		return err
	}
	if st := a.wizard.State(); st.CanRetry {
		printWarning("The request failed. Run `lingua retry` to replay it.")
	}
	return err
}
