package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/linguaworks/lingua/internal/versions"
)

func newVersionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "Compare and edit the prompt versions of a tested session",
	}
	cmd.PersistentFlags().String("side", "left", "comparison side used by show, rename and chat: left or right")

	list := &cobra.Command{
		Use:   "list",
		Short: "List prompt versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				data, err := a.openComparison(ctx)
				if err != nil {
					return err
				}
				writeVersions(cmd.OutOrStdout(), data)
				return nil
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a version's prompt and test result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseVersionID(args[0])
			if err != nil {
				return err
			}
			side, err := versions.ParseSide(mustString(cmd, "side"))
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				v, i, err := focus(ctx, a, side, id)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, colorize(colorBold, fmt.Sprintf("%s (id %d, %s)", v.DisplayName(i), v.ID, v.Type())))
				fmt.Fprintln(out, colorize(colorCyan, "Prompt:"))
				fmt.Fprintln(out, v.Prompt)
				if v.Result != "" {
					fmt.Fprintln(out, colorize(colorCyan, "Result:"))
					fmt.Fprintln(out, v.Result)
				}
				return nil
			})
		},
	}

	rename := &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Name a version",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseVersionID(args[0])
			if err != nil {
				return err
			}
			side, err := versions.ParseSide(mustString(cmd, "side"))
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, _, err := focus(ctx, a, side, id); err != nil {
					return err
				}
				v, err := a.versions.Rename(ctx, side, strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				printSuccess("Version %d is now %q", v.ID, v.Name)
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a version (the original and optimized baselines are kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseVersionID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.openComparison(ctx); err != nil {
					return err
				}
				data, err := a.versions.Delete(ctx, id)
				if err != nil {
					return err
				}
				printSuccess("Deleted version %d", id)
				writeVersions(cmd.OutOrStdout(), data)
				return nil
			})
		},
	}

	save := &cobra.Command{
		Use:   "save-prompt [prompt...]",
		Short: "Save an edited prompt as a new version",
		Long: `Save an edited prompt as a new version. The prompt must differ from the
version it is based on (--base, default: the optimized version).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			base, _ := cmd.Flags().GetInt64("base")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.openComparison(ctx); err != nil {
					return err
				}
				if base != 0 {
					if _, err := a.versions.Focus(versions.Right, base); err != nil {
						return err
					}
				}
				v, err := a.versions.SaveEditedPrompt(ctx, content)
				if err != nil {
					return err
				}
				printSuccess("Saved %s (id %d)", v.DisplayName(0), v.ID)
				return nil
			})
		},
	}
	save.Flags().String("file", "", "read the prompt from a file")
	save.Flags().Int64("base", 0, "version id the edit is based on")

	chat := &cobra.Command{
		Use:   "chat <id> <message...>",
		Short: "Chat with the model running a version's prompt",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseVersionID(args[0])
			if err != nil {
				return err
			}
			side, err := versions.ParseSide(mustString(cmd, "side"))
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, _, err := focus(ctx, a, side, id); err != nil {
					return err
				}
				reply, err := a.versions.ChatTest(ctx, side, strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), reply.Response)
				if n := len(reply.Suggestions); n > 0 {
					printStep("%d follow-up suggestions returned", n)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(list, show, rename, del, save, chat)
	return cmd
}

func newDiffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff <left-id> <right-id>",
		Short: "Explain how two versions behave differently in chat tests",
		Long: `Explain how two versions behave differently, based on their chat-test
histories. A saved explanation is shown when one exists; --explain asks
for a fresh one. --left and --right restrict the explanation to the given
chat-test message ids.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			leftID, err := parseVersionID(args[0])
			if err != nil {
				return err
			}
			rightID, err := parseVersionID(args[1])
			if err != nil {
				return err
			}
			leftSel, err := parseIDList(mustString(cmd, "left"))
			if err != nil {
				return err
			}
			rightSel, err := parseIDList(mustString(cmd, "right"))
			if err != nil {
				return err
			}
			fresh, _ := cmd.Flags().GetBool("explain")

			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, _, err := focus(ctx, a, versions.Left, leftID); err != nil {
					return err
				}
				if _, err := a.versions.Focus(versions.Right, rightID); err != nil {
					return err
				}
				d, err := a.versions.OpenDiff(ctx)
				if err != nil {
					return err
				}
				defer a.versions.CloseDiff()
				printStatus("Left", "%d chat messages", len(d.LeftHistory))
				printStatus("Right", "%d chat messages", len(d.RightHistory))

				if leftSel != nil {
					if _, err := a.versions.SetSelection(versions.Left, leftSel); err != nil {
						return err
					}
				}
				if rightSel != nil {
					if _, err := a.versions.SetSelection(versions.Right, rightSel); err != nil {
						return err
					}
				}

				explanation := d.Explanation
				if fresh || explanation == "" || leftSel != nil || rightSel != nil {
					printStep("Asking the service to explain the difference...")
					if explanation, err = a.versions.RunDiffExplain(ctx); err != nil {
						return err
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), explanation)
				return nil
			})
		},
	}
	cmd.Flags().String("left", "", "comma-separated chat message ids of the left version")
	cmd.Flags().String("right", "", "comma-separated chat message ids of the right version")
	cmd.Flags().Bool("explain", false, "request a new explanation even if one is saved")
	return cmd
}

// focus opens the comparison and moves the cursor of side onto id.
func focus(ctx context.Context, a *app, side versions.Side, id int64) (versions.Version, int, error) {
	if _, err := a.openComparison(ctx); err != nil {
		return versions.Version{}, 0, err
	}
	data, err := a.versions.Focus(side, id)
	if err != nil {
		return versions.Version{}, 0, fmt.Errorf("version %d: %w", id, err)
	}
	v, i, _ := data.Current(side)
	return v, i, nil
}

func writeVersions(w io.Writer, data versions.ComparisonData) {
	for i, v := range data.Versions {
		fmt.Fprintf(w, "%s  %-12s  %-13s  %s\n",
			colorize(colorCyan, fmt.Sprintf("%4d", v.ID)),
			v.DisplayName(i),
			v.Type(),
			truncate(strings.ReplaceAll(v.Prompt, "\n", " "), 60),
		)
	}
}

func parseVersionID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid version id %q", s)
	}
	return id, nil
}

// parseIDList parses "1,2,3". An empty string returns nil.
func parseIDList(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid message id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
