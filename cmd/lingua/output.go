package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/linguaworks/lingua/internal/workflow"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
	colorBold   = "\033[1m"
)

// noColor disables ANSI escapes. It is set when stderr is not a terminal or
// NO_COLOR is present, and by --no-color.
var noColor = detectNoColor()

func detectNoColor() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return true
	}
	return !term.IsTerminal(int(os.Stderr.Fd()))
}

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// writeMessage renders one message of a session for the terminal.
func writeMessage(w io.Writer, index int, m workflow.Message) {
	who := "you"
	if m.IsAssistant() {
		who = "assistant"
		if m.Step != "" {
			who += " · " + m.Step.DisplayName()
		}
	}
	var tags []string
	switch {
	case m.Metadata.IsSupplement:
		tags = append(tags, "supplement")
	case m.Metadata.IsFeedbackResponse:
		tags = append(tags, "revised")
	case m.Metadata.IsFeedback:
		tags = append(tags, "feedback")
	}
	if m.Metadata.NeedsSupplement {
		tags = append(tags, "needs more information")
	}
	header := fmt.Sprintf("[%d] %s", index, who)
	if len(tags) > 0 {
		header += " (" + strings.Join(tags, ", ") + ")"
	}
	fmt.Fprintln(w, colorize(colorBold, header))
	fmt.Fprintln(w, m.Content.String())
	if m.Metadata.Thinking != "" {
		fmt.Fprintln(w, colorize(colorDim, "thinking: "+truncate(m.Metadata.Thinking, 300)))
	}
	fmt.Fprintln(w)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
