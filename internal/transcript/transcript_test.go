package transcript

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/linguaworks/lingua/internal/remote"
	"github.com/linguaworks/lingua/internal/workflow"
)

var exportTime = time.Date(2025, 5, 1, 9, 30, 0, 0, time.FixedZone("CEST", 2*3600))

func sample() Transcript {
	session := remote.Session{
		ID:          "s1",
		Name:        "Conversation 2025-05-01 09:30:00",
		CurrentStep: workflow.StepAnalysis,
		CreatedAt:   "2025-05-01 09:30:00",
	}
	msgs := []workflow.Message{
		{Role: workflow.RoleUser, Content: workflow.TextContent("write a haiku")},
		{
			Role:     workflow.RoleAssistant,
			Step:     workflow.StepStructure,
			Content:  workflow.TextContent("needs an audience"),
			Metadata: workflow.Metadata{NeedsSupplement: true, Thinking: "short"},
		},
		{
			Role:      workflow.RoleUser,
			Content:   workflow.TextContent("for children"),
			Metadata:  workflow.Metadata{IsFeedback: true, IsSupplement: true},
			Timestamp: time.Date(2025, 5, 1, 9, 31, 0, 0, time.UTC),
		},
	}
	versions := []remote.VersionRecord{
		{ID: 1, VersionNumber: 1, PromptContent: "p1", VersionType: remote.VersionOriginal},
		{ID: 2, VersionNumber: 2, VersionName: "tuned", PromptContent: "p2", TestResult: "r2", VersionType: remote.VersionOptimized},
	}
	return Build(session, msgs, versions, exportTime)
}

func TestBuild(t *testing.T) {
	tr := sample()

	if tr.ExportedAt != "2025-05-01T07:30:00Z" {
		t.Errorf("ExportedAt = %q", tr.ExportedAt)
	}
	want := []Message{
		{Role: "user", Kind: "text", Content: "write a haiku"},
		{Role: "assistant", Step: "structure", Kind: "text", Content: "needs an audience", Thinking: "short", Flags: []string{"needs_supplement"}},
		{Role: "user", Kind: "text", Content: "for children", Flags: []string{"feedback", "supplement"}, Time: "2025-05-01T09:31:00Z"},
	}
	if diff := cmp.Diff(want, tr.Messages); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
	if len(tr.Versions) != 2 || tr.Versions[1].Name != "tuned" || tr.Versions[1].Type != "optimized" {
		t.Errorf("versions = %+v", tr.Versions)
	}
}

func TestWriteRead(t *testing.T) {
	for _, format := range []Format{JSON, YAML} {
		t.Run(string(format), func(t *testing.T) {
			want := sample()
			var buf bytes.Buffer
			if err := Write(&buf, want, format); err != nil {
				t.Fatalf("Write: %v", err)
			}
			got, err := Read(&buf)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("transcript mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriteYAMLShape(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sample(), YAML); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"session:\n  id: s1\n", "current_step: analysis", "- role: user\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("yaml output missing %q:\n%s", want, out)
		}
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": JSON, "JSON": JSON, "yaml": YAML, " yml ": YAML} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
	if err := Write(&bytes.Buffer{}, sample(), "xml"); err == nil {
		t.Error("expected Write error for unknown format")
	}
}
