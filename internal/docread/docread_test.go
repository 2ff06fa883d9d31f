package docread

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestFormatOf(t *testing.T) {
	tests := []struct {
		path    string
		want    Format
		wantErr bool
	}{
		{"brief.txt", FormatText, false},
		{"NOTES.MD", FormatMarkdown, false},
		{"notes.markdown", FormatMarkdown, false},
		{"paper.pdf", FormatPDF, false},
		{"page.HTM", FormatHTML, false},
		{"README", FormatText, false},
		{"deck.pptx", "", true},
	}
	for _, tt := range tests {
		got, err := FormatOf(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("FormatOf(%q) err = %v, wantErr %v", tt.path, err, tt.wantErr)
			continue
		}
		if tt.wantErr && !errors.Is(err, ErrUnsupported) {
			t.Errorf("FormatOf(%q) err = %v, want ErrUnsupported", tt.path, err)
		}
		if got != tt.want {
			t.Errorf("FormatOf(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestReadMarkdown(t *testing.T) {
	path := writeFile(t, "brief.md", "\n# Product copy\n\nWrite for teenagers.\n\n")
	doc, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc.Format != FormatMarkdown || doc.Text != "# Product copy\n\nWrite for teenagers." {
		t.Errorf("doc = %+v", doc)
	}
}

func TestReadHTML(t *testing.T) {
	page := `<!doctype html><html><head><title>ignored</title><style>p{}</style></head>
<body><h1>Brief</h1><p>Write   for <b>teenagers</b>.</p><script>alert(1)</script>
<ul><li>short</li><li>upbeat</li></ul></body></html>`
	doc, err := Read(writeFile(t, "brief.html", page))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc.Format != FormatHTML {
		t.Errorf("format = %q, want html", doc.Format)
	}
	for _, want := range []string{"Brief", "Write for teenagers.", "short", "upbeat"} {
		if !strings.Contains(doc.Text, want) {
			t.Errorf("text missing %q:\n%s", want, doc.Text)
		}
	}
	for _, unwanted := range []string{"ignored", "alert", "p{}"} {
		if strings.Contains(doc.Text, unwanted) {
			t.Errorf("text contains %q:\n%s", unwanted, doc.Text)
		}
	}
}

func TestReadEmpty(t *testing.T) {
	path := writeFile(t, "empty.txt", "  \n\t\n")
	if _, err := Read(path); !errors.Is(err, ErrEmpty) {
		t.Errorf("err = %v, want ErrEmpty", err)
	}
}

func TestReadMissing(t *testing.T) {
	if _, err := Read(filepath.Join(t.TempDir(), "nope.txt")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestReadAllLimits(t *testing.T) {
	if _, err := ReadAll(strings.NewReader(strings.Repeat("a", MaxBytes+1))); !errors.Is(err, ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
	if _, err := ReadAll(strings.NewReader("\xff\xfe")); err == nil {
		t.Error("expected error for invalid UTF-8")
	}
	got, err := ReadAll(strings.NewReader("hello"))
	if err != nil || got != "hello" {
		t.Errorf("ReadAll = %q, %v", got, err)
	}
}

func TestReadInvalidPDF(t *testing.T) {
	path := writeFile(t, "broken.pdf", "this is not a pdf")
	if _, err := Read(path); err == nil {
		t.Error("expected error for a malformed pdf")
	}
}

func TestNormalize(t *testing.T) {
	in := "Title   of\t the  paper \n\n\n\n  Abstract  text \n"
	want := "Title of the paper\n\nAbstract text\n"
	if got := normalize(in); got != want {
		t.Errorf("normalize = %q, want %q", got, want)
	}
}
