// Package docread loads step input from text, markdown, HTML and PDF files.
package docread

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MaxBytes bounds the text read from a single file.
const MaxBytes = 1 << 20

// Format is a supported input format.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatPDF      Format = "pdf"
)

var (
	ErrUnsupported = errors.New("unsupported file type")
	ErrEmpty       = errors.New("document has no text")
	ErrTooLarge    = errors.New("document is too large")
)

var extraneousWhitespace = regexp.MustCompile(`[ \t\r\f\v]+`)
var blankLines = regexp.MustCompile(`\n{3,}`)

// Document is text extracted from a file.
type Document struct {
	Path   string
	Format Format
	Text   string
}

// FormatOf picks the format from the file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".text", "":
		return FormatText, nil
	case ".md", ".markdown":
		return FormatMarkdown, nil
	case ".html", ".htm":
		return FormatHTML, nil
	case ".pdf":
		return FormatPDF, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(path))
}

// Read extracts the text of the file at path.
func Read(path string) (Document, error) {
	format, err := FormatOf(path)
	if err != nil {
		return Document{}, err
	}

	var text string
	switch format {
	case FormatPDF:
		text, err = readPDF(path)
	case FormatHTML:
		text, err = readHTML(path)
	default:
		text, err = readText(path)
	}
	if err != nil {
		return Document{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Document{}, fmt.Errorf("%s: %w", path, ErrEmpty)
	}
	return Document{Path: path, Format: format, Text: text}, nil
}

// ReadAll reads plain text from r, up to MaxBytes.
func ReadAll(r io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, MaxBytes+1))
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	if len(b) > MaxBytes {
		return "", ErrTooLarge
	}
	if !utf8.Valid(b) {
		return "", errors.New("input is not valid UTF-8")
	}
	return string(b), nil
}

func readText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	text, err := ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return text, nil
}

func readPDF(path string) (string, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}
	defer file.Close()

	content, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to extract pdf text: %w", err)
	}

	var builder strings.Builder
	if _, err := io.Copy(&builder, io.LimitReader(content, MaxBytes+1)); err != nil {
		return "", err
	}
	if builder.Len() > MaxBytes {
		return "", fmt.Errorf("%s: %w", path, ErrTooLarge)
	}
	return normalize(builder.String()), nil
}

func readHTML(path string) (string, error) {
	raw, err := readText(path)
	if err != nil {
		return "", err
	}
	text, err := htmlText(strings.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return normalize(text), nil
}

// htmlText returns the visible text of an HTML document. Block elements
// start a new line; script, style and head content is dropped.
func htmlText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Head, atom.Noscript, atom.Template:
				return
			case atom.Br:
				b.WriteByte('\n')
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElement(n.DataAtom) {
			b.WriteString("\n\n")
		}
	}
	walk(doc)
	return b.String(), nil
}

func blockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Header, atom.Footer,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Li, atom.Ul, atom.Ol, atom.Pre, atom.Blockquote, atom.Tr, atom.Table:
		return true
	}
	return false
}

// normalize collapses runs of spaces and blank lines left by PDF and HTML
// extraction.
func normalize(s string) string {
	s = extraneousWhitespace.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
}
