// Package versions manages the prompt versions of a session: the side-by-side
// comparison, renaming, deletion, saving edited prompts, and the diff
// explanation between the chat-test histories of two versions.
package versions

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/linguaworks/lingua/internal/remote"
	"github.com/linguaworks/lingua/internal/workflow"
)

var (
	ErrEmptyVersionName = &workflow.ValidationError{Op: "rename version", Reason: "version name cannot be empty"}
	ErrEmptyPrompt      = &workflow.ValidationError{Op: "save prompt", Reason: "prompt cannot be empty"}
	ErrNoChange         = &workflow.ValidationError{Op: "save prompt", Reason: "prompt is unchanged"}
	ErrEmptySelection   = &workflow.ValidationError{Op: "explain diff", Reason: "select messages on both sides first"}
	ErrNoComparison     = &workflow.ValidationError{Op: "open comparison", Reason: "content has no original/optimized result pair"}

	// ErrProtectedVersion is returned when deleting one of the baseline
	// versions 1 and 2.
	ErrProtectedVersion = errors.New("versions 1 and 2 cannot be deleted")

	ErrClosed          = errors.New("no comparison is open")
	ErrDiffClosed      = errors.New("diff view is not open")
	ErrVersionNotFound = errors.New("version not found")
)

// Protected reports whether the version id is one of the baseline pair.
func Protected(id int64) bool {
	return id == 1 || id == 2
}

// Version is a snapshot of a prompt and its test result.
type Version struct {
	ID            int64
	VersionNumber int // 0 when the store did not assign one
	Prompt        string
	Result        string
	Timestamp     time.Time
	IsOriginal    bool
	IsOptimized   bool
	Name          string
	Metadata      json.RawMessage
}

// DisplayName returns the version's name, falling back to its number or its
// position in the list.
func (v Version) DisplayName(index int) string {
	if v.Name != "" {
		return v.Name
	}
	if v.VersionNumber > 0 {
		return fmt.Sprintf("Version %d", v.VersionNumber)
	}
	return fmt.Sprintf("Version %d", index+1)
}

// Type is the version_type the store records for v.
func (v Version) Type() string {
	switch {
	case v.IsOriginal:
		return remote.VersionOriginal
	case v.IsOptimized:
		return remote.VersionOptimized
	default:
		return remote.VersionUserModified
	}
}

func fromRecord(r remote.VersionRecord) Version {
	v := Version{
		ID:            r.ID,
		VersionNumber: r.VersionNumber,
		Prompt:        r.PromptContent,
		Result:        r.TestResult,
		IsOriginal:    r.VersionType == remote.VersionOriginal,
		IsOptimized:   r.VersionType == remote.VersionOptimized,
		Name:          r.VersionName,
		Metadata:      r.Metadata,
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, r.CreatedAt); err == nil {
			v.Timestamp = t
			break
		}
	}
	return v
}

// Side selects one of the two comparison cursors.
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

// ParseSide parses "left" or "right".
func ParseSide(s string) (Side, error) {
	switch s {
	case "left", "l":
		return Left, nil
	case "right", "r":
		return Right, nil
	}
	return Left, workflow.Invalid("side", "unknown side %q", s)
}

// Direction moves a cursor one version back or forward.
type Direction int

const (
	Prev Direction = -1
	Next Direction = 1
)

// ComparisonData is the version list and the two independent cursors into it.
type ComparisonData struct {
	Versions []Version
	Left     int
	Right    int
}

func (c ComparisonData) clone() ComparisonData {
	out := c
	out.Versions = append([]Version(nil), c.Versions...)
	return out
}

func (c ComparisonData) cursor(s Side) int {
	if s == Left {
		return c.Left
	}
	return c.Right
}

// Current returns the version under the cursor of side.
func (c ComparisonData) Current(s Side) (Version, int, bool) {
	i := c.cursor(s)
	if i < 0 || i >= len(c.Versions) {
		return Version{}, i, false
	}
	return c.Versions[i], i, true
}

// Phase is the state of a comparison.
type Phase int

const (
	PhaseClosed Phase = iota
	PhaseComparing
	PhaseSelecting
	PhaseAnalyzing
	PhaseExplained
)

func (p Phase) String() string {
	switch p {
	case PhaseComparing:
		return "comparing"
	case PhaseSelecting:
		return "selecting"
	case PhaseAnalyzing:
		return "analyzing"
	case PhaseExplained:
		return "explained"
	}
	return "closed"
}

// DiffOpen reports whether the diff view is showing.
func (p Phase) DiffOpen() bool {
	return p >= PhaseSelecting
}

// DiffState is the content of the diff view.
type DiffState struct {
	LeftID        int64
	RightID       int64
	LeftHistory   []remote.ChatTestMessage
	RightHistory  []remote.ChatTestMessage
	LeftSelected  []int64
	RightSelected []int64
	Explanation   string
}

func (d DiffState) clone() DiffState {
	out := d
	out.LeftHistory = append([]remote.ChatTestMessage(nil), d.LeftHistory...)
	out.RightHistory = append([]remote.ChatTestMessage(nil), d.RightHistory...)
	out.LeftSelected = append([]int64(nil), d.LeftSelected...)
	out.RightSelected = append([]int64(nil), d.RightSelected...)
	return out
}

// DiffKey is the local cache key of the diff between two versions. The pair
// is unordered.
func DiffKey(sessionID string, a, b int64) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("diff_analysis:%s:%d:%d", sessionID, a, b)
}

// cachedDiff is the local cache entry for a diff explanation.
type cachedDiff struct {
	VersionAID   int64   `json:"versionAId"`
	VersionBID   int64   `json:"versionBId"`
	VersionAName string  `json:"versionAName"`
	VersionBName string  `json:"versionBName"`
	SelectedAIDs []int64 `json:"selectedAIds"`
	SelectedBIDs []int64 `json:"selectedBIds"`
	Explanation  string  `json:"explanation"`
	UpdatedAt    string  `json:"updatedAt"`
}
