// ABOUTME: Text comparison for version history: similarity, counts and renderings
// ABOUTME: Character-level matching via go-difflib's SequenceMatcher

package diff

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Format selects how Compute renders the difference.
type Format string

const (
	FormatUnified Format = "unified"
	FormatHTML    Format = "html"
	FormatStats   Format = "stats"
)

// ErrUnknownFormat is returned for a Format outside the known set.
var ErrUnknownFormat = errors.New("unknown diff format")

// ParseFormat maps a client supplied name to a Format. Empty selects
// unified.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatUnified, nil
	case FormatUnified, FormatHTML, FormatStats:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Options controls Compute.
type Options struct {
	Format    Format
	FromTitle string
	ToTitle   string
	Context   int // unified context lines, default 3
}

// Result describes how two texts differ.
type Result struct {
	Similarity   float64 // 0..1
	CharsAdded   int
	CharsRemoved int
	LinesOld     int
	LinesNew     int
	Rendered     string // empty for FormatStats
}

// SimilarityPercent is Similarity scaled to 0..100 and rounded to two
// decimals.
func (r Result) SimilarityPercent() float64 {
	return math.Round(r.Similarity*100*100) / 100
}

// Statistics returns the summary in reply shape.
func (r Result) Statistics() map[string]any {
	return map[string]any{
		"similarity":         r.SimilarityPercent(),
		"characters_added":   r.CharsAdded,
		"characters_removed": r.CharsRemoved,
		"lines_in_version1":  r.LinesOld,
		"lines_in_version2":  r.LinesNew,
	}
}

// Compute compares old and new character by character.
func Compute(old, new string, opts Options) (Result, error) {
	format := opts.Format
	if format == "" {
		format = FormatUnified
	}
	if format != FormatUnified && format != FormatHTML && format != FormatStats {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	m := difflib.NewMatcher(runes(old), runes(new))
	res := Result{
		Similarity: m.Ratio(),
		LinesOld:   len(splitLines(old)),
		LinesNew:   len(splitLines(new)),
	}
	for _, op := range m.GetOpCodes() {
		switch op.Tag {
		case 'i':
			res.CharsAdded += op.J2 - op.J1
		case 'd':
			res.CharsRemoved += op.I2 - op.I1
		case 'r':
			res.CharsAdded += op.J2 - op.J1
			res.CharsRemoved += op.I2 - op.I1
		}
	}

	switch format {
	case FormatUnified:
		context := opts.Context
		if context <= 0 {
			context = 3
		}
		text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        terminated(splitLines(old)),
			B:        terminated(splitLines(new)),
			FromFile: opts.FromTitle,
			ToFile:   opts.ToTitle,
			Context:  context,
		})
		if err != nil {
			return Result{}, fmt.Errorf("rendering unified diff: %w", err)
		}
		res.Rendered = text
	case FormatHTML:
		res.Rendered = renderHTML(splitLines(old), splitLines(new), opts.FromTitle, opts.ToTitle)
	}
	return res, nil
}

// runes splits s into one element per character.
func runes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// splitLines splits after each newline, keeping it. A trailing newline
// does not start a new line and "" has no lines.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// terminated ensures every line ends in a newline so rendered hunks do not
// run together.
func terminated(lines []string) []string {
	if len(lines) == 0 || strings.HasSuffix(lines[len(lines)-1], "\n") {
		return lines
	}
	out := make([]string, len(lines))
	copy(out, lines)
	out[len(out)-1] += "\n"
	return out
}
