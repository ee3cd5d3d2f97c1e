// ABOUTME: Tests for text comparison and edit extraction
// ABOUTME: Covers statistics, renderings and character positions

package diff

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatUnified, f)

	f, err = ParseFormat(" HTML ")
	require.NoError(t, err)
	assert.Equal(t, FormatHTML, f)

	f, err = ParseFormat("stats")
	require.NoError(t, err)
	assert.Equal(t, FormatStats, f)

	_, err = ParseFormat("xml")
	if !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestCompute_UnknownFormat(t *testing.T) {
	_, err := Compute("a", "b", Options{Format: "pdf"})
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestCompute_Statistics(t *testing.T) {
	res, err := Compute("abcd", "abce", Options{Format: FormatStats})
	require.NoError(t, err)

	assert.InDelta(t, 0.75, res.Similarity, 1e-9)
	assert.Equal(t, 75.0, res.SimilarityPercent())
	assert.Equal(t, 1, res.CharsAdded)
	assert.Equal(t, 1, res.CharsRemoved)
	assert.Empty(t, res.Rendered)

	stats := res.Statistics()
	assert.Equal(t, 75.0, stats["similarity"])
	assert.Equal(t, 1, stats["lines_in_version1"])
	assert.Equal(t, 1, stats["lines_in_version2"])
}

func TestCompute_Identical(t *testing.T) {
	res, err := Compute("same text", "same text", Options{Format: FormatStats})
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.SimilarityPercent())
	assert.Zero(t, res.CharsAdded)
	assert.Zero(t, res.CharsRemoved)
}

func TestCompute_InsertOnly(t *testing.T) {
	res, err := Compute("hello world", "hello there world", Options{Format: FormatStats})
	require.NoError(t, err)
	assert.Equal(t, 6, res.CharsAdded)
	assert.Zero(t, res.CharsRemoved)
}

func TestCompute_LineCounts(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"one", 1},
		{"a\nb", 2},
		{"a\nb\n", 2},
		{"a\n\nb\n", 3},
	}
	for _, tc := range cases {
		res, err := Compute(tc.in, "", Options{Format: FormatStats})
		require.NoError(t, err)
		if res.LinesOld != tc.want {
			t.Errorf("lines(%q) = %d, want %d", tc.in, res.LinesOld, tc.want)
		}
	}
}

func TestCompute_Unified(t *testing.T) {
	res, err := Compute("line1\nline2\n", "line1\nchanged\n", Options{
		Format:    FormatUnified,
		FromTitle: "Version 1",
		ToTitle:   "Version 2",
	})
	require.NoError(t, err)

	assert.Contains(t, res.Rendered, "--- Version 1")
	assert.Contains(t, res.Rendered, "+++ Version 2")
	assert.Contains(t, res.Rendered, "-line2\n")
	assert.Contains(t, res.Rendered, "+changed\n")
	assert.Contains(t, res.Rendered, " line1\n")
}

func TestCompute_UnifiedMissingFinalNewline(t *testing.T) {
	res, err := Compute("a\nb", "a\nc", Options{FromTitle: "x", ToTitle: "y"})
	require.NoError(t, err)
	assert.Contains(t, res.Rendered, "-b\n+c\n")
}

func TestCompute_HTML(t *testing.T) {
	res, err := Compute("keep\n<b>old</b>\n", "keep\nnew & shiny\nextra\n", Options{
		Format:    FormatHTML,
		FromTitle: "v<1>",
		ToTitle:   "v2",
	})
	require.NoError(t, err)

	out := res.Rendered
	assert.True(t, strings.HasPrefix(out, `<table class="diff">`))
	assert.True(t, strings.HasSuffix(out, "</table>"))
	assert.Contains(t, out, "v&lt;1&gt;")
	assert.Contains(t, out, "&lt;b&gt;old&lt;/b&gt;")
	assert.Contains(t, out, "new &amp; shiny")
	assert.Contains(t, out, "diff_chg")
	assert.NotContains(t, out, "<b>old")
	assert.Contains(t, out, "<td>keep</td>")
}

func TestCompute_HTMLAddAndRemove(t *testing.T) {
	res, err := Compute("a\nb\n", "a\n", Options{Format: FormatHTML})
	require.NoError(t, err)
	assert.Contains(t, res.Rendered, `class="diff_sub">b<`)

	res, err = Compute("a\n", "a\nb\n", Options{Format: FormatHTML})
	require.NoError(t, err)
	assert.Contains(t, res.Rendered, `class="diff_add">b<`)
}

func TestChanges(t *testing.T) {
	t.Run("insert", func(t *testing.T) {
		edits := Changes("hello world", "hello there world")
		require.Len(t, edits, 1)
		assert.Equal(t, Edit{Type: EditInsert, Position: 6, NewContent: "there "}, edits[0])
	})

	t.Run("delete", func(t *testing.T) {
		edits := Changes("abcdef", "abef")
		require.Len(t, edits, 1)
		assert.Equal(t, Edit{Type: EditDelete, Position: 2, Length: 2, OldContent: "cd"}, edits[0])
	})

	t.Run("replace", func(t *testing.T) {
		edits := Changes("cat", "cut")
		require.Len(t, edits, 1)
		assert.Equal(t, Edit{Type: EditReplace, Position: 1, Length: 1, OldContent: "a", NewContent: "u"}, edits[0])
	})

	t.Run("multibyte positions", func(t *testing.T) {
		edits := Changes("héllo", "hallo")
		require.Len(t, edits, 1)
		assert.Equal(t, 1, edits[0].Position)
		assert.Equal(t, 1, edits[0].Length)
		assert.Equal(t, "é", edits[0].OldContent)
	})

	t.Run("identical", func(t *testing.T) {
		assert.Empty(t, Changes("same", "same"))
	})

	t.Run("from empty", func(t *testing.T) {
		edits := Changes("", "new")
		require.Len(t, edits, 1)
		assert.Equal(t, EditInsert, edits[0].Type)
		assert.Equal(t, 0, edits[0].Position)
		assert.Equal(t, "new", edits[0].NewContent)
	})
}
