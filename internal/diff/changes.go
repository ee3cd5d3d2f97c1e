// ABOUTME: Edit extraction between two texts for change tracking
// ABOUTME: Positions and lengths count characters, not bytes

package diff

import (
	"github.com/pmezard/go-difflib/difflib"
)

// Edit types.
const (
	EditInsert  = "insert"
	EditDelete  = "delete"
	EditReplace = "replace"
)

// Edit is one contiguous change turning old into new. Position is the
// character offset in old. Inserts have zero Length.
type Edit struct {
	Type       string
	Position   int
	Length     int
	OldContent string
	NewContent string
}

// Changes lists the edits that turn old into new.
func Changes(old, new string) []Edit {
	a, b := runes(old), runes(new)
	m := difflib.NewMatcher(a, b)

	var edits []Edit
	for _, op := range m.GetOpCodes() {
		switch op.Tag {
		case 'r':
			edits = append(edits, Edit{
				Type:       EditReplace,
				Position:   op.I1,
				Length:     op.I2 - op.I1,
				OldContent: join(a[op.I1:op.I2]),
				NewContent: join(b[op.J1:op.J2]),
			})
		case 'd':
			edits = append(edits, Edit{
				Type:       EditDelete,
				Position:   op.I1,
				Length:     op.I2 - op.I1,
				OldContent: join(a[op.I1:op.I2]),
			})
		case 'i':
			edits = append(edits, Edit{
				Type:       EditInsert,
				Position:   op.I1,
				NewContent: join(b[op.J1:op.J2]),
			})
		}
	}
	return edits
}

func join(chars []string) string {
	n := 0
	for _, c := range chars {
		n += len(c)
	}
	buf := make([]byte, 0, n)
	for _, c := range chars {
		buf = append(buf, c...)
	}
	return string(buf)
}
