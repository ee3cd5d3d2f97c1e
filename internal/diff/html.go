// ABOUTME: Side-by-side HTML table rendering of a line diff
// ABOUTME: All text is escaped; rows carry diff_add/diff_sub/diff_chg classes

package diff

import (
	"fmt"
	"html"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

func renderHTML(oldLines, newLines []string, fromTitle, toTitle string) string {
	var b strings.Builder
	b.WriteString(`<table class="diff">` + "\n")
	fmt.Fprintf(&b, `<thead><tr><th colspan="2" class="diff_header">%s</th><th colspan="2" class="diff_header">%s</th></tr></thead>`+"\n",
		html.EscapeString(fromTitle), html.EscapeString(toTitle))
	b.WriteString("<tbody>\n")

	m := difflib.NewMatcher(oldLines, newLines)
	for _, op := range m.GetOpCodes() {
		switch op.Tag {
		case 'e':
			for k := 0; k < op.I2-op.I1; k++ {
				writeRow(&b, op.I1+k, oldLines[op.I1+k], "", op.J1+k, newLines[op.J1+k], "")
			}
		case 'd':
			for i := op.I1; i < op.I2; i++ {
				writeRow(&b, i, oldLines[i], "diff_sub", -1, "", "")
			}
		case 'i':
			for j := op.J1; j < op.J2; j++ {
				writeRow(&b, -1, "", "", j, newLines[j], "diff_add")
			}
		case 'r':
			n := max(op.I2-op.I1, op.J2-op.J1)
			for k := range n {
				i, j := op.I1+k, op.J1+k
				left, right := -1, -1
				var oldText, newText string
				if i < op.I2 {
					left, oldText = i, oldLines[i]
				}
				if j < op.J2 {
					right, newText = j, newLines[j]
				}
				writeRow(&b, left, oldText, "diff_chg", right, newText, "diff_chg")
			}
		}
	}

	b.WriteString("</tbody>\n</table>")
	return b.String()
}

func writeRow(b *strings.Builder, oldNum int, oldText, oldClass string, newNum int, newText, newClass string) {
	b.WriteString("<tr>")
	writeCells(b, oldNum, oldText, oldClass)
	writeCells(b, newNum, newText, newClass)
	b.WriteString("</tr>\n")
}

func writeCells(b *strings.Builder, num int, text, class string) {
	if num < 0 {
		b.WriteString(`<td class="diff_next"></td><td></td>`)
		return
	}
	fmt.Fprintf(b, `<td class="diff_next">%d</td>`, num+1)
	text = html.EscapeString(strings.TrimRight(text, "\r\n"))
	if class == "" {
		fmt.Fprintf(b, `<td>%s</td>`, text)
		return
	}
	fmt.Fprintf(b, `<td class="%s">%s</td>`, class, text)
}
