// ABOUTME: Markdown rendering of document content for read replies
// ABOUTME: goldmark with its default safe mode, raw HTML is dropped

package documents

import (
	"bytes"

	"github.com/yuin/goldmark"
)

func renderMarkdown(src string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(src), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
