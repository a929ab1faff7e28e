package agent

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// md renders replies. Models emit GitHub-flavored lists and tables;
// raw HTML in a reply is omitted.
var md = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// RenderHTML renders markdown to an HTML fragment.
func RenderHTML(text string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Patterns for stripping markdown formatting.
var (
	mdBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic     = regexp.MustCompile(`\*(.+?)\*`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdCodeBlock  = regexp.MustCompile("(?s)```[a-zA-Z]*\n?(.*?)```")
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
)

// PlainText strips markdown emphasis for terminal output. List markers
// are left alone.
func PlainText(text string) string {
	s := mdCodeBlock.ReplaceAllString(text, "$1")
	s = mdLink.ReplaceAllString(s, "$1 ($2)")
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdItalic.ReplaceAllString(s, "$1")
	s = mdInlineCode.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
