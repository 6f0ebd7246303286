package textutil

import (
	"html"
	"strings"
	"sync"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

var (
	strictOnce   sync.Once
	strictPolicy *bluemonday.Policy

	mdOnce sync.Once
	mdConv *converter.Converter
)

// LooksLikeHTML reports whether s contains markup worth converting.
func LooksLikeHTML(s string) bool {
	i := strings.IndexByte(s, '<')
	return i >= 0 && strings.IndexByte(s[i:], '>') > 0
}

// StripHTML removes all markup and leaves text. Plain input is returned as is.
func StripHTML(s string) string {
	if !LooksLikeHTML(s) {
		return s
	}
	strictOnce.Do(func() { strictPolicy = bluemonday.StrictPolicy() })
	return html.UnescapeString(strictPolicy.Sanitize(s))
}

// ToMarkdown renders HTML bodies as markdown. Plain or textile input passes
// through unchanged; on conversion errors the stripped text is returned.
func ToMarkdown(s string) string {
	if !LooksLikeHTML(s) {
		return s
	}
	mdOnce.Do(func() {
		mdConv = converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		)
	})
	out, err := mdConv.ConvertString(s)
	if err != nil {
		logger.Warn("textutil: html to markdown failed", "error", err)
		return StripHTML(s)
	}
	return strings.TrimSpace(out)
}
