package sidenote

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

var voidElements = map[string]struct{}{
	"area": {}, "base": {}, "br": {}, "col": {}, "embed": {}, "hr": {}, "img": {},
	"input": {}, "link": {}, "meta": {}, "source": {}, "track": {}, "wbr": {},
}

// TextLength counts the characters of the decoded text content of markup.
func TextLength(markup string) int {
	z := html.NewTokenizer(strings.NewReader(markup))
	n := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return n
		case html.TextToken:
			n += utf8.RuneCount(z.Text())
		}
	}
}

// PlainText returns the decoded text content of markup.
func PlainText(markup string) string {
	z := html.NewTokenizer(strings.NewReader(markup))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(z.Text())
		}
	}
}

// TruncateHTML keeps the first limit characters of text content and closes
// every tag still open at the cut, innermost first, so the fragment stands
// alone. Markup whose text fits is returned unchanged. Stray end tags are
// dropped and void elements never count as open.
func TruncateHTML(markup string, limit int) string {
	if TextLength(markup) <= limit {
		return markup
	}

	z := html.NewTokenizer(strings.NewReader(markup))
	var b strings.Builder
	var open []string
	count := 0

	closeAll := func() string {
		for i := len(open) - 1; i >= 0; i-- {
			b.WriteString("</" + open[i] + ">")
		}
		return b.String()
	}

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or a malformed tail; either way stop at what was read.
			return closeAll()
		case html.TextToken:
			raw := string(z.Raw())
			text := string(z.Text())
			n := utf8.RuneCountInString(text)
			remaining := limit - count
			if n < remaining {
				b.WriteString(raw)
				count += n
				continue
			}
			if n == remaining {
				b.WriteString(raw)
			} else {
				b.WriteString(html.EscapeString(firstRunes(text, remaining)))
			}
			return closeAll()
		case html.StartTagToken:
			raw := string(z.Raw())
			name, _ := z.TagName()
			b.WriteString(raw)
			if _, void := voidElements[string(name)]; !void {
				open = append(open, string(name))
			}
		case html.EndTagToken:
			raw := string(z.Raw())
			name, _ := z.TagName()
			idx := lastIndex(open, string(name))
			if idx < 0 {
				continue
			}
			for i := len(open) - 1; i > idx; i-- {
				b.WriteString("</" + open[i] + ">")
			}
			b.WriteString(raw)
			open = open[:idx]
		case html.SelfClosingTagToken, html.CommentToken:
			b.Write(z.Raw())
		case html.DoctypeToken:
		}
	}
}

func firstRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func lastIndex(stack []string, name string) int {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == name {
			return i
		}
	}
	return -1
}
