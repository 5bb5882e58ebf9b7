package sidenote

import (
	"strings"
	"testing"

	"golang.org/x/net/html"
)

// balanced reports whether every non-void start tag has a matching end tag
// in nesting order.
func balanced(markup string) bool {
	z := html.NewTokenizer(strings.NewReader(markup))
	var stack []string
	for {
		switch z.Next() {
		case html.ErrorToken:
			return len(stack) == 0
		case html.StartTagToken:
			name, _ := z.TagName()
			if _, void := voidElements[string(name)]; !void {
				stack = append(stack, string(name))
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if len(stack) == 0 || stack[len(stack)-1] != string(name) {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
}

func TestTruncateHTMLClosesOpenTags(t *testing.T) {
	src := "<b>hello <i>world</i> foo</b>"
	full := PlainText(src)
	for limit := 0; limit < TextLength(src); limit++ {
		got := TruncateHTML(src, limit)
		if !balanced(got) {
			t.Fatalf("limit %d: unbalanced %q", limit, got)
		}
		text := PlainText(got)
		if !strings.HasPrefix(full, text) || len([]rune(text)) != limit {
			t.Fatalf("limit %d: text %q is not a %d-char prefix of %q", limit, text, limit, full)
		}
	}
	if got := TruncateHTML(src, 8); got != "<b>hello <i>wo</i></b>" {
		t.Fatalf("TruncateHTML(8) = %q", got)
	}
}

func TestTruncateHTMLLeavesShortContent(t *testing.T) {
	src := "<p>short <em>note</em></p>"
	if got := TruncateHTML(src, 100); got != src {
		t.Fatalf("expected unchanged markup, got %q", got)
	}
}

func TestTruncateHTMLToleratesMalformedMarkup(t *testing.T) {
	cases := []string{
		"<b>unclosed <i>tags everywhere",
		"stray </i> end </b> tags here",
		"<p>a<br>b<img src=x>c<hr/>d</p>",
		"<b><i>misnested</b></i> text",
		"<a href='x'>link &amp; more &lt;text&gt;</a>",
		"<",
		"</>",
	}
	for _, src := range cases {
		got := TruncateHTML(src, 5)
		if !balanced(got) {
			t.Errorf("TruncateHTML(%q) = %q is unbalanced", src, got)
		}
		if n := TextLength(got); n > 5 {
			t.Errorf("TruncateHTML(%q) kept %d chars", src, n)
		}
	}
}

func TestTruncateHTMLCountsDecodedCharacters(t *testing.T) {
	src := "<p>&amp;&amp;&amp;abcdef</p>"
	got := TruncateHTML(src, 4)
	if PlainText(got) != "&&&a" {
		t.Fatalf("unexpected text %q from %q", PlainText(got), got)
	}
	jp := "<p>日本語のテキストです</p>"
	if got := PlainText(TruncateHTML(jp, 3)); got != "日本語" {
		t.Fatalf("unexpected japanese prefix %q", got)
	}
}
