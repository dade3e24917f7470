package evidence

import (
	"strings"

	"golang.org/x/net/html"
)

// NormalizeBody prepares a raw body for correlation: HTML from issue
// trackers and review tools is flattened to text, whitespace runs
// collapse to single spaces. Plain text passes through with the same
// whitespace normalization. Truncation happens after normalization so a
// tag-heavy body does not eat the rune budget.
func NormalizeBody(body string) string {
	if body == "" {
		return ""
	}
	if looksLikeHTML(body) {
		if text, err := htmlToText(body); err == nil {
			body = text
		}
	}
	return strings.Join(strings.Fields(body), " ")
}

// looksLikeHTML is a cheap sniff: a tag pair anywhere in the body. False
// positives only cost a parse; html.Parse accepts arbitrary text.
func looksLikeHTML(s string) bool {
	open := strings.IndexByte(s, '<')
	if open < 0 {
		return false
	}
	close := strings.IndexByte(s[open:], '>')
	return close > 1
}

// skipElements are subtrees that contribute markup, not prose.
var skipElements = map[string]bool{
	"script": true,
	"style":  true,
	"head":   true,
}

func htmlToText(raw string) (string, error) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	var traverse func(*html.Node)
	traverse = func(node *html.Node) {
		if node.Type == html.ElementNode && skipElements[node.Data] {
			return
		}
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
			sb.WriteString(" ")
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(doc)
	return strings.TrimSpace(sb.String()), nil
}
