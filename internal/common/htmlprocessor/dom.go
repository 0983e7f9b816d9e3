package htmlprocessor

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// domDocument implements Document interface using golang.org/x/net/html DOM parsing.
type domDocument struct {
	root *html.Node
}

// ParseWithDOM parses HTML bytes into a Document using DOM parsing.
func ParseWithDOM(htmlBytes []byte) (Document, error) {
	root, err := html.Parse(bytes.NewReader(htmlBytes))
	if err != nil {
		return nil, err
	}
	return &domDocument{root: root}, nil
}

// findElement recursively searches for the first element with matching tag name (case-insensitive).
// Returns nil if not found.
func findElement(node *html.Node, tag string) *html.Node {
	if node == nil {
		return nil
	}
	lowerTag := strings.ToLower(tag)

	var walk func(*html.Node) *html.Node
	walk = func(n *html.Node) *html.Node {
		if n.Type == html.ElementNode && strings.ToLower(n.Data) == lowerTag {
			return n
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if found := walk(c); found != nil {
				return found
			}
		}
		return nil
	}
	return walk(node)
}

// getTextContent recursively extracts all text content from node and descendants.
func getTextContent(node *html.Node) string {
	if node == nil {
		return ""
	}

	var sb strings.Builder
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}
	extract(node)
	return sb.String()
}

// truncateRunes truncates a string to maxLen runes (not bytes).
func truncateRunes(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen])
}

func (d *domDocument) Title() (string, bool) {
	head := findElement(d.root, "head")
	if head == nil {
		return "", false
	}

	title := findElement(head, "title")
	if title == nil {
		return "", false
	}

	text := strings.Join(strings.Fields(getTextContent(title)), " ")
	return truncateRunes(text, maxTitleLength), true
}
