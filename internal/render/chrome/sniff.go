package chrome

import (
	"bytes"
	"mime"
	"strings"

	"golang.org/x/net/html"
)

// isHTMLContentType reports whether a Content-Type value names an HTML document.
func isHTMLContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "text/html")
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// looksLikeHTML sniffs a body that arrived without a Content-Type. It accepts a
// doctype or a leading document-level tag after optional comments and whitespace.
func looksLikeHTML(body []byte) bool {
	z := html.NewTokenizer(bytes.NewReader(body))
	for i := 0; i < 16; i++ {
		switch z.Next() {
		case html.DoctypeToken:
			return true
		case html.CommentToken:
			continue
		case html.TextToken:
			if len(bytes.TrimSpace(z.Text())) == 0 {
				continue
			}
			return false
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "html", "head", "body", "title", "meta", "link", "script", "style", "div":
				return true
			}
			return false
		default:
			return false
		}
	}
	return false
}
