// Package htmlprocessor reads facts out of rendered HTML.
package htmlprocessor

const maxTitleLength = 200

// Document provides read access to a parsed HTML document.
type Document interface {
	// Title returns the text of the <title> tag in <head>, whitespace-collapsed
	// and truncated to 200 runes, and whether the tag exists.
	Title() (string, bool)
}

// Title parses htmlBytes and returns its title. Unparseable input has no title.
func Title(htmlBytes []byte) (string, bool) {
	doc, err := ParseWithDOM(htmlBytes)
	if err != nil {
		return "", false
	}
	return doc.Title()
}
