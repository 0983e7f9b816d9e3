package htmlprocessor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

func parseHTML(t *testing.T, htmlStr string) *html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(htmlStr))
	require.NoError(t, err)
	return doc
}

func TestFindElement(t *testing.T) {
	tests := []struct {
		name    string
		html    string
		tag     string
		wantNil bool
	}{
		{"finds nested element", `<html><body><div><span>text</span></div></body></html>`, "span", false},
		{"returns nil for missing element", `<html><body><div>text</div></body></html>`, "span", true},
		{"case insensitive search", `<html><body><DIV>text</DIV></body></html>`, "DIV", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found := findElement(parseHTML(t, tt.html), tt.tag)
			if tt.wantNil {
				assert.Nil(t, found)
				return
			}
			require.NotNil(t, found)
			assert.Equal(t, strings.ToLower(tt.tag), found.Data)
		})
	}

	assert.Nil(t, findElement(nil, "div"))
}

func TestTitle(t *testing.T) {
	tests := []struct {
		name   string
		html   string
		want   string
		wantOK bool
	}{
		{"simple title", `<html><head><title>Home</title></head></html>`, "Home", true},
		{"whitespace collapsed", "<html><head><title>\n  Page   Not\tFound </title></head></html>", "Page Not Found", true},
		{"empty title", `<html><head><title> </title></head></html>`, "", true},
		{"missing title", `<html><head></head><body>hi</body></html>`, "", false},
		{"implicit head", `<title>Moved</title><p>x</p>`, "Moved", true},
		{"entities decoded", `<html><head><title>Tom &amp; Jerry</title></head></html>`, "Tom & Jerry", true},
		{"json body", `{"error":"not found"}`, "", false},
		{"empty input", ``, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Title([]byte(tt.html))
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestTitle_Truncated(t *testing.T) {
	long := strings.Repeat("é", 250)
	got, ok := Title([]byte("<html><head><title>" + long + "</title></head></html>"))
	require.True(t, ok)
	assert.Equal(t, 200, len([]rune(got)))
}
