package types

import (
	"sort"
	"strings"
)

// Header is one response header. Value may hold several values joined by "\n".
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list. Names are stored lower-cased.
type Headers []Header

// Get returns the value for name (case-insensitive) and whether it was present.
func (h Headers) Get(name string) (string, bool) {
	name = strings.ToLower(name)
	for _, hdr := range h {
		if hdr.Name == name {
			return hdr.Value, true
		}
	}
	return "", false
}

// Add appends value to name, joining with "\n" when name is already present.
func (h Headers) Add(name, value string) Headers {
	name = strings.ToLower(name)
	for i := range h {
		if h[i].Name == name {
			h[i].Value += "\n" + value
			return h
		}
	}
	return append(h, Header{Name: name, Value: value})
}

// Values splits a newline-joined header value back into individual values.
func (hdr Header) Values() []string {
	return strings.Split(hdr.Value, "\n")
}

// HeadersFromMap builds a Headers list sorted by name.
func HeadersFromMap(m map[string]string) Headers {
	h := make(Headers, 0, len(m))
	for name, value := range m {
		h = h.Add(name, value)
	}
	sort.SliceStable(h, func(i, j int) bool { return h[i].Name < h[j].Name })
	return h
}

// ConsoleEntry is one console API call captured while a page rendered.
type ConsoleEntry struct {
	Level string   `json:"level"`
	Args  []string `json:"args"`
}

// RenderResult is what a render (or the fallback fetch) produced for one URL.
// Treat it as immutable once returned.
type RenderResult struct {
	StatusCode   int
	Headers      Headers
	Body         []byte
	ConsoleLog   []ConsoleEntry
	RenderTimeMs int64
}

// NotFoundResult is the synthetic result for URLs whose host cannot be resolved.
func NotFoundResult(renderTimeMs int64) *RenderResult {
	return &RenderResult{
		StatusCode:   404,
		Headers:      Headers{},
		Body:         []byte{},
		ConsoleLog:   []ConsoleEntry{},
		RenderTimeMs: renderTimeMs,
	}
}
