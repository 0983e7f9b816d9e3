package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/acorn1010/render/pkg/types"
)

// entryVersion is written into every metadata record.
//
//	1: implicit (no "v"); headers object under responseHeaders, "console" log, brotli body
//	2: ordered header pairs, explicit body encoding, render timestamp
const entryVersion = 2

// entryMetadata is the JSON stored under the ":m" key of a cache entry.
type entryMetadata struct {
	Version      int                  `json:"v"`
	StatusCode   int                  `json:"statusCode"`
	Headers      [][2]string          `json:"headers"`
	ConsoleLog   []types.ConsoleEntry `json:"consoleLog"`
	RenderTimeMs int64                `json:"renderTimeMs"`
	Encoding     string               `json:"encoding"`
	RenderedAt   int64                `json:"renderedAt"`
}

type legacyConsoleEntry struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type legacyMetadata struct {
	StatusCode      int                  `json:"statusCode"`
	ResponseHeaders map[string]string    `json:"responseHeaders"`
	Console         []legacyConsoleEntry `json:"console"`
	RenderTimeMs    int64                `json:"renderTimeMs"`
}

func newEntryMetadata(result *types.RenderResult, encoding string, renderedAt time.Time) *entryMetadata {
	headers := make([][2]string, 0, len(result.Headers))
	for _, h := range result.Headers {
		headers = append(headers, [2]string{h.Name, h.Value})
	}
	consoleLog := result.ConsoleLog
	if consoleLog == nil {
		consoleLog = []types.ConsoleEntry{}
	}
	return &entryMetadata{
		Version:      entryVersion,
		StatusCode:   result.StatusCode,
		Headers:      headers,
		ConsoleLog:   consoleLog,
		RenderTimeMs: result.RenderTimeMs,
		Encoding:     encoding,
		RenderedAt:   renderedAt.UnixMilli(),
	}
}

// decodeMetadata parses a metadata record of any known version into the current shape.
func decodeMetadata(data []byte) (*entryMetadata, error) {
	var header struct {
		Version int `json:"v"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("failed to decode cache metadata: %w", err)
	}

	switch header.Version {
	case 0, 1:
		var legacy legacyMetadata
		if err := json.Unmarshal(data, &legacy); err != nil {
			return nil, fmt.Errorf("failed to decode legacy cache metadata: %w", err)
		}
		return migrateV1(&legacy), nil
	case entryVersion:
		var meta entryMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("failed to decode cache metadata: %w", err)
		}
		if meta.ConsoleLog == nil {
			meta.ConsoleLog = []types.ConsoleEntry{}
		}
		return &meta, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, header.Version)
	}
}

func migrateV1(legacy *legacyMetadata) *entryMetadata {
	names := make([]string, 0, len(legacy.ResponseHeaders))
	for name := range legacy.ResponseHeaders {
		names = append(names, name)
	}
	sort.Strings(names)

	headers := make([][2]string, 0, len(names))
	for _, name := range names {
		headers = append(headers, [2]string{name, legacy.ResponseHeaders[name]})
	}

	consoleLog := make([]types.ConsoleEntry, 0, len(legacy.Console))
	for _, c := range legacy.Console {
		consoleLog = append(consoleLog, types.ConsoleEntry{Level: c.Type, Args: []string{c.Text}})
	}

	return &entryMetadata{
		Version:      entryVersion,
		StatusCode:   legacy.StatusCode,
		Headers:      headers,
		ConsoleLog:   consoleLog,
		RenderTimeMs: legacy.RenderTimeMs,
		Encoding:     EncodingBrotli,
	}
}

func (m *entryMetadata) toResult(body []byte) *types.RenderResult {
	headers := make(types.Headers, 0, len(m.Headers))
	for _, h := range m.Headers {
		headers = append(headers, types.Header{Name: h[0], Value: h[1]})
	}
	return &types.RenderResult{
		StatusCode:   m.StatusCode,
		Headers:      headers,
		Body:         body,
		ConsoleLog:   m.ConsoleLog,
		RenderTimeMs: m.RenderTimeMs,
	}
}

func marshalMetadata(meta *entryMetadata) ([]byte, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache metadata: %w", err)
	}
	return data, nil
}
