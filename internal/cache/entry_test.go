package cache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acorn1010/render/pkg/types"
)

func TestEntryMetadata_CurrentVersion(t *testing.T) {
	result := &types.RenderResult{
		StatusCode: 200,
		Headers: types.Headers{
			{Name: "content-type", Value: "text/html"},
			{Name: "set-cookie", Value: "a=1\nb=2"},
		},
		ConsoleLog:   []types.ConsoleEntry{{Level: "log", Args: []string{"hi"}}},
		RenderTimeMs: 812,
	}

	meta := newEntryMetadata(result, EncodingBrotli, time.UnixMilli(1760000000000))
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"v":2`)

	decoded, err := decodeMetadata(data)
	require.NoError(t, err)
	got := decoded.toResult([]byte("<html></html>"))

	assert.Equal(t, 200, got.StatusCode)
	assert.Equal(t, result.Headers, got.Headers)
	assert.Equal(t, result.ConsoleLog, got.ConsoleLog)
	assert.Equal(t, int64(812), got.RenderTimeMs)
	assert.Equal(t, EncodingBrotli, decoded.Encoding)
	assert.Equal(t, int64(1760000000000), decoded.RenderedAt)
}

func TestEntryMetadata_MigratesLegacy(t *testing.T) {
	legacy := `{"statusCode":301,"responseHeaders":{"location":"https://example.com/b","content-type":"text/html"},` +
		`"console":[{"type":"error","text":"boom"}],"renderTimeMs":40}`

	meta, err := decodeMetadata([]byte(legacy))
	require.NoError(t, err)

	assert.Equal(t, entryVersion, meta.Version)
	assert.Equal(t, EncodingBrotli, meta.Encoding)
	assert.Equal(t, [][2]string{
		{"content-type", "text/html"},
		{"location", "https://example.com/b"},
	}, meta.Headers)
	assert.Equal(t, []types.ConsoleEntry{{Level: "error", Args: []string{"boom"}}}, meta.ConsoleLog)
	assert.Equal(t, 301, meta.StatusCode)
}

func TestEntryMetadata_LegacyWithoutConsole(t *testing.T) {
	meta, err := decodeMetadata([]byte(`{"statusCode":200}`))
	require.NoError(t, err)
	assert.NotNil(t, meta.ConsoleLog)
	assert.Empty(t, meta.Headers)
}

func TestEntryMetadata_RejectsNewerVersion(t *testing.T) {
	_, err := decodeMetadata([]byte(`{"v":99,"statusCode":200}`))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = decodeMetadata([]byte(`not json`))
	assert.Error(t, err)
}
