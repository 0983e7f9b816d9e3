package cache

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodingFor(t *testing.T) {
	tests := map[string]string{
		"brotli": EncodingBrotli,
		"snappy": EncodingSnappy,
		"lz4":    EncodingLZ4,
		"none":   EncodingIdentity,
		"":       EncodingIdentity,
	}
	for algo, want := range tests {
		got, err := EncodingFor(algo)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := EncodingFor("zstd")
	assert.ErrorIs(t, err, ErrUnsupportedCompression)
}

func TestCompress_LosslessForArbitraryBytes(t *testing.T) {
	random := make([]byte, 64*1024)
	rand.New(rand.NewSource(1)).Read(random)

	bodies := map[string][]byte{
		"empty":  {},
		"html":   []byte("<html><body>" + string(bytes.Repeat([]byte("<p>hello</p>"), 500)) + "</body></html>"),
		"binary": random,
		"nul":    {0, 0, 0, 255, 254},
	}

	for _, enc := range []string{EncodingBrotli, EncodingSnappy, EncodingLZ4, EncodingIdentity} {
		for name, body := range bodies {
			t.Run(enc+"/"+name, func(t *testing.T) {
				compressed, err := Compress(body, enc)
				require.NoError(t, err)

				out, err := Decompress(compressed, enc)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(body, out), "round trip mismatch")
			})
		}
	}
}

func TestCompress_BrotliShrinksHTML(t *testing.T) {
	html := bytes.Repeat([]byte("<div class=\"item\">product</div>"), 1000)
	compressed, err := Compress(html, EncodingBrotli)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(html)/10)
}

func TestDecompress_Errors(t *testing.T) {
	_, err := Decompress([]byte("<html>not brotli</html>"), EncodingBrotli)
	assert.Error(t, err)

	_, err = Decompress([]byte("x"), "gzip")
	assert.ErrorIs(t, err, ErrUnsupportedCompression)
}
