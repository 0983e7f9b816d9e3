package cache

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/snappy"
	"github.com/pierrec/lz4/v4"

	"github.com/acorn1010/render/internal/common/configtypes"
)

// Body encodings recorded in entry metadata
const (
	EncodingBrotli   = "br"
	EncodingSnappy   = "snappy"
	EncodingLZ4      = "lz4"
	EncodingIdentity = "identity"
)

// EncodingFor returns the encoding tag written for a configured compression algorithm.
func EncodingFor(algorithm string) (string, error) {
	switch algorithm {
	case configtypes.CompressionBrotli:
		return EncodingBrotli, nil
	case configtypes.CompressionSnappy:
		return EncodingSnappy, nil
	case configtypes.CompressionLZ4:
		return EncodingLZ4, nil
	case configtypes.CompressionNone, "":
		return EncodingIdentity, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCompression, algorithm)
	}
}

// Compress encodes content with the given encoding tag.
func Compress(content []byte, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingBrotli:
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		if _, err := w.Write(content); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("brotli compression failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("brotli compression close failed: %w", err)
		}
		return buf.Bytes(), nil

	case EncodingSnappy:
		return snappy.Encode(nil, content), nil

	case EncodingLZ4:
		// stream format carries its own size information
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(content); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("lz4 compression failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compression close failed: %w", err)
		}
		return buf.Bytes(), nil

	case EncodingIdentity:
		return content, nil

	default:
		return nil, fmt.Errorf("%w: encoding %q", ErrUnsupportedCompression, encoding)
	}
}

// Decompress reverses Compress.
func Decompress(content []byte, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingBrotli:
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(content)))
		if err != nil {
			return nil, fmt.Errorf("brotli decompression failed: %w", err)
		}
		return out, nil

	case EncodingSnappy:
		out, err := snappy.Decode(nil, content)
		if err != nil {
			return nil, fmt.Errorf("snappy decompression failed: %w", err)
		}
		return out, nil

	case EncodingLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(content)))
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression failed: %w", err)
		}
		return out, nil

	case EncodingIdentity:
		return content, nil

	default:
		return nil, fmt.Errorf("%w: encoding %q", ErrUnsupportedCompression, encoding)
	}
}
