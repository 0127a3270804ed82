package middleware

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/openctemio/stigmap/pkg/apierror"
)

var errDecompressedTooLarge = errors.New("decompressed body too large")

// DecompressConfig configures the decompression middleware.
type DecompressConfig struct {
	// MaxDecompressedSize bounds the inflated body.
	MaxDecompressedSize int64

	// MaxCompressedSize bounds the body read from the wire.
	MaxCompressedSize int64

	// MaxCompressionRatio rejects bodies that inflate more than this.
	MaxCompressionRatio float64

	// AllowedEncodings lists accepted Content-Encoding values.
	AllowedEncodings []string
}

// DefaultDecompressConfig returns the default configuration.
func DefaultDecompressConfig() *DecompressConfig {
	return &DecompressConfig{
		MaxDecompressedSize: 50 << 20,
		MaxCompressedSize:   10 << 20,
		MaxCompressionRatio: 100,
		AllowedEncodings:    []string{"gzip", "zstd"},
	}
}

// UploadDecompressConfig is sized for checklist uploads. Checklist XML is
// highly repetitive, so the ratio limit is higher than the default.
func UploadDecompressConfig(maxBodySize int64) *DecompressConfig {
	cfg := DefaultDecompressConfig()
	if maxBodySize > 0 {
		cfg.MaxDecompressedSize = maxBodySize
		cfg.MaxCompressedSize = maxBodySize
	}
	cfg.MaxCompressionRatio = 400
	return cfg
}

// Decompress inflates gzip or zstd request bodies. Place it before
// BodyLimit so the limit applies to the inflated size.
func Decompress(cfg *DecompressConfig) func(http.Handler) http.Handler {
	if cfg == nil {
		cfg = DefaultDecompressConfig()
	}

	allowed := make(map[string]bool, len(cfg.AllowedEncodings))
	for _, enc := range cfg.AllowedEncodings {
		allowed[strings.ToLower(enc)] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			encoding := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding")))
			if !hasBody(r) || encoding == "" || encoding == "identity" {
				next.ServeHTTP(w, r)
				return
			}

			requestID := GetRequestID(r.Context())
			if !allowed[encoding] {
				apierror.New(http.StatusUnsupportedMediaType, apierror.CodeBadRequest,
					fmt.Sprintf("unsupported Content-Encoding: %s", encoding)).
					WriteJSONWithRequestID(w, requestID)
				return
			}

			body, err := inflate(r.Body, encoding, cfg)
			if err != nil {
				if errors.Is(err, errDecompressedTooLarge) {
					apierror.PayloadTooLarge(cfg.MaxDecompressedSize).WriteJSONWithRequestID(w, requestID)
					return
				}
				apierror.BadRequest("invalid compressed request body").WriteJSONWithRequestID(w, requestID)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			r.Header.Del("Content-Encoding")

			next.ServeHTTP(w, r)
		})
	}
}

// inflate reads at most MaxCompressedSize bytes and refuses output past
// MaxDecompressedSize or MaxCompressionRatio.
func inflate(body io.ReadCloser, encoding string, cfg *DecompressConfig) ([]byte, error) {
	defer body.Close()

	compressed, err := io.ReadAll(io.LimitReader(body, cfg.MaxCompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("read compressed body: %w", err)
	}
	if int64(len(compressed)) > cfg.MaxCompressedSize {
		return nil, errDecompressedTooLarge
	}
	if len(compressed) == 0 {
		return []byte{}, nil
	}

	var reader io.Reader
	switch encoding {
	case "gzip":
		gr, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gr.Close()
		reader = gr
	case "zstd":
		//nolint:gosec // MaxDecompressedSize is positive
		zr, err := zstd.NewReader(bytes.NewReader(compressed),
			zstd.WithDecoderMaxMemory(uint64(cfg.MaxDecompressedSize)),
			zstd.WithDecoderConcurrency(1),
		)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		reader = zr
	default:
		return nil, fmt.Errorf("unsupported encoding: %s", encoding)
	}

	limit := cfg.MaxDecompressedSize
	if byRatio := int64(cfg.MaxCompressionRatio * float64(len(compressed))); cfg.MaxCompressionRatio > 0 && byRatio < limit {
		limit = byRatio
	}

	out, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if int64(len(out)) > limit {
		return nil, errDecompressedTooLarge
	}
	return out, nil
}
