package middleware

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/zstd"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/stigmap/internal/config"
	redisinfra "github.com/openctemio/stigmap/internal/infra/redis"
	"github.com/openctemio/stigmap/pkg/apierror"
	"github.com/openctemio/stigmap/pkg/jwt"
	"github.com/openctemio/stigmap/pkg/logger"
)

func echoBody() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			if limit, ok := IsBodyTooLarge(err); ok {
				apierror.PayloadTooLarge(limit).WriteJSON(w)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = w.Write(body)
	})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apierror.Response {
	t.Helper()
	var resp apierror.Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "req-42")
		h.ServeHTTP(httptest.NewRecorder(), req)
		assert.Equal(t, "req-42", seen)
	})

	t.Run("oversized header replaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
		h.ServeHTTP(httptest.NewRecorder(), req)
		assert.Len(t, seen, 36)
	})
}

func TestRecovery(t *testing.T) {
	h := RequestID()(Recovery(logger.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, apierror.CodeInternalError, resp.Code)
	assert.NotEmpty(t, resp.RequestID)
}

func TestCORS(t *testing.T) {
	cfg := &config.CORSConfig{
		AllowedOrigins: []string{"https://emass.example"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization"},
		MaxAge:         60,
	}
	h := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	tests := []struct {
		name       string
		method     string
		origin     string
		wantOrigin string
		wantStatus int
	}{
		{"allowed origin", http.MethodGet, "https://emass.example", "https://emass.example", http.StatusTeapot},
		{"unknown origin", http.MethodGet, "https://evil.example", "", http.StatusTeapot},
		{"preflight", http.MethodOptions, "https://emass.example", "https://emass.example", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestBodyLimit(t *testing.T) {
	h := BodyLimit(8)(echoBody())

	t.Run("within limit", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("short")))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "short", rec.Body.String())
	})

	t.Run("announced length too large", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("much too long")))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, apierror.CodePayloadTooLarge, decodeError(t, rec).Code)
	})

	t.Run("streamed body too large", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("much too long"))
		req.ContentLength = -1
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func TestDecompress(t *testing.T) {
	payload := []byte(`<CHECKLIST><ASSET><HOST_NAME>web01</HOST_NAME></ASSET></CHECKLIST>`)
	h := Decompress(nil)(echoBody())

	tests := []struct {
		name       string
		encoding   string
		body       []byte
		wantStatus int
		wantBody   []byte
	}{
		{"gzip", "gzip", gzipBytes(t, payload), http.StatusOK, payload},
		{"zstd", "zstd", zstdBytes(t, payload), http.StatusOK, payload},
		{"identity", "", payload, http.StatusOK, payload},
		{"unsupported", "br", payload, http.StatusUnsupportedMediaType, nil},
		{"corrupt gzip", "gzip", []byte("not gzip"), http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(tt.body))
			if tt.encoding != "" {
				req.Header.Set("Content-Encoding", tt.encoding)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != nil {
				assert.Equal(t, tt.wantBody, rec.Body.Bytes())
			}
		})
	}
}

func TestDecompress_RatioLimit(t *testing.T) {
	bomb := gzipBytes(t, bytes.Repeat([]byte{'A'}, 1<<20))
	h := Decompress(&DecompressConfig{
		MaxDecompressedSize: 10 << 20,
		MaxCompressedSize:   1 << 20,
		MaxCompressionRatio: 10,
		AllowedEncodings:    []string{"gzip"},
	})(echoBody())

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(bomb))
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeadersWithConfig(SecurityHeadersConfig{HSTSEnabled: true, HSTSIncludeSubdomains: true})(echoBody())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "max-age=31536000; includeSubDomains", rec.Header().Get("Strict-Transport-Security"))
}

func TestTimeout(t *testing.T) {
	t.Run("slow handler", func(t *testing.T) {
		h := Timeout(20 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
			time.Sleep(50 * time.Millisecond)
			_, _ = w.Write([]byte("late"))
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	})

	t.Run("fast handler", func(t *testing.T) {
		h := Timeout(time.Second)(echoBody())
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("ok")))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", rec.Body.String())
	})

	t.Run("panic reaches recovery", func(t *testing.T) {
		h := Recovery(logger.NewNop())(Timeout(time.Second)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		})))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestRateLimiter(t *testing.T) {
	mw, stop := RateLimitWithStop(&config.RateLimitConfig{
		Enabled:         true,
		RequestsPerSec:  0.001,
		Burst:           2,
		CleanupInterval: time.Minute,
	}, logger.NewNop())
	defer stop()
	h := mw(echoBody())

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// Another client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

type fakeAllower struct {
	allowed bool
	err     error
	keys    []string
}

func (f *fakeAllower) Allow(_ context.Context, key string) (*redisinfra.RateLimitResult, error) {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return nil, f.err
	}
	now := time.Now()
	res := &redisinfra.RateLimitResult{Allowed: f.allowed, ResetAt: now.Add(time.Minute)}
	if !f.allowed {
		res.RetryAt = now.Add(30 * time.Second)
	}
	return res, nil
}

func (f *fakeAllower) Limit() int { return 5 }

func TestUploadLimit(t *testing.T) {
	tests := []struct {
		name       string
		limiter    *fakeAllower
		subject    string
		wantStatus int
		wantKey    string
	}{
		{"allowed by ip", &fakeAllower{allowed: true}, "", http.StatusOK, "ip:192.0.2.1"},
		{"allowed by subject", &fakeAllower{allowed: true}, "auditor", http.StatusOK, "sub:auditor"},
		{"rejected", &fakeAllower{allowed: false}, "", http.StatusTooManyRequests, "ip:192.0.2.1"},
		{"redis down fails open", &fakeAllower{err: errors.New("connection refused")}, "", http.StatusOK, "ip:192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := UploadLimit(tt.limiter, logger.NewNop())(echoBody())
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x"))
			req.RemoteAddr = "192.0.2.1:1234"
			if tt.subject != "" {
				req = req.WithContext(context.WithValue(req.Context(), SubjectKey, tt.subject))
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, []string{tt.wantKey}, tt.limiter.keys)
			if tt.wantStatus == http.StatusTooManyRequests {
				assert.NotEmpty(t, rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestUploadLimit_NilDisables(t *testing.T) {
	h := UploadLimit(nil, logger.NewNop())(echoBody())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x")))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth(t *testing.T) {
	gen, err := jwt.NewGenerator(jwt.TokenConfig{Secret: "middleware-test-secret", Issuer: "stigmap", TTL: time.Minute})
	require.NoError(t, err)
	valid, _, err := gen.Generate("auditor", jwt.ScopeRead)
	require.NoError(t, err)
	expired, _, err := gen.GenerateWithTTL("auditor", -time.Minute)
	require.NoError(t, err)

	var subject string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = GetSubject(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantSub    string
	}{
		{"valid", "Bearer " + valid, http.StatusNoContent, "auditor"},
		{"lowercase scheme", "bearer " + valid, http.StatusNoContent, "auditor"},
		{"missing", "", http.StatusUnauthorized, ""},
		{"basic auth", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, ""},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, ""},
		{"garbage", "Bearer abc", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			Auth(gen, logger.NewNop())(inner).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantSub, subject)
		})
	}

	t.Run("scope enforced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/", nil)
		req.Header.Set("Authorization", "Bearer "+valid)
		rec := httptest.NewRecorder()
		Auth(gen, logger.NewNop())(RequireScope(jwt.ScopeWrite)(inner)).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("disabled", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Auth(nil, logger.NewNop())(RequireScope(jwt.ScopeWrite)(inner)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestMetrics_RoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Metrics())
	r.Route("/systems/{systemID}/stig-mappings", func(r chi.Router) {
		r.Get("/{id}", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})
	})

	const route = "/systems/{systemID}/stig-mappings/{id}"
	counter := httpRequestsTotal.WithLabelValues(http.MethodGet, route, "418")
	before := promtestutil.ToFloat64(counter)

	for _, path := range []string{"/systems/prod/stig-mappings/a", "/systems/dev/stig-mappings/b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	assert.InDelta(t, before+2, promtestutil.ToFloat64(counter), 0)

	unmatched := httpRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")
	before = promtestutil.ToFloat64(unmatched)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.InDelta(t, before+1, promtestutil.ToFloat64(unmatched), 0)
}

func TestLoggerWithConfig(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(logger.Config{Level: "info", Format: "json", Output: &buf})

	r := chi.NewRouter()
	r.Use(LoggerWithConfig(log, LoggerConfig{SkipPaths: []string{"/health"}}))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {})
	r.Route("/systems/{systemID}/stig-mappings", func(r chi.Router) {
		r.Get("/{id}", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Empty(t, buf.String())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/systems/prod/stig-mappings/x", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "/systems/{systemID}/stig-mappings/{id}", entry["route"])
	assert.Equal(t, "prod", entry["system_id"])
	assert.InDelta(t, 404, entry["status"], 0)
}
