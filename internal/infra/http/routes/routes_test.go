package routes

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/stigmap/internal/app"
	"github.com/openctemio/stigmap/internal/config"
	infrahttp "github.com/openctemio/stigmap/internal/infra/http"
	"github.com/openctemio/stigmap/internal/infra/http/handler"
	"github.com/openctemio/stigmap/internal/testutil"
	"github.com/openctemio/stigmap/pkg/jwt"
	"github.com/openctemio/stigmap/pkg/logger"
	"github.com/openctemio/stigmap/pkg/validator"
)

func newTestAPI(t *testing.T, authCfg AuthConfig) http.Handler {
	t.Helper()
	cfg := &config.Config{Server: config.ServerConfig{MaxBodySize: 1 << 20}}
	svc := app.NewSTIGMappingService(testutil.NewMockSTIGMappingRepository(), logger.NewNop())

	router := infrahttp.NewChiRouter()
	Register(router, Handlers{
		Health:      handler.NewHealthHandler(),
		STIGMapping: handler.NewSTIGMappingHandler(svc, validator.New(), logger.NewNop()),
	}, cfg, logger.NewNop(), authCfg)
	return router.Handler()
}

func newGenerator(t *testing.T) *jwt.Generator {
	t.Helper()
	gen, err := jwt.NewGenerator(jwt.TokenConfig{Secret: "test-secret", Issuer: "stigmap", TTL: time.Hour})
	require.NoError(t, err)
	return gen
}

func TestRegister_Health(t *testing.T) {
	h := newTestAPI(t, AuthConfig{})

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestRegister_Auth(t *testing.T) {
	gen := newGenerator(t)
	h := newTestAPI(t, AuthConfig{Validator: gen})

	token := func(scopes ...jwt.Scope) string {
		tok, _, err := gen.Generate("ci-pipeline", scopes...)
		require.NoError(t, err)
		return tok
	}

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		wantStatus int
	}{
		{
			name:       "no token",
			method:     http.MethodGet,
			path:       "/api/v1/systems/prod/stig-mappings",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "garbage token",
			method:     http.MethodGet,
			path:       "/api/v1/systems/prod/stig-mappings",
			token:      "not-a-jwt",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "read scope can list",
			method:     http.MethodGet,
			path:       "/api/v1/systems/prod/stig-mappings",
			token:      token(jwt.ScopeRead),
			wantStatus: http.StatusOK,
		},
		{
			name:       "read scope cannot clear",
			method:     http.MethodDelete,
			path:       "/api/v1/systems/prod/stig-mappings",
			token:      token(jwt.ScopeRead),
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "write scope can clear",
			method:     http.MethodDelete,
			path:       "/api/v1/systems/prod/stig-mappings",
			token:      token(jwt.ScopeWrite),
			wantStatus: http.StatusOK,
		},
		{
			name:       "unscoped token has full access",
			method:     http.MethodDelete,
			path:       "/api/v1/systems/prod/stig-mappings",
			token:      token(),
			wantStatus: http.StatusOK,
		},
		{
			name:       "health stays public",
			method:     http.MethodGet,
			path:       "/health",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestRegister_CompressedUpload(t *testing.T) {
	h := newTestAPI(t, AuthConfig{})

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(testutil.ChecklistXML("web01", "APACHE", testutil.Finding{
		VulnNum: "V-1", Severity: "high", Status: "Open", CCIRefs: []string{"CCI-000001"},
	}))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checklists/parse", &buf)
	req.Header.Set("Content-Encoding", "gzip")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"host_name":"web01"`)
}

func TestRegister_UnknownRoute(t *testing.T) {
	h := newTestAPI(t, AuthConfig{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}
