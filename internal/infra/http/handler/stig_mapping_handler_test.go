package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/stigmap/internal/app"
	infrahttp "github.com/openctemio/stigmap/internal/infra/http"
	"github.com/openctemio/stigmap/internal/testutil"
	"github.com/openctemio/stigmap/pkg/domain/stigmapping"
	"github.com/openctemio/stigmap/pkg/logger"
	"github.com/openctemio/stigmap/pkg/parsers/ckl"
	"github.com/openctemio/stigmap/pkg/validator"
)

var (
	handlerFindings = []testutil.Finding{
		{VulnNum: "V-1", Severity: "high", Status: ckl.StatusOpen, CCIRefs: []string{"CCI-000001"}},
		{VulnNum: "V-2", Severity: "low", Status: ckl.StatusNotAFinding, CCIRefs: []string{"CCI-000002"}},
	}
	handlerCatalog = map[string][]string{
		"CCI-000001": {"AC-2"},
		"CCI-000002": {"AU-3"},
	}
)

type recordingEnqueuer struct {
	inputs []app.ImportSourceInput
}

func (e *recordingEnqueuer) EnqueueImportSource(_ context.Context, input app.ImportSourceInput) (string, error) {
	e.inputs = append(e.inputs, input)
	return "task-42", nil
}

func newTestRouter(t *testing.T, opts ...app.STIGMappingServiceOption) (http.Handler, *testutil.MockSTIGMappingRepository) {
	t.Helper()
	repo := testutil.NewMockSTIGMappingRepository()
	svc := app.NewSTIGMappingService(repo, logger.NewNop(), opts...)
	h := NewSTIGMappingHandler(svc, validator.New(), logger.NewNop())

	router := infrahttp.NewChiRouter()
	router.POST("/cci/parse", h.ParseCatalog)
	router.POST("/checklists/parse", h.ParseChecklist)
	router.POST("/checklists/merge", h.MergeChecklists)
	router.POST("/checklists/render", h.RenderChecklist)
	router.POST("/mappings/preview", h.Preview)
	router.Group("/systems/{systemID}/stig-mappings", func(r infrahttp.Router) {
		r.GET("/", h.List)
		r.POST("/", h.Create)
		r.DELETE("/", h.Clear)
		r.POST("/upload", h.Upload)
		r.GET("/export", h.Export)
		r.POST("/restore", h.Restore)
		r.POST("/import", h.Import)
		r.GET("/{id}", h.Get)
		r.PATCH("/{id}", h.Update)
		r.DELETE("/{id}", h.Delete)
		r.GET("/{id}/checklist", h.DownloadChecklist)
	})
	return router.Handler(), repo
}

type part struct {
	field, filename string
	data            []byte
}

func multipartBody(t *testing.T, parts ...part) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		var (
			w   interface{ Write([]byte) (int, error) }
			err error
		)
		if p.filename != "" {
			w, err = mw.CreateFormFile(p.field, p.filename)
		} else {
			w, err = mw.CreateFormField(p.field)
		}
		require.NoError(t, err)
		_, err = w.Write(p.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func uploadMapping(t *testing.T, h http.Handler, systemID, name string) UploadResponse {
	t.Helper()
	body, contentType := multipartBody(t,
		part{field: "name", data: []byte(name)},
		part{field: "checklist", filename: "web.ckl", data: testutil.ChecklistXML("web01", "APACHE", handlerFindings...)},
		part{field: "cci", filename: "U_CCI_List.xml", data: testutil.CatalogXML(handlerCatalog)},
	)
	req := httptest.NewRequest(http.MethodPost, "/systems/"+systemID+"/stig-mappings/upload", body)
	req.Header.Set("Content-Type", contentType)

	rec := do(t, h, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[UploadResponse](t, rec)
}

func TestSTIGMappingHandler_ParseCatalog(t *testing.T) {
	h, _ := newTestRouter(t)

	t.Run("valid list", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/cci/parse", bytes.NewReader(testutil.CatalogXML(handlerCatalog)))
		rec := do(t, h, req)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decodeBody[struct {
			Total int `json:"total"`
		}](t, rec)
		assert.Equal(t, 2, resp.Total)
	})

	t.Run("malformed list", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/cci/parse", strings.NewReader("<cci_list><cci_items><cci_item"))
		rec := do(t, h, req)

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	})

	t.Run("empty body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/cci/parse", http.NoBody)
		rec := do(t, h, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSTIGMappingHandler_ParseChecklist(t *testing.T) {
	h, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/checklists/parse",
		bytes.NewReader(testutil.ChecklistXML("web01", "APACHE", handlerFindings...)))
	rec := do(t, h, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	c := decodeBody[ckl.Checklist](t, rec)
	assert.Equal(t, "web01", c.Asset.HostName)
	assert.Len(t, c.Vulnerabilities, 2)

	t.Run("json body is not a checklist", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/checklists/parse", strings.NewReader(`{"asset":{}}`))
		rec := do(t, h, req)

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
		assert.Contains(t, rec.Body.String(), "MALFORMED_DOCUMENT")
	})
}

func TestSTIGMappingHandler_MergeChecklists(t *testing.T) {
	h, _ := newTestRouter(t)

	body, contentType := multipartBody(t,
		part{field: "checklist", filename: "a.ckl", data: testutil.ChecklistXML("web01", "APACHE", handlerFindings[0])},
		part{field: "checklist", filename: "b.ckl", data: testutil.ChecklistXML("web02", "APACHE", handlerFindings[1])},
		part{field: "merge_policy", data: []byte("keep_first")},
	)
	req := httptest.NewRequest(http.MethodPost, "/checklists/merge", body)
	req.Header.Set("Content-Type", contentType)

	rec := do(t, h, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[MergeResponse](t, rec)
	assert.Equal(t, "web01", resp.Checklist.Asset.HostName)
	assert.Len(t, resp.Checklist.Vulnerabilities, 2)
	assert.Equal(t, 2, resp.Report.Merged)
}

func TestSTIGMappingHandler_MergeChecklists_Errors(t *testing.T) {
	h, _ := newTestRouter(t)

	tests := []struct {
		name       string
		parts      []part
		rawBody    string
		wantStatus int
	}{
		{
			name:       "not multipart",
			rawBody:    "{}",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "no checklists",
			parts:      []part{{field: "merge_policy", data: []byte("keep_first")}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "unknown merge policy",
			parts: []part{
				{field: "checklist", filename: "a.ckl", data: testutil.ChecklistXML("web01", "APACHE", handlerFindings...)},
				{field: "merge_policy", data: []byte("coin_toss")},
			},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req *http.Request
			if tt.parts != nil {
				body, contentType := multipartBody(t, tt.parts...)
				req = httptest.NewRequest(http.MethodPost, "/checklists/merge", body)
				req.Header.Set("Content-Type", contentType)
			} else {
				req = httptest.NewRequest(http.MethodPost, "/checklists/merge", strings.NewReader(tt.rawBody))
				req.Header.Set("Content-Type", "application/json")
			}

			rec := do(t, h, req)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestSTIGMappingHandler_RenderChecklist(t *testing.T) {
	h, _ := newTestRouter(t)

	c := ckl.Checklist{
		Asset: ckl.Asset{HostName: "web01"},
		Vulnerabilities: []ckl.Vulnerability{
			{VulnNum: "V-1", Severity: "high", Status: ckl.StatusOpen, CCIRefs: []string{"CCI-000001"}},
		},
	}
	rec := do(t, h, jsonRequest(t, http.MethodPost, "/checklists/render", c))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/xml")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "checklist.ckl")
	assert.Contains(t, rec.Body.String(), "<HOST_NAME>web01</HOST_NAME>")
	assert.Contains(t, rec.Body.String(), "<STATUS>Open</STATUS>")
}

func TestSTIGMappingHandler_Preview(t *testing.T) {
	h, repo := newTestRouter(t)

	c := ckl.Checklist{
		Vulnerabilities: []ckl.Vulnerability{
			{VulnNum: "V-1", Severity: "high", Status: ckl.StatusOpen, CCIRefs: []string{"CCI-000001"}},
		},
	}
	items := []map[string]any{
		{"id": "CCI-000001", "nist_controls": []string{"AC-2"}},
	}
	rec := do(t, h, jsonRequest(t, http.MethodPost, "/mappings/preview", map[string]any{
		"checklist":    c,
		"cci_mappings": items,
	}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody[stigmapping.Result](t, rec)
	require.Len(t, result.MappedControls, 1)
	assert.Equal(t, "AC-2", result.MappedControls[0].NISTControl)
	assert.Equal(t, stigmapping.ComplianceNonCompliant, result.MappedControls[0].ComplianceStatus)
	assert.Equal(t, 1, result.Summary.HighRiskFindings)
	assert.Zero(t, repo.Len(), "preview must not save")

	t.Run("missing checklist", func(t *testing.T) {
		rec := do(t, h, jsonRequest(t, http.MethodPost, "/mappings/preview", map[string]any{}))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	})
}

func TestSTIGMappingHandler_Upload(t *testing.T) {
	h, repo := newTestRouter(t)

	resp := uploadMapping(t, h, "prod", "Web servers")

	assert.Equal(t, "prod", resp.Mapping.SystemID)
	assert.Equal(t, "Web servers", resp.Mapping.Name)
	assert.Equal(t, 2, resp.Mapping.TotalVulnerabilities)
	assert.Len(t, resp.Mapping.MappedControls, 2)
	assert.Equal(t, 1, resp.Mapping.Summary.NonCompliantControls)
	assert.Equal(t, 1, resp.Mapping.Summary.CompliantControls)
	assert.Equal(t, 1, resp.Report.Merged)
	assert.Equal(t, 1, repo.Len())

	t.Run("missing catalog", func(t *testing.T) {
		body, contentType := multipartBody(t,
			part{field: "name", data: []byte("No catalog")},
			part{field: "checklist", filename: "web.ckl", data: testutil.ChecklistXML("web01", "APACHE", handlerFindings...)},
		)
		req := httptest.NewRequest(http.MethodPost, "/systems/prod/stig-mappings/upload", body)
		req.Header.Set("Content-Type", contentType)

		rec := do(t, h, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	})

	t.Run("invalid system id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/systems/bad%20id/stig-mappings", nil)
		rec := do(t, h, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	})
}

func TestSTIGMappingHandler_CRUD(t *testing.T) {
	h, _ := newTestRouter(t)

	created := uploadMapping(t, h, "prod", "Web servers")
	uploadMapping(t, h, "prod", "Database servers")
	uploadMapping(t, h, "staging", "Other system")
	base := "/systems/prod/stig-mappings"

	t.Run("list is scoped to the system", func(t *testing.T) {
		rec := do(t, h, httptest.NewRequest(http.MethodGet, base+"?per_page=1", nil))

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		list := decodeBody[ListResponse[MappingResponse]](t, rec)
		assert.Equal(t, int64(2), list.Total)
		assert.Equal(t, 2, list.TotalPages)
		require.Len(t, list.Data, 1)
		assert.Equal(t, "prod", list.Data[0].SystemID)
		assert.Empty(t, list.Data[0].MappedControls)
		require.NotNil(t, list.Links)
		assert.Contains(t, list.Links.Next, "page=2")
	})

	t.Run("get", func(t *testing.T) {
		rec := do(t, h, httptest.NewRequest(http.MethodGet, base+"/"+created.Mapping.ID, nil))

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		got := decodeBody[MappingResponse](t, rec)
		assert.Equal(t, created.Mapping.ID, got.ID)
		assert.Len(t, got.MappedControls, 2)
	})

	t.Run("get from another system", func(t *testing.T) {
		rec := do(t, h, httptest.NewRequest(http.MethodGet, "/systems/staging/stig-mappings/"+created.Mapping.ID, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("update", func(t *testing.T) {
		rec := do(t, h, jsonRequest(t, http.MethodPatch, base+"/"+created.Mapping.ID, map[string]string{
			"name":        "Web tier",
			"description": "Apache hosts",
		}))

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		got := decodeBody[MappingResponse](t, rec)
		assert.Equal(t, "Web tier", got.Name)
		require.NotNil(t, got.Description)
		assert.Equal(t, "Apache hosts", *got.Description)
	})

	t.Run("update with empty name", func(t *testing.T) {
		rec := do(t, h, jsonRequest(t, http.MethodPatch, base+"/"+created.Mapping.ID, map[string]string{"name": ""}))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	})

	t.Run("download checklist", func(t *testing.T) {
		rec := do(t, h, httptest.NewRequest(http.MethodGet, base+"/"+created.Mapping.ID+"/checklist?where="+
			"status%20%3D%3D%20%22Open%22", nil))

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "Web_tier.ckl")
		assert.Contains(t, rec.Body.String(), "V-1")
		assert.NotContains(t, rec.Body.String(), "V-2")
	})

	t.Run("download with bad filter", func(t *testing.T) {
		rec := do(t, h, httptest.NewRequest(http.MethodGet, base+"/"+created.Mapping.ID+"/checklist?where=status%20%3D%3D", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	})

	t.Run("delete", func(t *testing.T) {
		rec := do(t, h, httptest.NewRequest(http.MethodDelete, base+"/"+created.Mapping.ID, nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = do(t, h, httptest.NewRequest(http.MethodDelete, base+"/"+created.Mapping.ID, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("clear", func(t *testing.T) {
		rec := do(t, h, httptest.NewRequest(http.MethodDelete, base, nil))

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decodeBody[struct {
			Deleted int64 `json:"deleted"`
		}](t, rec)
		assert.Equal(t, int64(1), resp.Deleted)

		rec = do(t, h, httptest.NewRequest(http.MethodGet, "/systems/staging/stig-mappings", nil))
		list := decodeBody[ListResponse[MappingResponse]](t, rec)
		assert.Equal(t, int64(1), list.Total, "other systems are untouched")
	})
}

func TestSTIGMappingHandler_Create(t *testing.T) {
	h, _ := newTestRouter(t)

	c := ckl.Checklist{
		Asset: ckl.Asset{HostName: "db01"},
		Vulnerabilities: []ckl.Vulnerability{
			{VulnNum: "V-9", Severity: "medium", Status: ckl.StatusNotReviewed, CCIRefs: []string{"CCI-000002"}},
		},
	}
	rec := do(t, h, jsonRequest(t, http.MethodPost, "/systems/prod/stig-mappings", map[string]any{
		"name":         "Database",
		"checklist":    c,
		"cci_mappings": []map[string]any{{"id": "CCI-000002", "nist_controls": []string{"AU-3"}}},
	}))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got := decodeBody[MappingResponse](t, rec)
	assert.Equal(t, "db01", got.AssetInfo.HostName)
	require.Len(t, got.MappedControls, 1)
	assert.Equal(t, stigmapping.ComplianceNotReviewed, got.MappedControls[0].ComplianceStatus)

	t.Run("missing name", func(t *testing.T) {
		rec := do(t, h, jsonRequest(t, http.MethodPost, "/systems/prod/stig-mappings", map[string]any{"checklist": c}))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	})

	t.Run("malformed json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/systems/prod/stig-mappings", strings.NewReader("{"))
		rec := do(t, h, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSTIGMappingHandler_ExportRestore(t *testing.T) {
	h, _ := newTestRouter(t)
	uploadMapping(t, h, "prod", "Web servers")

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/systems/prod/stig-mappings/export", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "stig_mappings_prod_")

	bundle := decodeBody[stigmapping.ExportBundle](t, rec)
	require.Len(t, bundle.STIGMappings, 1)
	assert.Equal(t, stigmapping.ExportType, bundle.ExportType)

	req := httptest.NewRequest(http.MethodPost, "/systems/staging/stig-mappings/restore", bytes.NewReader(rec.Body.Bytes()))
	rec = do(t, h, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[struct {
		Imported int `json:"imported"`
	}](t, rec)
	assert.Equal(t, 1, resp.Imported)

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/systems/staging/stig-mappings", nil))
	list := decodeBody[ListResponse[MappingResponse]](t, rec)
	require.Len(t, list.Data, 1)
	assert.Equal(t, "staging", list.Data[0].SystemID)
	assert.Equal(t, "Web servers", list.Data[0].Name)
}

func TestSTIGMappingHandler_Import(t *testing.T) {
	t.Run("queued", func(t *testing.T) {
		enqueuer := &recordingEnqueuer{}
		h, _ := newTestRouter(t, app.WithImportEnqueuer(enqueuer))

		rec := do(t, h, jsonRequest(t, http.MethodPost, "/systems/prod/stig-mappings/import", map[string]string{
			"name": "Nightly",
			"dir":  "checklists/prod",
		}))

		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		resp := decodeBody[ImportSourceResponse](t, rec)
		assert.Equal(t, "task-42", resp.TaskID)
		require.Len(t, enqueuer.inputs, 1)
		assert.Equal(t, "prod", enqueuer.inputs[0].SystemID)
		assert.Equal(t, "checklists/prod", enqueuer.inputs[0].Dir)
	})

	t.Run("no queue", func(t *testing.T) {
		h, _ := newTestRouter(t)

		rec := do(t, h, jsonRequest(t, http.MethodPost, "/systems/prod/stig-mappings/import", map[string]string{"name": "Nightly"}))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	})

	t.Run("bad filter", func(t *testing.T) {
		h, _ := newTestRouter(t, app.WithImportEnqueuer(&recordingEnqueuer{}))

		rec := do(t, h, jsonRequest(t, http.MethodPost, "/systems/prod/stig-mappings/import", map[string]string{
			"name":  "Nightly",
			"where": "severity ==",
		}))
		assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	})
}

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Web servers", "Web_servers"},
		{"../etc/passwd", "etc_passwd"},
		{"report-2024.v1", "report-2024.v1"},
		{"   ", "checklist"},
		{"\"quoted\"", "quoted"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, safeFilename(tt.in))
		})
	}
}
