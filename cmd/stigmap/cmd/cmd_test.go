package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/stigmap/internal/testutil"
	"github.com/openctemio/stigmap/pkg/domain/stigmapping"
	"github.com/openctemio/stigmap/pkg/jwt"
	"github.com/openctemio/stigmap/pkg/parsers/ckl"
)

// runCLI executes a fresh command tree with an isolated config file.
func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("STIGMAP_CONFIG", filepath.Join(t.TempDir(), "config.yaml"))
	t.Setenv("STIGMAP_API_URL", "")
	t.Setenv("STIGMAP_TOKEN", "")
	t.Setenv("STIGMAP_CONTEXT", "")
	return execute(t, args...)
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

type fixtures struct {
	web, db, broken, catalog string
}

func newFixtures(t *testing.T) fixtures {
	t.Helper()
	dir := t.TempDir()
	return fixtures{
		web: writeFile(t, dir, "web.ckl", testutil.ChecklistXML("web01", "APACHE",
			testutil.Finding{VulnNum: "V-1", Severity: "high", Status: "Open", CCIRefs: []string{"CCI-000001"}},
			testutil.Finding{VulnNum: "V-2", Severity: "low", Status: "NotAFinding", CCIRefs: []string{"CCI-000002"}},
		)),
		db: writeFile(t, dir, "db.ckl", testutil.ChecklistXML("db01", "POSTGRES",
			testutil.Finding{VulnNum: "V-3", Severity: "medium", Status: "Open", CCIRefs: []string{"CCI-000002"}},
		)),
		broken:  writeFile(t, dir, "broken.ckl", []byte(`<CHECKLIST><ASSET><ROLE>a &bogus; b</ROLE></ASSET></CHECKLIST>`)),
		catalog: writeFile(t, dir, "U_CCI_List.xml", testutil.CatalogXML(map[string][]string{"CCI-000001": {"AC-2"}, "CCI-000002": {"AU-3"}})),
	}
}

func TestParseCKL(t *testing.T) {
	f := newFixtures(t)

	t.Run("table", func(t *testing.T) {
		out, _, err := runCLI(t, "parse-ckl", f.web)
		require.NoError(t, err)
		assert.Contains(t, out, "web01")
		assert.Contains(t, out, "V-1")
		assert.Contains(t, out, "CCI-000001")
	})

	t.Run("json", func(t *testing.T) {
		out, _, err := runCLI(t, "parse-ckl", f.web, "-o", "json")
		require.NoError(t, err)

		var c ckl.Checklist
		require.NoError(t, json.Unmarshal([]byte(out), &c))
		assert.Equal(t, "web01", c.Asset.HostName)
		assert.Len(t, c.Vulnerabilities, 2)
	})

	t.Run("merges and filters", func(t *testing.T) {
		out, stderr, err := runCLI(t, "parse-ckl", f.web, f.db, "--where", "open", "-o", "json")
		require.NoError(t, err)
		assert.Contains(t, stderr, "Merged 2 of 2")

		var c ckl.Checklist
		require.NoError(t, json.Unmarshal([]byte(out), &c))
		require.Len(t, c.Vulnerabilities, 2)
		assert.Equal(t, "V-1", c.Vulnerabilities[0].VulnNum)
		assert.Equal(t, "V-3", c.Vulnerabilities[1].VulnNum)
	})

	t.Run("missing file", func(t *testing.T) {
		_, _, err := runCLI(t, "parse-ckl", filepath.Join(t.TempDir(), "nope.ckl"))
		assert.Error(t, err)
	})
}

func TestParseCCI(t *testing.T) {
	f := newFixtures(t)

	out, _, err := runCLI(t, "parse-cci", f.catalog)
	require.NoError(t, err)
	assert.Contains(t, out, "CCI-000001")
	assert.Contains(t, out, "AU-3")
	assert.Contains(t, out, "2 items")

	t.Run("by control", func(t *testing.T) {
		out, _, err := runCLI(t, "parse-cci", f.catalog, "--by-control")
		require.NoError(t, err)
		assert.Contains(t, out, "CONTROL")
		assert.Regexp(t, `AC-2\s+CCI-000001`, out)
		assert.Regexp(t, `AU-3\s+CCI-000002`, out)
		assert.Contains(t, out, "2 controls")
	})

	t.Run("by control json", func(t *testing.T) {
		out, _, err := runCLI(t, "parse-cci", f.catalog, "--by-control", "-o", "json")
		require.NoError(t, err)

		var index map[string][]string
		require.NoError(t, json.Unmarshal([]byte(out), &index))
		assert.Equal(t, []string{"CCI-000002"}, index["AU-3"])
	})
}

func TestMerge(t *testing.T) {
	f := newFixtures(t)

	t.Run("writes ckl and report", func(t *testing.T) {
		outFile := filepath.Join(t.TempDir(), "merged.ckl")
		out, _, err := runCLI(t, "merge", f.web, f.broken, f.db, "-O", outFile)
		require.NoError(t, err)
		assert.Contains(t, out, "Merged 2 of 3 checklists, 3 findings")
		assert.Contains(t, out, "skipped "+f.broken)

		merged, err := ckl.NewParser(nil).ParseFile(outFile)
		require.NoError(t, err)
		assert.Equal(t, "web01", merged.Asset.HostName)
		require.Len(t, merged.Vulnerabilities, 3)
		assert.Equal(t, "V-3", merged.Vulnerabilities[2].VulnNum)
	})

	t.Run("stdout", func(t *testing.T) {
		out, stderr, err := runCLI(t, "merge", f.web, f.db)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "<?xml"))
		assert.Contains(t, stderr, "Merged 2 of 2")
	})

	t.Run("require_match rejects drift", func(t *testing.T) {
		_, _, err := runCLI(t, "merge", f.web, f.db, "--merge-policy", "require_match")
		assert.ErrorIs(t, err, ckl.ErrMetadataMismatch)
	})

	t.Run("unknown policy", func(t *testing.T) {
		_, _, err := runCLI(t, "merge", f.web, "--merge-policy", "newest")
		assert.ErrorContains(t, err, "unknown merge policy")
	})

	t.Run("first checklist must parse", func(t *testing.T) {
		_, _, err := runCLI(t, "merge", f.broken, f.web)
		assert.Error(t, err)
	})
}

func TestMap(t *testing.T) {
	f := newFixtures(t)

	t.Run("json result", func(t *testing.T) {
		out, _, err := runCLI(t, "map", f.web, f.db, "--cci", f.catalog, "-o", "json")
		require.NoError(t, err)

		var result stigmapping.Result
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		require.Len(t, result.MappedControls, 2)

		ac2, ok := result.Control("AC-2")
		require.True(t, ok)
		assert.Equal(t, stigmapping.ComplianceNonCompliant, ac2.ComplianceStatus)
		assert.Equal(t, 1, result.Summary.HighRiskFindings)
		assert.Equal(t, 1, result.Summary.MediumRiskFindings)
	})

	t.Run("where filter", func(t *testing.T) {
		out, _, err := runCLI(t, "map", f.web, f.db, "--cci", f.catalog, "--where", `severity == "high"`, "-o", "json")
		require.NoError(t, err)

		var result stigmapping.Result
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		require.Len(t, result.MappedControls, 1)
		assert.Equal(t, "AC-2", result.MappedControls[0].NISTControl)
	})

	t.Run("table", func(t *testing.T) {
		out, _, err := runCLI(t, "map", f.web, "--cci", f.catalog)
		require.NoError(t, err)
		assert.Contains(t, out, "AC-2")
		assert.Contains(t, out, "non-compliant")
		assert.Contains(t, out, "Controls:  2 total")
	})

	t.Run("bad filter", func(t *testing.T) {
		_, _, err := runCLI(t, "map", f.web, "--cci", f.catalog, "--where", "severity +")
		assert.ErrorIs(t, err, stigmapping.ErrInvalidFilter)
	})

	t.Run("cci flag required", func(t *testing.T) {
		_, _, err := runCLI(t, "map", f.web)
		assert.Error(t, err)
	})
}

func TestRender(t *testing.T) {
	f := newFixtures(t)

	parsed, _, err := runCLI(t, "parse-ckl", f.web, "-o", "json")
	require.NoError(t, err)
	jsonFile := writeFile(t, t.TempDir(), "web.json", []byte(parsed))

	outFile := filepath.Join(t.TempDir(), "web.ckl")
	_, _, err = runCLI(t, "render", jsonFile, "-O", outFile)
	require.NoError(t, err)

	c, err := ckl.NewParser(nil).ParseFile(outFile)
	require.NoError(t, err)
	assert.Equal(t, "web01", c.Asset.HostName)
	assert.Len(t, c.Vulnerabilities, 2)
}

func TestToken(t *testing.T) {
	t.Run("issues a validating token", func(t *testing.T) {
		out, _, err := runCLI(t, "token", "--secret", "s3cret", "--scope", "mappings:read")
		require.NoError(t, err)

		gen, err := jwt.NewGenerator(jwt.TokenConfig{Secret: "s3cret", Issuer: "stigmap"})
		require.NoError(t, err)
		claims, err := gen.Validate(strings.TrimSpace(out))
		require.NoError(t, err)
		assert.True(t, claims.HasScope(jwt.ScopeRead))
		assert.False(t, claims.HasScope(jwt.ScopeWrite))
	})

	t.Run("secret from env", func(t *testing.T) {
		t.Setenv("AUTH_JWT_SECRET", "from-env")
		out, _, err := runCLI(t, "token")
		require.NoError(t, err)
		assert.NotEmpty(t, strings.TrimSpace(out))
	})

	t.Run("unknown scope", func(t *testing.T) {
		_, _, err := runCLI(t, "token", "--secret", "s3cret", "--scope", "admin")
		assert.ErrorContains(t, err, "unknown scope")
	})

	t.Run("no secret", func(t *testing.T) {
		t.Setenv("AUTH_JWT_SECRET", "")
		_, _, err := runCLI(t, "token")
		assert.Error(t, err)
	})
}

func TestConfigContexts(t *testing.T) {
	t.Setenv("STIGMAP_CONFIG", filepath.Join(t.TempDir(), "config.yaml"))
	t.Setenv("STIGMAP_CONTEXT", "")

	_, _, err := execute(t, "config", "set-context", "prod", "--api-url", "https://stigmap.example", "--system", "payroll")
	require.NoError(t, err)
	_, _, err = execute(t, "config", "set-context", "dev", "--api-url", "http://localhost:8080")
	require.NoError(t, err)

	out, _, err := execute(t, "config", "current-context")
	require.NoError(t, err)
	assert.Equal(t, "prod", strings.TrimSpace(out))

	_, _, err = execute(t, "config", "use-context", "dev")
	require.NoError(t, err)
	out, _, err = execute(t, "config", "get-contexts")
	require.NoError(t, err)
	assert.Contains(t, out, "payroll")
	assert.Regexp(t, `\*\s+dev`, out)

	_, _, err = execute(t, "config", "use-context", "staging")
	assert.ErrorContains(t, err, "not found")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "stigmap/v1", cfg.APIVersion)
	assert.Len(t, cfg.Contexts, 2)
}

func TestResolveConnection(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STIGMAP_CONFIG", filepath.Join(dir, "config.yaml"))
	t.Setenv("STIGMAP_API_URL", "")
	t.Setenv("STIGMAP_TOKEN", "")
	t.Setenv("STIGMAP_CONTEXT", "")

	tokenFile := writeFile(t, dir, "token", []byte("file-token\n"))
	_, _, err := execute(t, "config", "set-context", "prod", "--api-url", "https://stigmap.example",
		"--token-file", tokenFile, "--system", "payroll")
	require.NoError(t, err)

	_, _, err = execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, connection{apiURL: "https://stigmap.example", token: "file-token", system: "payroll"}, conn)

	t.Setenv("STIGMAP_TOKEN", "env-token")
	_, _, err = execute(t, "version", "--system", "hr")
	require.NoError(t, err)
	assert.Equal(t, "env-token", conn.token)
	assert.Equal(t, "hr", conn.system)
}

// fakeAPI records requests and answers with canned bodies keyed by
// "METHOD path".
type fakeAPI struct {
	t        *testing.T
	handlers map[string]http.HandlerFunc
	auth     []string
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	api := &fakeAPI{t: t, handlers: make(map[string]http.HandlerFunc)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.auth = append(api.auth, r.Header.Get("Authorization"))
		h, ok := api.handlers[r.Method+" "+r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"code":"NOT_FOUND","message":"no route"}`)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return api, srv
}

func (a *fakeAPI) json(key string, status int, body string) {
	a.handlers[key] = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

const mappingJSON = `{"id":"0190c0de-0000-7000-8000-000000000001","system_id":"payroll","name":"web tier",
"asset_info":{"host_name":"web01"},"stig_info":{"title":"APACHE STIG"},"total_vulnerabilities":2,
"summary":{"total_controls":2,"non_compliant_controls":1,"high_risk_findings":1},
"mapped_controls":[{"nist_control":"AC-2","ccis":["CCI-000001"],"stigs":[],"compliance_status":"non-compliant","risk_level":"high","findings_count":1}],
"created_at":"2026-10-01T12:00:00Z","updated_at":"2026-10-01T12:00:00Z"}`

func remote(srvURL string, args ...string) []string {
	return append(args, "--api-url", srvURL, "--token", "tok", "--system", "payroll")
}

func TestRemoteCommands(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		api, srv := newFakeAPI(t)
		api.json("GET /health", http.StatusOK, `{"status":"healthy","version":"1.4.0"}`)
		api.json("GET /ready", http.StatusOK, `{"status":"ready","checks":{"database":{"status":"ok","duration":"1ms"}}}`)

		out, _, err := runCLI(t, remote(srv.URL, "status")...)
		require.NoError(t, err)
		assert.Contains(t, out, "1.4.0")
		assert.Contains(t, out, "database")
		assert.Equal(t, "Bearer tok", api.auth[0])
	})

	t.Run("get mappings", func(t *testing.T) {
		api, srv := newFakeAPI(t)
		api.handlers["GET /api/v1/systems/payroll/stig-mappings"] = func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "2", r.URL.Query().Get("page"))
			_, _ = io.WriteString(w, `{"data":[`+mappingJSON+`],"total":21,"page":2,"per_page":20,"total_pages":2}`)
		}

		out, _, err := runCLI(t, remote(srv.URL, "get", "mappings", "--page", "2")...)
		require.NoError(t, err)
		assert.Contains(t, out, "web tier")
		assert.Contains(t, out, "Showing 21-21 of 21 results")
	})

	t.Run("describe mapping", func(t *testing.T) {
		api, srv := newFakeAPI(t)
		api.json("GET /api/v1/systems/payroll/stig-mappings/abc", http.StatusOK, mappingJSON)

		out, _, err := runCLI(t, remote(srv.URL, "describe", "mapping", "abc")...)
		require.NoError(t, err)
		assert.Contains(t, out, "APACHE STIG")
		assert.Contains(t, out, "AC-2")
	})

	t.Run("api error message", func(t *testing.T) {
		_, srv := newFakeAPI(t)

		_, _, err := runCLI(t, remote(srv.URL, "describe", "mapping", "missing")...)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
		assert.Equal(t, "no route", apiErr.Message)
	})

	t.Run("upload", func(t *testing.T) {
		f := newFixtures(t)
		api, srv := newFakeAPI(t)
		api.handlers["POST /api/v1/systems/payroll/stig-mappings/upload"] = func(w http.ResponseWriter, r *http.Request) {
			if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
				return
			}
			assert.Equal(t, "web tier", r.FormValue("name"))
			assert.Len(t, r.MultipartForm.File["checklist"], 2)
			assert.Len(t, r.MultipartForm.File["cci"], 1)
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"mapping":`+mappingJSON+`,"report":{"documents":2,"merged":2,"findings":3,"skipped":[]}}`)
		}

		out, _, err := runCLI(t, remote(srv.URL, "upload", f.web, f.db, "--cci", f.catalog, "--name", "web tier")...)
		require.NoError(t, err)
		assert.Contains(t, out, "Merged 2 of 2 checklists")
		assert.Contains(t, out, "created")
	})

	t.Run("update requires a change", func(t *testing.T) {
		_, srv := newFakeAPI(t)
		_, _, err := runCLI(t, remote(srv.URL, "update", "mapping", "abc")...)
		assert.ErrorContains(t, err, "nothing to update")
	})

	t.Run("delete all", func(t *testing.T) {
		api, srv := newFakeAPI(t)
		api.json("DELETE /api/v1/systems/payroll/stig-mappings", http.StatusOK, `{"deleted":4}`)

		out, _, err := runCLI(t, remote(srv.URL, "delete", "--all")...)
		require.NoError(t, err)
		assert.Contains(t, out, "Deleted 4 mappings")
	})

	t.Run("delete needs id or all", func(t *testing.T) {
		_, srv := newFakeAPI(t)
		_, _, err := runCLI(t, remote(srv.URL, "delete", "abc", "--all")...)
		assert.Error(t, err)
	})

	t.Run("restore", func(t *testing.T) {
		api, srv := newFakeAPI(t)
		api.handlers["POST /api/v1/systems/payroll/stig-mappings/restore"] = func(w http.ResponseWriter, r *http.Request) {
			var bundle stigmapping.ExportBundle
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&bundle))
			assert.Equal(t, "payroll", bundle.SystemID)
			_, _ = io.WriteString(w, `{"imported":1}`)
		}
		file := writeFile(t, t.TempDir(), "bundle.json", []byte(`{"stig_mappings":[],"export_type":"stig_mappings","system_id":"payroll"}`))

		out, _, err := runCLI(t, remote(srv.URL, "restore", file)...)
		require.NoError(t, err)
		assert.Contains(t, out, "Restored 1 mappings")
	})

	t.Run("download with filter", func(t *testing.T) {
		api, srv := newFakeAPI(t)
		api.handlers["GET /api/v1/systems/payroll/stig-mappings/abc/checklist"] = func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "open", r.URL.Query().Get("where"))
			_, _ = io.WriteString(w, "<?xml version=\"1.0\"?><CHECKLIST/>")
		}

		outFile := filepath.Join(t.TempDir(), "out.ckl")
		_, _, err := runCLI(t, remote(srv.URL, "download", "abc", "--where", "open", "-O", outFile)...)
		require.NoError(t, err)
		data, err := os.ReadFile(outFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "<CHECKLIST/>")
	})

	t.Run("import", func(t *testing.T) {
		api, srv := newFakeAPI(t)
		api.json("POST /api/v1/systems/payroll/stig-mappings/import", http.StatusAccepted, `{"task_id":"task-7","status":"queued"}`)

		out, _, err := runCLI(t, remote(srv.URL, "import", "--name", "nightly", "--dir", "checklists/web")...)
		require.NoError(t, err)
		assert.Contains(t, out, "task-7 queued")
	})

	t.Run("no api url", func(t *testing.T) {
		_, _, err := runCLI(t, "get", "mappings")
		assert.ErrorIs(t, err, errNoAPIURL)
	})
}
