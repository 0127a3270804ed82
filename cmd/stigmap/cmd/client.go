package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openctemio/stigmap/pkg/domain/stigmapping"
	"github.com/openctemio/stigmap/pkg/parsers/ckl"
)

// Client is the stigmap API HTTP client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	verbose    bool
	log        io.Writer
}

// NewClient creates a new API client. Verbose request traces go to log.
func NewClient(baseURL, token string, verbose bool, log io.Writer) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
		verbose: verbose,
		log:     log,
	}
}

// Do performs an HTTP request and returns the response body.
func (c *Client) Do(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	var reqBody io.Reader
	contentType := ""
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.send(ctx, method, path, contentType, reqBody)
}

func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	if c.verbose {
		fmt.Fprintf(c.log, ">>> %s %s\n", method, url)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if c.verbose {
		fmt.Fprintf(c.log, "<<< %d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, parseAPIError(resp.StatusCode, respBody)
	}

	return respBody, resp.StatusCode, nil
}

// GetJSON performs a GET request and decodes the response into v.
func (c *Client) GetJSON(ctx context.Context, path string, v any) error {
	data, _, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return decode(data, v)
}

// Get performs a GET request and returns the raw body.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	data, _, err := c.Do(ctx, http.MethodGet, path, nil)
	return data, err
}

// PostJSON performs a POST request and decodes the response into v, which
// may be nil.
func (c *Client) PostJSON(ctx context.Context, path string, body, v any) error {
	data, _, err := c.Do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return decode(data, v)
}

// Patch performs a PATCH request and decodes the response into v.
func (c *Client) Patch(ctx context.Context, path string, body, v any) error {
	data, _, err := c.Do(ctx, http.MethodPatch, path, body)
	if err != nil {
		return err
	}
	return decode(data, v)
}

// Delete performs a DELETE request and decodes the response into v, which
// may be nil.
func (c *Client) Delete(ctx context.Context, path string, v any) error {
	data, _, err := c.Do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	return decode(data, v)
}

// FilePart is one file of a multipart upload.
type FilePart struct {
	Field string
	Path  string
}

// Upload posts files and fields as multipart/form-data and decodes the
// response into v. Parts are written in the given order.
func (c *Client) Upload(ctx context.Context, path string, fields map[string]string, files []FilePart, v any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for _, name := range sortedKeys(fields) {
		if fields[name] == "" {
			continue
		}
		if err := mw.WriteField(name, fields[name]); err != nil {
			return err
		}
	}
	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return err
		}
		part, err := mw.CreateFormFile(f.Field, filepath.Base(f.Path))
		if err != nil {
			return err
		}
		if _, err := part.Write(data); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	data, _, err := c.send(ctx, http.MethodPost, path, mw.FormDataContentType(), &buf)
	if err != nil {
		return err
	}
	return decode(data, v)
}

func decode(data []byte, v any) error {
	if v == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// APIError represents an error from the stigmap API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("API error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func parseAPIError(statusCode int, body []byte) error {
	apiErr := &APIError{StatusCode: statusCode}

	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		apiErr.Code = parsed.Code
		apiErr.Message = parsed.Message
	}

	if apiErr.Message == "" {
		switch statusCode {
		case http.StatusUnauthorized:
			apiErr.Message = "unauthorized: invalid or missing token"
		case http.StatusForbidden:
			apiErr.Message = "forbidden: token lacks the required scope"
		case http.StatusNotFound:
			apiErr.Message = "resource not found"
		case http.StatusRequestEntityTooLarge:
			apiErr.Message = "upload too large"
		default:
			apiErr.Message = fmt.Sprintf("API error: %d %s", statusCode, http.StatusText(statusCode))
		}
	}

	return apiErr
}

// Response types

type HealthResponse struct {
	Status  string `json:"status" yaml:"status"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
}

type ReadyResponse struct {
	Status string                 `json:"status" yaml:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty" yaml:"checks,omitempty"`
}

type CheckResult struct {
	Status   string `json:"status" yaml:"status"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

type MappingResponse struct {
	ID                   string                      `json:"id" yaml:"id"`
	SystemID             string                      `json:"system_id" yaml:"system_id"`
	Name                 string                      `json:"name" yaml:"name"`
	Description          *string                     `json:"description,omitempty" yaml:"description,omitempty"`
	STIGInfo             ckl.STIGInfo                `json:"stig_info" yaml:"stig_info"`
	AssetInfo            ckl.Asset                   `json:"asset_info" yaml:"asset_info"`
	TotalVulnerabilities int                         `json:"total_vulnerabilities" yaml:"total_vulnerabilities"`
	Summary              stigmapping.Summary         `json:"summary" yaml:"summary"`
	MappedControls       []stigmapping.StoredControl `json:"mapped_controls,omitempty" yaml:"mapped_controls,omitempty"`
	CreatedAt            string                      `json:"created_at" yaml:"created_at"`
	UpdatedAt            string                      `json:"updated_at" yaml:"updated_at"`
}

type MappingListResponse struct {
	Data       []MappingResponse `json:"data" yaml:"data"`
	Total      int64             `json:"total" yaml:"total"`
	Page       int               `json:"page" yaml:"page"`
	PerPage    int               `json:"per_page" yaml:"per_page"`
	TotalPages int               `json:"total_pages" yaml:"total_pages"`
}

type UploadResponse struct {
	Mapping MappingResponse  `json:"mapping" yaml:"mapping"`
	Report  *ckl.MergeReport `json:"report" yaml:"report"`
}
