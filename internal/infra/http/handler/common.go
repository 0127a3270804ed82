package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/openctemio/stigmap/internal/app"
	"github.com/openctemio/stigmap/internal/infra/http/middleware"
	"github.com/openctemio/stigmap/pkg/apierror"
	"github.com/openctemio/stigmap/pkg/domain/shared"
	"github.com/openctemio/stigmap/pkg/domain/stigmapping"
	"github.com/openctemio/stigmap/pkg/logger"
	"github.com/openctemio/stigmap/pkg/pagination"
	"github.com/openctemio/stigmap/pkg/parsers/cci"
	"github.com/openctemio/stigmap/pkg/parsers/ckl"
	"github.com/openctemio/stigmap/pkg/parsers/xmlstream"
	"github.com/openctemio/stigmap/pkg/validator"
)

// URL scheme constants
const (
	schemeHTTP  = "http"
	schemeHTTPS = "https"
)

// PaginationLinks contains HATEOAS-style pagination links.
type PaginationLinks struct {
	Self  string `json:"self"`
	First string `json:"first,omitempty"`
	Prev  string `json:"prev,omitempty"`
	Next  string `json:"next,omitempty"`
	Last  string `json:"last,omitempty"`
}

// ListResponse represents a paginated list response.
type ListResponse[T any] struct {
	Data       []T              `json:"data"`
	Total      int64            `json:"total"`
	Page       int              `json:"page"`
	PerPage    int              `json:"per_page"`
	TotalPages int              `json:"total_pages"`
	Links      *PaginationLinks `json:"links,omitempty"`
}

// NewListResponse converts a page of results and attaches links built
// from the current request.
func NewListResponse[T, U any](r *http.Request, res pagination.Result[T], fn func(T) U) ListResponse[U] {
	mapped := pagination.Map(res, fn)
	return ListResponse[U]{
		Data:       mapped.Data,
		Total:      mapped.Total,
		Page:       mapped.Page,
		PerPage:    mapped.PerPage,
		TotalPages: mapped.TotalPages,
		Links:      NewPaginationLinks(r, mapped.Page, mapped.PerPage, mapped.TotalPages),
	}
}

// NewPaginationLinks creates pagination links based on the current request.
// It preserves all existing query parameters while updating page number.
func NewPaginationLinks(r *http.Request, page, perPage, totalPages int) *PaginationLinks {
	if totalPages == 0 {
		return nil
	}

	baseURL := buildBaseURL(r)
	query := r.URL.Query()

	links := &PaginationLinks{
		Self:  buildPageURL(baseURL, query, page, perPage),
		First: buildPageURL(baseURL, query, 1, perPage),
	}

	if page > 1 {
		links.Prev = buildPageURL(baseURL, query, page-1, perPage)
	}

	if page < totalPages {
		links.Next = buildPageURL(baseURL, query, page+1, perPage)
	}

	if totalPages > 1 {
		links.Last = buildPageURL(baseURL, query, totalPages, perPage)
	}

	return links
}

// buildBaseURL constructs the base URL from the request.
func buildBaseURL(r *http.Request) string {
	scheme := schemeHTTPS
	if r.TLS == nil {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = schemeHTTP
		}
	}

	host := r.Host
	if fwdHost := r.Header.Get("X-Forwarded-Host"); fwdHost != "" {
		host = fwdHost
	}

	return fmt.Sprintf("%s://%s%s", scheme, host, r.URL.Path)
}

// buildPageURL builds a URL with the specified page number.
func buildPageURL(baseURL string, query url.Values, page, perPage int) string {
	params := make(url.Values, len(query)+2)
	for k, v := range query {
		params[k] = v
	}

	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(perPage))

	return baseURL + "?" + params.Encode()
}

// writeJSON encodes data with the given status.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON decodes the request body into dst. A body cut off by the size
// limit is reported as such.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if limit, ok := middleware.IsBodyTooLarge(err); ok {
			apierror.PayloadTooLarge(limit).WriteJSONWithRequestID(w, middleware.GetRequestID(r.Context()))
			return false
		}
		apierror.BadRequest("Invalid request body").WriteJSONWithRequestID(w, middleware.GetRequestID(r.Context()))
		return false
	}
	return true
}

// readBody reads a raw document body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		if limit, ok := middleware.IsBodyTooLarge(err); ok {
			apierror.PayloadTooLarge(limit).WriteJSONWithRequestID(w, middleware.GetRequestID(r.Context()))
			return nil, false
		}
		apierror.BadRequest("Failed to read request body").WriteJSONWithRequestID(w, middleware.GetRequestID(r.Context()))
		return nil, false
	}
	if len(data) == 0 {
		apierror.BadRequest("Request body is empty").WriteJSONWithRequestID(w, middleware.GetRequestID(r.Context()))
		return nil, false
	}
	return data, true
}

// handleServiceError converts service and parser errors to API errors.
func handleServiceError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	requestID := middleware.GetRequestID(r.Context())

	var (
		validationErrors validator.ValidationErrors
		syntaxErr        *xmlstream.SyntaxError
	)
	switch {
	case errors.As(err, &validationErrors):
		apierror.ValidationFailed("Validation failed", validationErrors).WriteJSONWithRequestID(w, requestID)
	case errors.Is(err, ckl.ErrInvalidChecklist) || errors.Is(err, cci.ErrInvalidCatalog):
		document := "Checklist"
		if errors.Is(err, cci.ErrInvalidCatalog) {
			document = "CCI list"
		}
		offset := int64(-1)
		if errors.As(err, &syntaxErr) {
			offset = syntaxErr.Offset
		}
		apierror.MalformedDocument(document, offset, err).WriteJSONWithRequestID(w, requestID)
	case errors.Is(err, ckl.ErrNoChecklists):
		apierror.BadRequest("At least one checklist is required").WriteJSONWithRequestID(w, requestID)
	case errors.Is(err, ckl.ErrMetadataMismatch):
		apierror.Conflict(err.Error()).WriteJSONWithRequestID(w, requestID)
	case errors.Is(err, stigmapping.ErrInvalidFilter):
		apierror.BadRequest(err.Error()).WriteJSONWithRequestID(w, requestID)
	case shared.IsNotFound(err):
		apierror.NotFound("STIG mapping").WriteJSONWithRequestID(w, requestID)
	case errors.Is(err, shared.ErrConflict):
		apierror.Conflict(err.Error()).WriteJSONWithRequestID(w, requestID)
	case shared.IsValidation(err):
		apierror.BadRequest(err.Error()).WriteJSONWithRequestID(w, requestID)
	case errors.Is(err, app.ErrSourceNotConfigured) || errors.Is(err, app.ErrImportQueueUnavailable):
		apierror.ServiceUnavailable(err.Error()).WriteJSONWithRequestID(w, requestID)
	default:
		if limit, ok := middleware.IsBodyTooLarge(err); ok {
			apierror.PayloadTooLarge(limit).WriteJSONWithRequestID(w, requestID)
			return
		}
		log.Error("service error", "error", err, "request_id", requestID)
		apierror.InternalError(err).WriteJSONWithRequestID(w, requestID)
	}
}
