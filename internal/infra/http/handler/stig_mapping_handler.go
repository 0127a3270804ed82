package handler

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/openctemio/stigmap/internal/app"
	infrahttp "github.com/openctemio/stigmap/internal/infra/http"
	"github.com/openctemio/stigmap/internal/infra/http/middleware"
	"github.com/openctemio/stigmap/pkg/apierror"
	"github.com/openctemio/stigmap/pkg/domain/shared"
	"github.com/openctemio/stigmap/pkg/domain/stigmapping"
	"github.com/openctemio/stigmap/pkg/logger"
	"github.com/openctemio/stigmap/pkg/parsers/cci"
	"github.com/openctemio/stigmap/pkg/parsers/ckl"
	"github.com/openctemio/stigmap/pkg/validator"
)

// Multipart part names.
const (
	partChecklist = "checklist"
	partCatalog   = "cci"
	maxFieldSize  = 4 << 10
)

// STIGMappingHandler handles checklist parsing and STIG mapping requests.
type STIGMappingHandler struct {
	service   *app.STIGMappingService
	validator *validator.Validator
	logger    *logger.Logger
}

// NewSTIGMappingHandler creates a new STIG mapping handler.
func NewSTIGMappingHandler(svc *app.STIGMappingService, v *validator.Validator, log *logger.Logger) *STIGMappingHandler {
	return &STIGMappingHandler{
		service:   svc,
		validator: v,
		logger:    log.With("handler", "stig_mapping"),
	}
}

// =============================================================================
// Request/Response Types
// =============================================================================

// MappingResponse represents a STIG mapping in API responses. Controls are
// only included when a single mapping is fetched.
type MappingResponse struct {
	ID                   string                      `json:"id"`
	SystemID             string                      `json:"system_id"`
	Name                 string                      `json:"name"`
	Description          *string                     `json:"description,omitempty"`
	STIGInfo             ckl.STIGInfo                `json:"stig_info"`
	AssetInfo            ckl.Asset                   `json:"asset_info"`
	TotalVulnerabilities int                         `json:"total_vulnerabilities"`
	Summary              stigmapping.Summary         `json:"summary"`
	MappedControls       []stigmapping.StoredControl `json:"mapped_controls,omitempty"`
	CreatedAt            time.Time                   `json:"created_at"`
	UpdatedAt            time.Time                   `json:"updated_at"`
}

func toMappingResponse(m *stigmapping.Mapping, withControls bool) MappingResponse {
	result := m.Result()
	resp := MappingResponse{
		ID:                   m.ID().String(),
		SystemID:             m.SystemID(),
		Name:                 m.Name(),
		Description:          m.Description(),
		STIGInfo:             m.STIGInfo(),
		AssetInfo:            m.AssetInfo(),
		TotalVulnerabilities: result.TotalVulnerabilities,
		Summary:              result.Summary,
		CreatedAt:            m.CreatedAt(),
		UpdatedAt:            m.UpdatedAt(),
	}
	if withControls {
		resp.MappedControls = result.MappedControls
	}
	return resp
}

func toMappingListItem(m *stigmapping.Mapping) MappingResponse {
	return toMappingResponse(m, false)
}

// MergeResponse is a merged checklist and how it was built.
type MergeResponse struct {
	Checklist *ckl.Checklist   `json:"checklist"`
	Report    *ckl.MergeReport `json:"report"`
}

// UploadResponse is a saved mapping and how its checklists were merged.
type UploadResponse struct {
	Mapping MappingResponse  `json:"mapping"`
	Report  *ckl.MergeReport `json:"report"`
}

// PreviewRequest maps a parsed checklist without saving it.
type PreviewRequest struct {
	Checklist   *ckl.Checklist `json:"checklist" validate:"required"`
	CCIMappings []cci.Item     `json:"cci_mappings"`
}

// CreateMappingRequest saves a mapping of a parsed checklist.
type CreateMappingRequest struct {
	Name        string         `json:"name" validate:"required,min=1,max=255"`
	Description string         `json:"description" validate:"max=2000"`
	Checklist   *ckl.Checklist `json:"checklist" validate:"required"`
	CCIMappings []cci.Item     `json:"cci_mappings"`
}

// UpdateMappingRequest renames a mapping.
type UpdateMappingRequest struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=255"`
	Description *string `json:"description" validate:"omitempty,max=2000"`
}

// ImportSourceRequest queues a mapping of checklists kept in the document
// source.
type ImportSourceRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=255"`
	Description string `json:"description" validate:"max=2000"`
	Dir         string `json:"dir" validate:"max=512"`
	CatalogKey  string `json:"catalog_key" validate:"max=512"`
	MergePolicy string `json:"merge_policy" validate:"omitempty,merge_policy"`
	Where       string `json:"where" validate:"max=1024"`
}

// ImportSourceResponse identifies the queued task.
type ImportSourceResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// =============================================================================
// Documents
// =============================================================================

// ParseCatalog handles POST /api/v1/cci/parse
func (h *STIGMappingHandler) ParseCatalog(w http.ResponseWriter, r *http.Request) {
	data, ok := readBody(w, r)
	if !ok {
		return
	}

	items, err := h.service.ParseCatalog(r.Context(), data)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Items []cci.Item `json:"items"`
		Total int        `json:"total"`
	}{Items: items, Total: len(items)})
}

// ParseChecklist handles POST /api/v1/checklists/parse
func (h *STIGMappingHandler) ParseChecklist(w http.ResponseWriter, r *http.Request) {
	data, ok := readBody(w, r)
	if !ok {
		return
	}

	c, err := h.service.ParseChecklist(r.Context(), data)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// MergeChecklists handles POST /api/v1/checklists/merge
func (h *STIGMappingHandler) MergeChecklists(w http.ResponseWriter, r *http.Request) {
	form, err := readUploadForm(r)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	merged, report, err := h.service.MergeChecklists(r.Context(), form.checklists, form.fields["merge_policy"])
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, MergeResponse{Checklist: merged, Report: report})
}

// RenderChecklist handles POST /api/v1/checklists/render
func (h *STIGMappingHandler) RenderChecklist(w http.ResponseWriter, r *http.Request) {
	var c ckl.Checklist
	if !decodeJSON(w, r, &c) {
		return
	}

	writeChecklist(w, "checklist", ckl.Marshal(&c))
}

// Preview handles POST /api/v1/mappings/preview
func (h *STIGMappingHandler) Preview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.Validate(req); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	result, err := h.service.Preview(r.Context(), req.Checklist, req.CCIMappings)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// Mappings
// =============================================================================

// List handles GET /api/v1/systems/{systemID}/stig-mappings
func (h *STIGMappingHandler) List(w http.ResponseWriter, r *http.Request) {
	systemID, ok := h.systemID(w, r)
	if !ok {
		return
	}

	res, err := h.service.ListMappings(r.Context(), systemID, app.ListMappingsInput{
		Page:    infrahttp.QueryInt(r, "page", 1),
		PerPage: infrahttp.QueryInt(r, "per_page", 0),
		Sort:    infrahttp.QueryParam(r, "sort"),
	})
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, NewListResponse(r, res, toMappingListItem))
}

// Create handles POST /api/v1/systems/{systemID}/stig-mappings
func (h *STIGMappingHandler) Create(w http.ResponseWriter, r *http.Request) {
	systemID, ok := h.systemID(w, r)
	if !ok {
		return
	}

	var req CreateMappingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.Validate(req); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	m, err := h.service.CreateMapping(r.Context(), app.CreateMappingInput{
		SystemID:    systemID,
		Name:        req.Name,
		Description: req.Description,
		Checklist:   req.Checklist,
		CCIMappings: req.CCIMappings,
	})
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, toMappingResponse(m, true))
}

// Upload handles POST /api/v1/systems/{systemID}/stig-mappings/upload
func (h *STIGMappingHandler) Upload(w http.ResponseWriter, r *http.Request) {
	systemID, ok := h.systemID(w, r)
	if !ok {
		return
	}

	form, err := readUploadForm(r)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	if len(form.catalog) == 0 {
		apierror.BadRequest("A cci part is required").WriteJSONWithRequestID(w, middleware.GetRequestID(r.Context()))
		return
	}

	out, err := h.service.CreateFromDocuments(r.Context(), app.CreateFromDocumentsInput{
		SystemID:    systemID,
		Name:        form.fields["name"],
		Description: form.fields["description"],
		MergePolicy: form.fields["merge_policy"],
		Checklists:  form.checklists,
		Catalog:     form.catalog,
	})
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, UploadResponse{
		Mapping: toMappingResponse(out.Mapping, true),
		Report:  out.Report,
	})
}

// Get handles GET /api/v1/systems/{systemID}/stig-mappings/{id}
func (h *STIGMappingHandler) Get(w http.ResponseWriter, r *http.Request) {
	systemID, ok := h.systemID(w, r)
	if !ok {
		return
	}

	m, err := h.service.GetMapping(r.Context(), systemID, infrahttp.PathParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, toMappingResponse(m, true))
}

// Update handles PATCH /api/v1/systems/{systemID}/stig-mappings/{id}
func (h *STIGMappingHandler) Update(w http.ResponseWriter, r *http.Request) {
	systemID, ok := h.systemID(w, r)
	if !ok {
		return
	}

	var req UpdateMappingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.Validate(req); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	m, err := h.service.UpdateMapping(r.Context(), systemID, infrahttp.PathParam(r, "id"), app.UpdateMappingInput{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, toMappingResponse(m, true))
}

// Delete handles DELETE /api/v1/systems/{systemID}/stig-mappings/{id}
func (h *STIGMappingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	systemID, ok := h.systemID(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteMapping(r.Context(), systemID, infrahttp.PathParam(r, "id")); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Clear handles DELETE /api/v1/systems/{systemID}/stig-mappings
func (h *STIGMappingHandler) Clear(w http.ResponseWriter, r *http.Request) {
	systemID, ok := h.systemID(w, r)
	if !ok {
		return
	}

	n, err := h.service.ClearSystem(r.Context(), systemID)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Deleted int64 `json:"deleted"`
	}{Deleted: n})
}

// DownloadChecklist handles GET /api/v1/systems/{systemID}/stig-mappings/{id}/checklist
func (h *STIGMappingHandler) DownloadChecklist(w http.ResponseWriter, r *http.Request) {
	systemID, ok := h.systemID(w, r)
	if !ok {
		return
	}

	data, m, err := h.service.ExportChecklist(r.Context(), systemID, infrahttp.PathParam(r, "id"), infrahttp.QueryParam(r, "where"))
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeChecklist(w, m.Name(), data)
}

// =============================================================================
// Export and import
// =============================================================================

// Export handles GET /api/v1/systems/{systemID}/stig-mappings/export
func (h *STIGMappingHandler) Export(w http.ResponseWriter, r *http.Request) {
	systemID, ok := h.systemID(w, r)
	if !ok {
		return
	}

	bundle, err := h.service.ExportMappings(r.Context(), systemID)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	filename := fmt.Sprintf("stig_mappings_%s_%s.json", safeFilename(systemID), time.Now().UTC().Format("20060102"))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	writeJSON(w, http.StatusOK, bundle)
}

// Restore handles POST /api/v1/systems/{systemID}/stig-mappings/restore
func (h *STIGMappingHandler) Restore(w http.ResponseWriter, r *http.Request) {
	systemID, ok := h.systemID(w, r)
	if !ok {
		return
	}

	var bundle stigmapping.ExportBundle
	if !decodeJSON(w, r, &bundle) {
		return
	}

	n, err := h.service.ImportMappings(r.Context(), systemID, &bundle)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Imported int `json:"imported"`
	}{Imported: n})
}

// Import handles POST /api/v1/systems/{systemID}/stig-mappings/import
func (h *STIGMappingHandler) Import(w http.ResponseWriter, r *http.Request) {
	systemID, ok := h.systemID(w, r)
	if !ok {
		return
	}

	var req ImportSourceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.Validate(req); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	taskID, err := h.service.EnqueueImport(r.Context(), app.ImportSourceInput{
		SystemID:    systemID,
		Name:        req.Name,
		Description: req.Description,
		Dir:         req.Dir,
		CatalogKey:  req.CatalogKey,
		MergePolicy: req.MergePolicy,
		Where:       req.Where,
	})
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusAccepted, ImportSourceResponse{TaskID: taskID, Status: "queued"})
}

// =============================================================================
// Helpers
// =============================================================================

func (h *STIGMappingHandler) systemID(w http.ResponseWriter, r *http.Request) (string, bool) {
	systemID := infrahttp.PathParam(r, "systemID")
	if err := h.validator.Var(systemID, "required,system_id"); err != nil {
		apierror.BadRequest("Invalid system ID").WriteJSONWithRequestID(w, middleware.GetRequestID(r.Context()))
		return "", false
	}
	return systemID, true
}

type uploadForm struct {
	fields     map[string]string
	checklists []app.DocumentInput
	catalog    []byte
}

// readUploadForm streams a multipart body. Every checklist part is kept in
// order; the body size limit bounds the total.
func readUploadForm(r *http.Request) (*uploadForm, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: expected a multipart/form-data body", shared.ErrInvalidInput)
	}

	form := &uploadForm{fields: make(map[string]string)}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, formError(err)
		}

		if err := form.add(part); err != nil {
			_ = part.Close()
			return nil, err
		}
		_ = part.Close()
	}
	return form, nil
}

func (f *uploadForm) add(part *multipart.Part) error {
	name := part.FormName()
	switch name {
	case partChecklist:
		data, err := io.ReadAll(part)
		if err != nil {
			return formError(err)
		}
		docName := part.FileName()
		if docName == "" {
			docName = fmt.Sprintf("checklist[%d]", len(f.checklists))
		}
		f.checklists = append(f.checklists, app.DocumentInput{Name: docName, Data: data})
	case partCatalog:
		data, err := io.ReadAll(part)
		if err != nil {
			return formError(err)
		}
		f.catalog = data
	case "":
	default:
		data, err := io.ReadAll(io.LimitReader(part, maxFieldSize+1))
		if err != nil {
			return formError(err)
		}
		if len(data) > maxFieldSize {
			return shared.NewValidationError(name, "is too long")
		}
		f.fields[name] = strings.TrimSpace(string(data))
	}
	return nil
}

func formError(err error) error {
	if _, ok := middleware.IsBodyTooLarge(err); ok {
		return err
	}
	return fmt.Errorf("%w: malformed multipart body: %v", shared.ErrInvalidInput, err)
}

func writeChecklist(w http.ResponseWriter, name string, data []byte) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", safeFilename(name)+".ckl"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// safeFilename keeps letters, digits, dot, dash and underscore.
func safeFilename(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(name))
	cleaned = strings.Trim(cleaned, "._")
	if cleaned == "" {
		return "checklist"
	}
	return cleaned
}
