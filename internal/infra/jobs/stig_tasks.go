package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/openctemio/stigmap/internal/app"
	"github.com/openctemio/stigmap/internal/metrics"
	"github.com/openctemio/stigmap/pkg/domain/shared"
	"github.com/openctemio/stigmap/pkg/domain/stigmapping"
	"github.com/openctemio/stigmap/pkg/logger"
	"github.com/openctemio/stigmap/pkg/parsers/cci"
	"github.com/openctemio/stigmap/pkg/parsers/ckl"
	"github.com/openctemio/stigmap/pkg/parsers/xmlstream"
)

// =============================================================================
// Task Types
// =============================================================================

const (
	// TypeImportSource maps checklists read from the document source.
	TypeImportSource = "stig:import_source"

	// TypeCatalogRefresh re-reads the CCI list and warms the cache.
	TypeCatalogRefresh = "stig:catalog_refresh"
)

// Queue names.
const (
	QueueImports     = "imports"
	QueueMaintenance = "maintenance"
)

// =============================================================================
// Task Payloads
// =============================================================================

// ImportSourcePayload contains data for a source import job.
type ImportSourcePayload struct {
	SystemID    string `json:"system_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Dir         string `json:"dir,omitempty"`
	CatalogKey  string `json:"catalog_key,omitempty"`
	MergePolicy string `json:"merge_policy,omitempty"`
	Where       string `json:"where,omitempty"`
}

func (p ImportSourcePayload) toInput() app.ImportSourceInput {
	return app.ImportSourceInput{
		SystemID:    p.SystemID,
		Name:        p.Name,
		Description: p.Description,
		Dir:         p.Dir,
		CatalogKey:  p.CatalogKey,
		MergePolicy: p.MergePolicy,
		Where:       p.Where,
	}
}

func importPayloadFromInput(in app.ImportSourceInput) ImportSourcePayload {
	return ImportSourcePayload{
		SystemID:    in.SystemID,
		Name:        in.Name,
		Description: in.Description,
		Dir:         in.Dir,
		CatalogKey:  in.CatalogKey,
		MergePolicy: in.MergePolicy,
		Where:       in.Where,
	}
}

// =============================================================================
// Task Creators
// =============================================================================

// NewImportSourceTask creates a task for a source import.
func NewImportSourceTask(payload ImportSourcePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal import source payload: %w", err)
	}
	return asynq.NewTask(TypeImportSource, data,
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
		asynq.Queue(QueueImports),
	), nil
}

// NewCatalogRefreshTask creates a catalog refresh task. Only one refresh
// may be pending at a time.
func NewCatalogRefreshTask() *asynq.Task {
	return asynq.NewTask(TypeCatalogRefresh, nil,
		asynq.MaxRetry(2),
		asynq.Timeout(5*time.Minute),
		asynq.Queue(QueueMaintenance),
		asynq.Unique(30*time.Minute),
	)
}

// =============================================================================
// Task Handler Interface
// =============================================================================

// STIGProcessor runs the STIG jobs. It is implemented by
// app.STIGMappingService.
type STIGProcessor interface {
	ImportFromSource(ctx context.Context, input app.ImportSourceInput) (*app.ImportSourceResult, error)
	RefreshCatalog(ctx context.Context) (int, error)
}

var _ STIGProcessor = (*app.STIGMappingService)(nil)

// =============================================================================
// Task Handler
// =============================================================================

// STIGTaskHandler handles STIG tasks.
type STIGTaskHandler struct {
	processor STIGProcessor
	logger    *logger.Logger
}

// NewSTIGTaskHandler creates a new STIG task handler.
func NewSTIGTaskHandler(processor STIGProcessor, log *logger.Logger) *STIGTaskHandler {
	return &STIGTaskHandler{
		processor: processor,
		logger:    log.With("component", "stig_tasks"),
	}
}

// HandleImportSource handles a source import task.
func (h *STIGTaskHandler) HandleImportSource(ctx context.Context, t *asynq.Task) (err error) {
	defer func() { metrics.RecordJob(TypeImportSource, err) }()

	var payload ImportSourcePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.logger.Error("failed to unmarshal import source payload", "error", err)
		return fmt.Errorf("unmarshal payload: %w: %w", err, asynq.SkipRetry)
	}

	h.logger.Info("processing source import",
		"system_id", payload.SystemID,
		"dir", payload.Dir,
	)

	result, err := h.processor.ImportFromSource(ctx, payload.toInput())
	if err != nil {
		h.logger.Error("source import failed",
			"system_id", payload.SystemID,
			"dir", payload.Dir,
			"error", err,
		)
		return retryable(err)
	}

	h.logger.Info("source import completed",
		"mapping_id", result.Mapping.ID().String(),
		"system_id", result.Mapping.SystemID(),
		"merged", result.Report.Merged,
		"skipped", len(result.Report.Skipped),
	)
	return nil
}

// HandleCatalogRefresh handles a catalog refresh task.
func (h *STIGTaskHandler) HandleCatalogRefresh(ctx context.Context, _ *asynq.Task) (err error) {
	defer func() { metrics.RecordJob(TypeCatalogRefresh, err) }()

	n, err := h.processor.RefreshCatalog(ctx)
	if err != nil {
		h.logger.Error("catalog refresh failed", "error", err)
		return retryable(err)
	}

	h.logger.Info("catalog refresh completed", "items", n)
	return nil
}

// RegisterHandlers registers STIG task handlers with the asynq server mux.
func (h *STIGTaskHandler) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeImportSource, h.HandleImportSource)
	mux.HandleFunc(TypeCatalogRefresh, h.HandleCatalogRefresh)
}

// permanentErrors give the same result on every run over the same source.
var permanentErrors = []error{
	stigmapping.ErrInvalidFilter,
	app.ErrSourceNotConfigured,
	ckl.ErrInvalidChecklist,
	ckl.ErrNoChecklists,
	ckl.ErrMetadataMismatch,
	cci.ErrInvalidCatalog,
}

// retryable marks errors that a retry cannot fix.
func retryable(err error) error {
	if isPermanent(err) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

func isPermanent(err error) bool {
	if shared.IsValidation(err) {
		return true
	}
	var serr *xmlstream.SyntaxError
	if errors.As(err, &serr) {
		return true
	}
	for _, target := range permanentErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
