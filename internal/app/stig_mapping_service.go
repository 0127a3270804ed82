package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/openctemio/stigmap/internal/infra/fetchers"
	"github.com/openctemio/stigmap/internal/infra/redis"
	"github.com/openctemio/stigmap/internal/metrics"
	"github.com/openctemio/stigmap/pkg/domain/shared"
	"github.com/openctemio/stigmap/pkg/domain/stigmapping"
	"github.com/openctemio/stigmap/pkg/logger"
	"github.com/openctemio/stigmap/pkg/pagination"
	"github.com/openctemio/stigmap/pkg/parsers/cci"
	"github.com/openctemio/stigmap/pkg/parsers/ckl"
	"github.com/openctemio/stigmap/pkg/validator"
)

var (
	// ErrSourceNotConfigured is returned by source imports and catalog
	// refreshes when no document source is configured.
	ErrSourceNotConfigured = errors.New("document source not configured")

	// ErrImportQueueUnavailable is returned when imports cannot be queued.
	ErrImportQueueUnavailable = errors.New("import queue not configured")
)

// Defaults for STIGMappingOptions.
const (
	DefaultMaxDocuments = 50
	DefaultMaxParallel  = 4
)

// CatalogCachePrefix is the Redis key prefix of parsed CCI catalogs.
const CatalogCachePrefix = "cci_catalog"

// CachedCatalog is a parsed CCI list as kept in the cache.
type CachedCatalog struct {
	Items    []cci.Item `json:"items"`
	ParsedAt time.Time  `json:"parsed_at"`
}

// ImportJobEnqueuer queues source imports for the worker.
type ImportJobEnqueuer interface {
	EnqueueImportSource(ctx context.Context, input ImportSourceInput) (string, error)
}

// STIGMappingOptions tunes parsing and merging.
type STIGMappingOptions struct {
	MergePolicy  ckl.MetadataPolicy
	MaxDocuments int
	MaxParallel  int
	MaxFileSize  int64
	MaxTotalSize int64

	// SkipEmptyFindings drops VULN blocks without a Vuln_Num while parsing.
	SkipEmptyFindings bool

	// CatalogKey locates the CCI list in the document source.
	CatalogKey string
}

// STIGMappingService parses checklists and CCI lists, maps findings to
// NIST controls and manages saved mappings.
type STIGMappingService struct {
	repo      stigmapping.Repository
	catalogs  redis.CacheStore[CachedCatalog]
	source    fetchers.Fetcher
	importer  ImportJobEnqueuer
	validator *validator.Validator
	cciParser *cci.Parser
	cklParser *ckl.Parser
	opts      STIGMappingOptions
	logger    *logger.Logger
}

// STIGMappingServiceOption configures a STIGMappingService.
type STIGMappingServiceOption func(*STIGMappingService)

// WithCatalogCache caches parsed CCI lists by content hash.
func WithCatalogCache(cache redis.CacheStore[CachedCatalog]) STIGMappingServiceOption {
	return func(s *STIGMappingService) {
		s.catalogs = cache
	}
}

// WithDocumentSource enables source imports and catalog refreshes.
func WithDocumentSource(source fetchers.Fetcher) STIGMappingServiceOption {
	return func(s *STIGMappingService) {
		s.source = source
	}
}

// WithImportEnqueuer sets the job enqueuer used for asynchronous imports.
func WithImportEnqueuer(enqueuer ImportJobEnqueuer) STIGMappingServiceOption {
	return func(s *STIGMappingService) {
		s.importer = enqueuer
	}
}

// WithMappingOptions overrides the parse and merge settings.
func WithMappingOptions(opts STIGMappingOptions) STIGMappingServiceOption {
	return func(s *STIGMappingService) {
		s.opts = opts
	}
}

// NewSTIGMappingService creates a new STIGMappingService.
func NewSTIGMappingService(repo stigmapping.Repository, log *logger.Logger, opts ...STIGMappingServiceOption) *STIGMappingService {
	s := &STIGMappingService{
		repo:      repo,
		validator: validator.New(),
		cciParser: cci.NewParser(nil),
		logger:    log.With("service", "stig_mapping"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cklParser = ckl.NewParser(&ckl.Options{SkipEmptyFindings: s.opts.SkipEmptyFindings})

	if !s.opts.MergePolicy.IsValid() {
		s.opts.MergePolicy = ckl.MetadataPolicyKeepFirst
	}
	if s.opts.MaxDocuments <= 0 {
		s.opts.MaxDocuments = DefaultMaxDocuments
	}
	if s.opts.MaxParallel <= 0 {
		s.opts.MaxParallel = DefaultMaxParallel
	}
	return s
}

// SetImportEnqueuer sets the enqueuer after construction. The job client
// is created after the services.
func (s *STIGMappingService) SetImportEnqueuer(enqueuer ImportJobEnqueuer) {
	s.importer = enqueuer
}

// =============================================================================
// Parsing
// =============================================================================

// ParseCatalog parses a CCI list. Results are cached by the SHA-256 of the
// document when a cache is configured.
func (s *STIGMappingService) ParseCatalog(ctx context.Context, data []byte) (items []cci.Item, err error) {
	ctx, span := startSpan(ctx, "STIGMappingService.ParseCatalog", attribute.Int("bytes", len(data)))
	defer func() { endSpan(span, err) }()

	if s.catalogs == nil {
		return s.parseCatalog(data)
	}

	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	cached, err := s.catalogs.GetOrSetFallback(ctx, key, func(context.Context) (*CachedCatalog, error) {
		parsed, err := s.parseCatalog(data)
		if err != nil {
			return nil, err
		}
		return &CachedCatalog{Items: parsed, ParsedAt: time.Now().UTC()}, nil
	})
	if err != nil {
		return nil, err
	}
	return cached.Items, nil
}

func (s *STIGMappingService) parseCatalog(data []byte) ([]cci.Item, error) {
	start := time.Now()
	items, err := s.cciParser.ParseBytes(data)
	metrics.ObserveParse(metrics.KindCatalog, start, err)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("parsed CCI catalog", "items", len(items), "duration", time.Since(start))
	return items, nil
}

// ParseChecklist parses a single checklist.
func (s *STIGMappingService) ParseChecklist(ctx context.Context, data []byte) (c *ckl.Checklist, err error) {
	_, span := startSpan(ctx, "STIGMappingService.ParseChecklist", attribute.Int("bytes", len(data)))
	defer func() { endSpan(span, err) }()

	return s.parseChecklist(data)
}

func (s *STIGMappingService) parseChecklist(data []byte) (*ckl.Checklist, error) {
	start := time.Now()
	c, err := s.cklParser.ParseBytes(data)
	metrics.ObserveParse(metrics.KindChecklist, start, err)
	return c, err
}

// DocumentInput is one raw document.
type DocumentInput struct {
	Name string
	Data []byte
}

// MergeChecklists parses docs in parallel and merges them in input order.
// The first document must parse; later documents that fail are skipped and
// listed in the report. An empty policy uses the configured default.
func (s *STIGMappingService) MergeChecklists(ctx context.Context, docs []DocumentInput, policy string) (merged *ckl.Checklist, report *ckl.MergeReport, err error) {
	ctx, span := startSpan(ctx, "STIGMappingService.MergeChecklists", attribute.Int("documents", len(docs)))
	defer func() { endSpan(span, err) }()

	if len(docs) == 0 {
		return nil, nil, ckl.ErrNoChecklists
	}
	if len(docs) > s.opts.MaxDocuments {
		return nil, nil, shared.NewValidationError("checklists", fmt.Sprintf("at most %d documents may be merged", s.opts.MaxDocuments))
	}
	mergePolicy, err := s.mergePolicy(policy)
	if err != nil {
		return nil, nil, err
	}

	parsed := make([]ckl.Document, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxParallel)
	for i, doc := range docs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c, err := s.parseChecklist(doc.Data)
			parsed[i] = ckl.Document{Name: doc.Name, Checklist: c, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	merged, report, err = ckl.MergeDocuments(parsed, &ckl.MergeOptions{Policy: mergePolicy})
	if err != nil {
		return nil, nil, err
	}

	if len(report.Skipped) > 0 {
		metrics.ChecklistsSkippedTotal.Add(float64(len(report.Skipped)))
		for _, skipped := range report.Skipped {
			s.logger.Warn("skipped checklist", "name", skipped.Name, "error", skipped.Error)
		}
	}
	for _, drift := range report.MetadataDrift {
		s.logger.Info("checklist metadata differs from first document", "detail", drift)
	}

	span.SetAttributes(attribute.Int("findings", report.Findings))
	return merged, report, nil
}

func (s *STIGMappingService) mergePolicy(policy string) (ckl.MetadataPolicy, error) {
	if policy == "" {
		return s.opts.MergePolicy, nil
	}
	p := ckl.MetadataPolicy(policy)
	if !p.IsValid() {
		return "", shared.NewValidationError("merge_policy", "must be keep_first or require_match")
	}
	return p, nil
}

// =============================================================================
// Mapping
// =============================================================================

// Preview maps a checklist without saving anything.
func (s *STIGMappingService) Preview(ctx context.Context, checklist *ckl.Checklist, items []cci.Item) (*stigmapping.Result, error) {
	_, span := startSpan(ctx, "STIGMappingService.Preview")
	defer span.End()

	if checklist == nil {
		return nil, shared.NewValidationError("checklist", "is required")
	}
	result := stigmapping.BuildResult(checklist, items)
	recordMapping("preview", result)
	return result, nil
}

// CreateMappingInput represents the input for saving a mapping of an
// already parsed checklist.
type CreateMappingInput struct {
	SystemID    string         `validate:"omitempty,system_id"`
	Name        string         `validate:"required,min=1,max=255"`
	Description string         `validate:"max=2000"`
	Checklist   *ckl.Checklist `validate:"required"`
	CCIMappings []cci.Item
}

// CreateMapping maps the checklist and saves the result.
func (s *STIGMappingService) CreateMapping(ctx context.Context, input CreateMappingInput) (m *stigmapping.Mapping, err error) {
	ctx, span := startSpan(ctx, "STIGMappingService.CreateMapping", attribute.String("system_id", input.SystemID))
	defer func() { endSpan(span, err) }()

	if err := s.validate(input); err != nil {
		return nil, err
	}

	result := stigmapping.BuildResult(input.Checklist, input.CCIMappings)
	m, err = s.saveNew(ctx, input.SystemID, input.Name, input.Description, result)
	if err != nil {
		return nil, err
	}
	recordMapping("create", result)
	return m, nil
}

// CreateFromDocumentsInput represents the input for mapping raw documents.
type CreateFromDocumentsInput struct {
	SystemID    string          `validate:"omitempty,system_id"`
	Name        string          `validate:"required,min=1,max=255"`
	Description string          `validate:"max=2000"`
	MergePolicy string          `validate:"omitempty,merge_policy"`
	Checklists  []DocumentInput `validate:"required,min=1"`
	Catalog     []byte          `validate:"required"`
}

// CreateFromDocumentsResult is a saved mapping and how its checklists
// were merged.
type CreateFromDocumentsResult struct {
	Mapping *stigmapping.Mapping
	Report  *ckl.MergeReport
}

// CreateFromDocuments parses and merges the checklists, parses the CCI
// list, maps and saves.
func (s *STIGMappingService) CreateFromDocuments(ctx context.Context, input CreateFromDocumentsInput) (out *CreateFromDocumentsResult, err error) {
	ctx, span := startSpan(ctx, "STIGMappingService.CreateFromDocuments",
		attribute.String("system_id", input.SystemID),
		attribute.Int("documents", len(input.Checklists)),
	)
	defer func() { endSpan(span, err) }()

	if err := s.validate(input); err != nil {
		return nil, err
	}

	merged, report, err := s.MergeChecklists(ctx, input.Checklists, input.MergePolicy)
	if err != nil {
		return nil, err
	}
	items, err := s.ParseCatalog(ctx, input.Catalog)
	if err != nil {
		return nil, err
	}

	result := stigmapping.BuildResult(merged, items)
	m, err := s.saveNew(ctx, input.SystemID, input.Name, input.Description, result)
	if err != nil {
		return nil, err
	}
	recordMapping("create", result)
	return &CreateFromDocumentsResult{Mapping: m, Report: report}, nil
}

func (s *STIGMappingService) saveNew(ctx context.Context, systemID, name, description string, result *stigmapping.Result) (*stigmapping.Mapping, error) {
	m, err := stigmapping.NewMapping(systemID, name, result)
	if err != nil {
		return nil, err
	}
	if description != "" {
		m.SetDescription(description)
	}

	if err := s.repo.Save(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to save stig mapping: %w", err)
	}

	s.logger.Info("stig mapping saved",
		"id", m.ID().String(),
		"system_id", m.SystemID(),
		"controls", len(result.MappedControls),
		"findings", m.Result().TotalVulnerabilities,
	)
	return m, nil
}

// UpdateMappingInput represents the input for renaming a mapping. Nil
// fields are left unchanged; an empty description clears it.
type UpdateMappingInput struct {
	Name        *string `validate:"omitempty,min=1,max=255"`
	Description *string `validate:"omitempty,max=2000"`
}

// UpdateMapping changes the name or description of a mapping.
func (s *STIGMappingService) UpdateMapping(ctx context.Context, systemID, id string, input UpdateMappingInput) (*stigmapping.Mapping, error) {
	if err := s.validate(input); err != nil {
		return nil, err
	}

	m, err := s.GetMapping(ctx, systemID, id)
	if err != nil {
		return nil, err
	}
	if input.Name != nil {
		if err := m.Rename(*input.Name); err != nil {
			return nil, err
		}
	}
	if input.Description != nil {
		m.SetDescription(*input.Description)
	}

	if err := s.repo.Save(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to update stig mapping: %w", err)
	}
	return m, nil
}

// GetMapping retrieves a mapping of a system.
func (s *STIGMappingService) GetMapping(ctx context.Context, systemID, id string) (*stigmapping.Mapping, error) {
	mappingID, err := shared.IDFromString(id)
	if err != nil {
		return nil, shared.NewValidationError("id", "must be a valid UUID")
	}
	return s.repo.GetByID(ctx, systemOrDefault(systemID), mappingID)
}

// ListMappingsInput represents the input for listing mappings.
type ListMappingsInput struct {
	Page    int
	PerPage int
	Sort    string
}

// ListMappings returns one page of a system's mappings.
func (s *STIGMappingService) ListMappings(ctx context.Context, systemID string, input ListMappingsInput) (pagination.Result[*stigmapping.Mapping], error) {
	return s.repo.ListBySystem(ctx, systemOrDefault(systemID), stigmapping.ListOptions{
		Sort: pagination.NewSortOption(stigmapping.SortFields).Parse(input.Sort),
		Page: pagination.New(input.Page, input.PerPage),
	})
}

// DeleteMapping deletes one mapping.
func (s *STIGMappingService) DeleteMapping(ctx context.Context, systemID, id string) error {
	mappingID, err := shared.IDFromString(id)
	if err != nil {
		return shared.NewValidationError("id", "must be a valid UUID")
	}
	if err := s.repo.Delete(ctx, systemOrDefault(systemID), mappingID); err != nil {
		return err
	}
	s.logger.Info("stig mapping deleted", "id", id, "system_id", systemOrDefault(systemID))
	return nil
}

// ClearSystem deletes every mapping of a system and returns how many there
// were.
func (s *STIGMappingService) ClearSystem(ctx context.Context, systemID string) (int64, error) {
	systemID = systemOrDefault(systemID)
	n, err := s.repo.DeleteBySystem(ctx, systemID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("stig mappings cleared", "system_id", systemID, "deleted", n)
	return n, nil
}

// =============================================================================
// Export and import
// =============================================================================

// ExportChecklist serializes the checklist of a mapping, keeping only the
// findings where matches. An empty where keeps everything.
func (s *STIGMappingService) ExportChecklist(ctx context.Context, systemID, id, where string) ([]byte, *stigmapping.Mapping, error) {
	filter, err := stigmapping.CompileFilter(where)
	if err != nil {
		return nil, nil, err
	}

	m, err := s.GetMapping(ctx, systemID, id)
	if err != nil {
		return nil, nil, err
	}

	checklist, err := filter.Apply(m.ExportableChecklist())
	if err != nil {
		return nil, nil, err
	}
	return ckl.Marshal(checklist), m, nil
}

// ExportMappings bundles every mapping of a system.
func (s *STIGMappingService) ExportMappings(ctx context.Context, systemID string) (*stigmapping.ExportBundle, error) {
	systemID = systemOrDefault(systemID)

	var all []*stigmapping.Mapping
	for page := 1; ; page++ {
		res, err := s.repo.ListBySystem(ctx, systemID, stigmapping.ListOptions{
			Page: pagination.New(page, pagination.MaxPerPage),
		})
		if err != nil {
			return nil, err
		}
		all = append(all, res.Data...)
		if !res.HasMore() {
			break
		}
	}

	return stigmapping.NewExportBundle(systemID, all, time.Now()), nil
}

// ImportMappings saves every mapping of bundle under systemID. Ids are
// kept unless another system already owns them.
func (s *STIGMappingService) ImportMappings(ctx context.Context, systemID string, bundle *stigmapping.ExportBundle) (int, error) {
	if err := bundle.Validate(); err != nil {
		return 0, err
	}
	systemID = systemOrDefault(systemID)

	imported := 0
	for i, data := range bundle.STIGMappings {
		m, err := stigmapping.FromData(systemID, data)
		if err != nil {
			return imported, fmt.Errorf("stig_mappings[%d]: %w", i, err)
		}

		err = s.repo.Save(ctx, m)
		if errors.Is(err, shared.ErrConflict) {
			m = m.WithNewID()
			err = s.repo.Save(ctx, m)
		}
		if err != nil {
			return imported, fmt.Errorf("failed to import stig mapping %s: %w", data.ID, err)
		}
		imported++
	}

	metrics.MappingsTotal.WithLabelValues("restore").Add(float64(imported))
	s.logger.Info("stig mappings imported", "system_id", systemID, "count", imported)
	return imported, nil
}

// =============================================================================
// Document source
// =============================================================================

// ImportSourceInput selects checklists in the document source to map.
type ImportSourceInput struct {
	SystemID    string `json:"system_id" validate:"omitempty,system_id"`
	Name        string `json:"name" validate:"required,min=1,max=255"`
	Description string `json:"description,omitempty" validate:"max=2000"`
	Dir         string `json:"dir,omitempty" validate:"max=512"`
	CatalogKey  string `json:"catalog_key,omitempty" validate:"max=512"`
	MergePolicy string `json:"merge_policy,omitempty" validate:"omitempty,merge_policy"`
	Where       string `json:"where,omitempty" validate:"max=1024"`
}

// ImportSourceResult is the outcome of a source import.
type ImportSourceResult struct {
	Mapping    *stigmapping.Mapping
	Report     *ckl.MergeReport
	SourceHash string
}

// EnqueueImport validates input and queues it for the worker.
func (s *STIGMappingService) EnqueueImport(ctx context.Context, input ImportSourceInput) (string, error) {
	if err := s.validate(input); err != nil {
		return "", err
	}
	if _, err := stigmapping.CompileFilter(input.Where); err != nil {
		return "", err
	}
	if s.importer == nil {
		return "", ErrImportQueueUnavailable
	}
	return s.importer.EnqueueImportSource(ctx, input)
}

// ImportFromSource maps the checklists under input.Dir in the document
// source against the CCI list at the catalog key.
func (s *STIGMappingService) ImportFromSource(ctx context.Context, input ImportSourceInput) (out *ImportSourceResult, err error) {
	ctx, span := startSpan(ctx, "STIGMappingService.ImportFromSource",
		attribute.String("system_id", input.SystemID),
		attribute.String("dir", input.Dir),
	)
	defer func() { endSpan(span, err) }()

	if s.source == nil {
		return nil, ErrSourceNotConfigured
	}
	if err := s.validate(input); err != nil {
		return nil, err
	}
	filter, err := stigmapping.CompileFilter(input.Where)
	if err != nil {
		return nil, err
	}
	catalogKey := input.CatalogKey
	if catalogKey == "" {
		catalogKey = s.opts.CatalogKey
	}
	if catalogKey == "" {
		return nil, shared.NewValidationError("catalog_key", "is required")
	}

	fetched, err := s.source.Fetch(ctx, fetchers.FetchOptions{
		Dir:          input.Dir,
		Extensions:   []string{fetchers.ExtChecklist},
		MaxFileSize:  s.opts.MaxFileSize,
		MaxTotalSize: s.opts.MaxTotalSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch checklists: %w", err)
	}
	if len(fetched.Documents) == 0 {
		return nil, fmt.Errorf("%w under %q", ckl.ErrNoChecklists, input.Dir)
	}

	docs := make([]DocumentInput, len(fetched.Documents))
	for i, d := range fetched.Documents {
		docs[i] = DocumentInput{Name: d.Path, Data: d.Data}
	}
	merged, report, err := s.MergeChecklists(ctx, docs, input.MergePolicy)
	if err != nil {
		return nil, err
	}
	if merged, err = filter.Apply(merged); err != nil {
		return nil, err
	}

	items, err := s.sourceCatalog(ctx, catalogKey)
	if err != nil {
		return nil, err
	}

	result := stigmapping.BuildResult(merged, items)
	m, err := s.saveNew(ctx, input.SystemID, input.Name, input.Description, result)
	if err != nil {
		return nil, err
	}
	recordMapping("import", result)

	s.logger.Info("source import completed",
		"id", m.ID().String(),
		"source_hash", fetched.Hash,
		"documents", len(docs),
		"skipped", len(report.Skipped),
	)
	return &ImportSourceResult{Mapping: m, Report: report, SourceHash: fetched.Hash}, nil
}

// RefreshCatalog re-reads the configured CCI list from the document source
// and warms the cache. It returns the number of catalog items.
func (s *STIGMappingService) RefreshCatalog(ctx context.Context) (n int, err error) {
	ctx, span := startSpan(ctx, "STIGMappingService.RefreshCatalog")
	defer func() {
		status := "success"
		if err != nil {
			status = "failed"
		}
		metrics.CatalogRefreshesTotal.WithLabelValues(status).Inc()
		endSpan(span, err)
	}()

	if s.source == nil || s.opts.CatalogKey == "" {
		return 0, ErrSourceNotConfigured
	}

	items, err := s.sourceCatalog(ctx, s.opts.CatalogKey)
	if err != nil {
		return 0, err
	}
	s.logger.Info("CCI catalog refreshed", "key", s.opts.CatalogKey, "items", len(items))
	return len(items), nil
}

func (s *STIGMappingService) sourceCatalog(ctx context.Context, key string) ([]cci.Item, error) {
	data, err := s.source.ReadFile(ctx, key, s.opts.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read CCI catalog %s: %w", key, err)
	}
	return s.ParseCatalog(ctx, data)
}

// =============================================================================
// Helpers
// =============================================================================

func (s *STIGMappingService) validate(input any) error {
	if err := s.validator.Validate(input); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrValidation, err)
	}
	return nil
}

func systemOrDefault(systemID string) string {
	if systemID == "" {
		return stigmapping.DefaultSystemID
	}
	return systemID
}

func recordMapping(operation string, result *stigmapping.Result) {
	metrics.MappingsTotal.WithLabelValues(operation).Inc()
	metrics.MappedControls.Observe(float64(len(result.MappedControls)))
	for i := range result.MappedControls {
		metrics.ControlVerdictsTotal.WithLabelValues(result.MappedControls[i].ComplianceStatus.String()).Inc()
	}
}
