package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openctemio/stigmap/pkg/domain/shared"
	"github.com/openctemio/stigmap/pkg/domain/stigmapping"
	"github.com/openctemio/stigmap/pkg/pagination"
	"github.com/openctemio/stigmap/pkg/parsers/cci"
	"github.com/openctemio/stigmap/pkg/parsers/ckl"
)

// STIGMappingRepository implements stigmapping.Repository using PostgreSQL.
type STIGMappingRepository struct {
	db *DB
}

// NewSTIGMappingRepository creates a new STIGMappingRepository.
func NewSTIGMappingRepository(db *DB) *STIGMappingRepository {
	return &STIGMappingRepository{db: db}
}

var _ stigmapping.Repository = (*STIGMappingRepository)(nil)

const stigMappingColumns = `
	id, system_id, name, description, stig_info, asset_info,
	mapping_result, checklist, cci_mappings, created_at, updated_at`

// Save inserts a mapping or replaces the row with the same id.
func (r *STIGMappingRepository) Save(ctx context.Context, m *stigmapping.Mapping) error {
	stigInfo, err := toJSONB(m.STIGInfo())
	if err != nil {
		return fmt.Errorf("failed to marshal stig info: %w", err)
	}
	assetInfo, err := toJSONB(m.AssetInfo())
	if err != nil {
		return fmt.Errorf("failed to marshal asset info: %w", err)
	}
	result, err := toJSONB(m.Result())
	if err != nil {
		return fmt.Errorf("failed to marshal mapping result: %w", err)
	}
	checklist, err := toJSONB(m.Checklist())
	if err != nil {
		return fmt.Errorf("failed to marshal checklist: %w", err)
	}
	cciMappings, err := nullJSONB(m.CCIMappings())
	if err != nil {
		return fmt.Errorf("failed to marshal cci mappings: %w", err)
	}

	query := `
		INSERT INTO stig_mappings (` + stigMappingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			stig_info = EXCLUDED.stig_info,
			asset_info = EXCLUDED.asset_info,
			mapping_result = EXCLUDED.mapping_result,
			checklist = EXCLUDED.checklist,
			cci_mappings = EXCLUDED.cci_mappings,
			updated_at = EXCLUDED.updated_at
		WHERE stig_mappings.system_id = EXCLUDED.system_id
	`

	res, err := r.db.ExecContext(ctx, query,
		m.ID().String(),
		m.SystemID(),
		m.Name(),
		nullString(m.Description()),
		stigInfo,
		assetInfo,
		result,
		checklist,
		cciMappings,
		m.CreatedAt(),
		m.UpdatedAt(),
	)
	if err != nil {
		return fmt.Errorf("failed to save stig mapping: %w", err)
	}

	// A conflicting id owned by another system is left untouched.
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: mapping %s belongs to another system", shared.ErrConflict, m.ID())
	}

	return nil
}

// GetByID retrieves a mapping of a system.
func (r *STIGMappingRepository) GetByID(ctx context.Context, systemID string, id shared.ID) (*stigmapping.Mapping, error) {
	query := `SELECT ` + stigMappingColumns + ` FROM stig_mappings WHERE system_id = $1 AND id = $2`
	row := r.db.QueryRowContext(ctx, query, systemID, id.String())

	m, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stigmapping.NotFoundError(id.String())
	}
	return m, err
}

// ListBySystem returns one page of a system's mappings.
func (r *STIGMappingRepository) ListBySystem(ctx context.Context, systemID string, opts stigmapping.ListOptions) (pagination.Result[*stigmapping.Mapping], error) {
	page := pagination.New(opts.Page.Page, opts.Page.PerPage)

	var total int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stig_mappings WHERE system_id = $1`, systemID,
	).Scan(&total)
	if err != nil {
		return pagination.Result[*stigmapping.Mapping]{}, fmt.Errorf("failed to count stig mappings: %w", err)
	}

	// ORDER BY comes from SortFields, never from raw input.
	query := `SELECT ` + stigMappingColumns + ` FROM stig_mappings WHERE system_id = $1` +
		` ORDER BY ` + opts.Sort.SQLWithDefault(stigmapping.DefaultSort) + `, id` +
		fmt.Sprintf(" LIMIT %d OFFSET %d", page.Limit(), page.Offset())

	rows, err := r.db.QueryContext(ctx, query, systemID)
	if err != nil {
		return pagination.Result[*stigmapping.Mapping]{}, fmt.Errorf("failed to query stig mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*stigmapping.Mapping
	for rows.Next() {
		m, err := r.scan(rows)
		if err != nil {
			return pagination.Result[*stigmapping.Mapping]{}, err
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return pagination.Result[*stigmapping.Mapping]{}, fmt.Errorf("failed to iterate stig mappings: %w", err)
	}

	return pagination.NewResult(mappings, total, page), nil
}

// Delete removes one mapping.
func (r *STIGMappingRepository) Delete(ctx context.Context, systemID string, id shared.ID) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM stig_mappings WHERE system_id = $1 AND id = $2`, systemID, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete stig mapping: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return stigmapping.NotFoundError(id.String())
	}

	return nil
}

// DeleteBySystem removes every mapping of a system.
func (r *STIGMappingRepository) DeleteBySystem(ctx context.Context, systemID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM stig_mappings WHERE system_id = $1`, systemID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stig mappings: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *STIGMappingRepository) scan(row rowScanner) (*stigmapping.Mapping, error) {
	var (
		idStr       string
		systemID    string
		name        string
		description sql.NullString
		stigInfoRaw []byte
		assetRaw    []byte
		resultRaw   []byte
		checkRaw    []byte
		cciRaw      []byte
		createdAt   time.Time
		updatedAt   time.Time
	)

	err := row.Scan(
		&idStr, &systemID, &name, &description, &stigInfoRaw, &assetRaw,
		&resultRaw, &checkRaw, &cciRaw, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan stig mapping: %w", err)
	}

	id, err := shared.IDFromString(idStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stig mapping id: %w", err)
	}

	var (
		stigInfo    ckl.STIGInfo
		asset       ckl.Asset
		result      stigmapping.StoredResult
		checklist   *ckl.Checklist
		cciMappings []cci.Item
	)
	for _, col := range []struct {
		name   string
		data   []byte
		target any
	}{
		{"stig_info", stigInfoRaw, &stigInfo},
		{"asset_info", assetRaw, &asset},
		{"mapping_result", resultRaw, &result},
		{"checklist", checkRaw, &checklist},
		{"cci_mappings", cciRaw, &cciMappings},
	} {
		if err := fromJSONB(col.data, col.target); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", col.name, err)
		}
	}

	return stigmapping.Reconstitute(
		id, systemID, name, nullStringPtr(description),
		stigInfo, asset, result, checklist, cciMappings,
		createdAt, updatedAt,
	), nil
}
