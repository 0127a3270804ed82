// Package pagination provides page and sort parameters for list queries.
package pagination

import "strings"

// Default and maximum page sizes.
const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// Pagination holds pagination parameters.
type Pagination struct {
	Page    int
	PerPage int
}

// SortOrder represents the sort direction.
type SortOrder string

const (
	SortAsc  SortOrder = "ASC"
	SortDesc SortOrder = "DESC"
)

// Sort is one ORDER BY term.
type Sort struct {
	Field string
	Order SortOrder
}

// SortOption is a parsed sort parameter restricted to known columns.
type SortOption struct {
	sorts         []Sort
	allowedFields map[string]string // request field -> column
}

// NewSortOption creates a SortOption accepting only allowedFields.
func NewSortOption(allowedFields map[string]string) *SortOption {
	return &SortOption{allowedFields: allowedFields}
}

// Parse reads a sort string such as "-updated_at,name". A leading "-"
// sorts descending. Unknown fields are ignored.
func (s *SortOption) Parse(sortStr string) *SortOption {
	for _, part := range strings.Split(sortStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		order := SortAsc
		field := part
		switch part[0] {
		case '-':
			order = SortDesc
			field = part[1:]
		case '+':
			field = part[1:]
		}

		if column, ok := s.allowedFields[field]; ok {
			s.sorts = append(s.sorts, Sort{Field: column, Order: order})
		}
	}
	return s
}

// Sorts returns the parsed sort terms.
func (s *SortOption) Sorts() []Sort {
	return s.sorts
}

// SQL returns the ORDER BY clause body, or "" when nothing was parsed.
func (s *SortOption) SQL() string {
	if s == nil || len(s.sorts) == 0 {
		return ""
	}

	parts := make([]string, 0, len(s.sorts))
	for _, sort := range s.sorts {
		parts = append(parts, sort.Field+" "+string(sort.Order))
	}
	return strings.Join(parts, ", ")
}

// SQLWithDefault returns SQL or defaultSort when empty.
func (s *SortOption) SQLWithDefault(defaultSort string) string {
	if sql := s.SQL(); sql != "" {
		return sql
	}
	return defaultSort
}

// New creates a Pagination with defaults and bounds applied.
func New(page, perPage int) Pagination {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	return Pagination{Page: page, PerPage: perPage}
}

// Offset returns the offset for database queries.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// Limit returns the limit for database queries.
func (p Pagination) Limit() int {
	return p.PerPage
}

// Result represents a paginated result set.
type Result[T any] struct {
	Data       []T   `json:"data"`
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PerPage    int   `json:"per_page"`
	TotalPages int   `json:"total_pages"`
}

// HasMore reports whether pages follow this one.
func (r Result[T]) HasMore() bool {
	return r.Page < r.TotalPages
}

// NewResult creates a paginated Result.
func NewResult[T any](data []T, total int64, p Pagination) Result[T] {
	if data == nil {
		data = make([]T, 0)
	}

	totalPages := 0
	if p.PerPage > 0 {
		totalPages = int(total) / p.PerPage
		if int(total)%p.PerPage > 0 {
			totalPages++
		}
	}

	return Result[T]{
		Data:       data,
		Total:      total,
		Page:       p.Page,
		PerPage:    p.PerPage,
		TotalPages: totalPages,
	}
}

// Map converts the items of a Result, keeping its page metadata.
func Map[T, U any](r Result[T], fn func(T) U) Result[U] {
	out := make([]U, len(r.Data))
	for i, v := range r.Data {
		out[i] = fn(v)
	}
	return Result[U]{
		Data:       out,
		Total:      r.Total,
		Page:       r.Page,
		PerPage:    r.PerPage,
		TotalPages: r.TotalPages,
	}
}
