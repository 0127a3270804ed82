package postgres

import (
	"database/sql"
	"encoding/json"
)

// nullString converts a *string to sql.NullString. nil and "" are NULL.
func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullStringPtr extracts a *string from sql.NullString.
func nullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		return &ns.String
	}
	return nil
}

// toJSONB marshals a value for a JSONB column.
func toJSONB(v any) ([]byte, error) {
	return json.Marshal(v)
}

// nullJSONB marshals a slice for an optional JSONB column, storing NULL
// when it is empty.
func nullJSONB[T any](v []T) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}

// fromJSONB unmarshals a JSONB column into target. NULL leaves target
// untouched.
func fromJSONB(data []byte, target any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, target)
}
