package shared

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDFromString(t *testing.T) {
	id := NewID()
	parsed, err := IDFromString(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = IDFromString("not-a-uuid")
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestID_ScanAndJSON(t *testing.T) {
	id := MustIDFromString("7b6f0a8e-0c2f-4f6b-9d3c-1a2b3c4d5e6f")

	var scanned ID
	require.NoError(t, scanned.Scan([]byte(id.String())))
	assert.Equal(t, id, scanned)
	assert.Error(t, scanned.Scan(42))

	data, err := json.Marshal(id)
	require.NoError(t, err)
	assert.JSONEq(t, `"7b6f0a8e-0c2f-4f6b-9d3c-1a2b3c4d5e6f"`, string(data))

	var decoded ID
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, id, decoded)
	assert.False(t, decoded.IsZero())
	assert.True(t, ID{}.IsZero())
}

func TestErrors(t *testing.T) {
	err := fmt.Errorf("mapping %w", ErrNotFound)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsValidation(err))

	v := NewValidationError("name", "is required")
	assert.True(t, IsValidation(v))
	assert.EqualError(t, v, "validation error: name is required")
}
