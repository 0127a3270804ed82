package stigmapping

import (
	"fmt"

	"github.com/openctemio/stigmap/pkg/domain/shared"
)

var (
	ErrNotFound = fmt.Errorf("STIG mapping %w", shared.ErrNotFound)
)

// NotFoundError returns a formatted not found error.
func NotFoundError(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
