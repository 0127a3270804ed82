package jobs

import (
	"context"

	"github.com/openctemio/stigmap/internal/app"
)

// ImportEnqueuerAdapter wraps the job Client to implement
// app.ImportJobEnqueuer.
type ImportEnqueuerAdapter struct {
	client *Client
}

// NewImportEnqueuerAdapter creates a new adapter.
func NewImportEnqueuerAdapter(client *Client) *ImportEnqueuerAdapter {
	return &ImportEnqueuerAdapter{client: client}
}

// EnqueueImportSource converts the app input to a job payload and enqueues.
func (a *ImportEnqueuerAdapter) EnqueueImportSource(ctx context.Context, input app.ImportSourceInput) (string, error) {
	return a.client.EnqueueImportSource(ctx, importPayloadFromInput(input))
}

// Ensure adapter implements the interface
var _ app.ImportJobEnqueuer = (*ImportEnqueuerAdapter)(nil)
