package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/stigmap/internal/app"
	"github.com/openctemio/stigmap/pkg/domain/shared"
	"github.com/openctemio/stigmap/pkg/domain/stigmapping"
	"github.com/openctemio/stigmap/pkg/logger"
	"github.com/openctemio/stigmap/pkg/parsers/cci"
	"github.com/openctemio/stigmap/pkg/parsers/ckl"
	"github.com/openctemio/stigmap/pkg/parsers/xmlstream"
)

type fakeProcessor struct {
	inputs     []app.ImportSourceInput
	importErr  error
	refreshes  int
	refreshErr error
}

func (p *fakeProcessor) ImportFromSource(_ context.Context, input app.ImportSourceInput) (*app.ImportSourceResult, error) {
	p.inputs = append(p.inputs, input)
	if p.importErr != nil {
		return nil, p.importErr
	}
	checklist := &ckl.Checklist{Vulnerabilities: []ckl.Vulnerability{{VulnNum: "V-1"}}}
	m, err := stigmapping.NewMapping(input.SystemID, input.Name, stigmapping.BuildResult(checklist, nil))
	if err != nil {
		return nil, err
	}
	return &app.ImportSourceResult{Mapping: m, Report: &ckl.MergeReport{Merged: 1}}, nil
}

func (p *fakeProcessor) RefreshCatalog(context.Context) (int, error) {
	p.refreshes++
	return 42, p.refreshErr
}

func TestNewImportSourceTask(t *testing.T) {
	payload := importPayloadFromInput(app.ImportSourceInput{
		SystemID: "sys", Name: "Nightly", Dir: "web", Where: "open",
	})

	task, err := NewImportSourceTask(payload)
	require.NoError(t, err)
	assert.Equal(t, TypeImportSource, task.Type())

	var decoded ImportSourcePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &decoded))
	assert.Equal(t, payload, decoded)
	assert.Equal(t, "open", decoded.toInput().Where)

	assert.Equal(t, TypeCatalogRefresh, NewCatalogRefreshTask().Type())
}

func TestSTIGTaskHandler_HandleImportSource(t *testing.T) {
	ctx := context.Background()
	task, err := NewImportSourceTask(ImportSourcePayload{SystemID: "sys", Name: "Nightly", Dir: "web"})
	require.NoError(t, err)

	tests := []struct {
		name      string
		task      *asynq.Task
		importErr error
		wantErr   bool
		skipRetry bool
	}{
		{name: "success", task: task},
		{name: "bad payload", task: asynq.NewTask(TypeImportSource, []byte("{")), wantErr: true, skipRetry: true},
		{name: "validation", task: task, importErr: shared.NewValidationError("name", "is required"), wantErr: true, skipRetry: true},
		{name: "not configured", task: task, importErr: app.ErrSourceNotConfigured, wantErr: true, skipRetry: true},
		{name: "transient", task: task, importErr: fmt.Errorf("fetch: %w", context.DeadlineExceeded), wantErr: true},
		{
			name:      "malformed checklist",
			task:      task,
			importErr: fmt.Errorf("%w: %w", ckl.ErrInvalidChecklist, &xmlstream.SyntaxError{Offset: 10, Err: xmlstream.ErrNoRoot}),
			wantErr:   true,
			skipRetry: true,
		},
		{name: "bare syntax error", task: task, importErr: &xmlstream.SyntaxError{Offset: 3, Err: errors.New("bad")}, wantErr: true, skipRetry: true},
		{name: "malformed catalog", task: task, importErr: fmt.Errorf("load catalog: %w", cci.ErrInvalidCatalog), wantErr: true, skipRetry: true},
		{name: "empty dir", task: task, importErr: fmt.Errorf("%w under %q", ckl.ErrNoChecklists, "web"), wantErr: true, skipRetry: true},
		{name: "metadata mismatch", task: task, importErr: fmt.Errorf("%w: b.ckl host db01", ckl.ErrMetadataMismatch), wantErr: true, skipRetry: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProcessor{importErr: tt.importErr}
			h := NewSTIGTaskHandler(p, logger.NewNop())

			err := h.HandleImportSource(ctx, tt.task)
			if !tt.wantErr {
				require.NoError(t, err)
				require.Len(t, p.inputs, 1)
				assert.Equal(t, "web", p.inputs[0].Dir)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.skipRetry, errors.Is(err, asynq.SkipRetry))
		})
	}
}

func TestSTIGTaskHandler_HandleCatalogRefresh(t *testing.T) {
	ctx := context.Background()

	p := &fakeProcessor{}
	h := NewSTIGTaskHandler(p, logger.NewNop())
	require.NoError(t, h.HandleCatalogRefresh(ctx, NewCatalogRefreshTask()))
	assert.Equal(t, 1, p.refreshes)

	p.refreshErr = errors.New("s3 unavailable")
	err := h.HandleCatalogRefresh(ctx, NewCatalogRefreshTask())
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))

	p.refreshErr = fmt.Errorf("%w: %w", cci.ErrInvalidCatalog, &xmlstream.SyntaxError{Err: xmlstream.ErrNoRoot})
	err = h.HandleCatalogRefresh(ctx, NewCatalogRefreshTask())
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestScheduler_Add(t *testing.T) {
	s := NewScheduler(logger.NewNop())

	noop := func(context.Context) error { return nil }
	require.NoError(t, s.Add("catalog_refresh", "0 3 * * *", noop))
	require.NoError(t, s.Add("hourly", "@hourly", noop))
	assert.Error(t, s.Add("broken", "every day", noop))
	assert.Equal(t, 2, s.Len())

	s.Start()
	s.Stop()
}
