package testutil

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/openctemio/stigmap/internal/infra/fetchers"
)

// MockFetcher serves documents from memory.
type MockFetcher struct {
	// Files maps slash-separated paths to contents.
	Files map[string][]byte
	Hash  string

	FetchErr error
	Fetches  int
	Reads    int
}

var _ fetchers.Fetcher = (*MockFetcher)(nil)

func (f *MockFetcher) Fetch(_ context.Context, opts fetchers.FetchOptions) (*fetchers.FetchResult, error) {
	f.Fetches++
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}

	prefix := strings.Trim(opts.Dir, "/")
	result := &fetchers.FetchResult{Hash: f.Hash, FetchedAt: time.Now()}
	for p, data := range f.Files {
		if prefix != "" && !strings.HasPrefix(p, prefix+"/") {
			continue
		}
		if len(opts.Extensions) > 0 && !hasExtension(p, opts.Extensions) {
			continue
		}
		result.Documents = append(result.Documents, fetchers.Document{Path: p, Data: data})
		result.TotalSize += int64(len(data))
	}
	sort.Slice(result.Documents, func(i, j int) bool {
		return result.Documents[i].Path < result.Documents[j].Path
	})
	return result, nil
}

func (f *MockFetcher) ReadFile(_ context.Context, p string, maxSize int64) ([]byte, error) {
	f.Reads++
	data, ok := f.Files[p]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, os.ErrNotExist)
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, fetchers.ErrFileTooLarge
	}
	return data, nil
}

func (f *MockFetcher) Close() error { return nil }

func hasExtension(p string, exts []string) bool {
	ext := path.Ext(p)
	for _, e := range exts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}
