// Package fetchers reads CKL and CCI documents from the configured
// document source (an S3 bucket or a git repository).
package fetchers

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/openctemio/stigmap/internal/config"
)

// Document extensions.
const (
	ExtChecklist = ".ckl"
	ExtXML       = ".xml"
)

var (
	// ErrTotalSizeExceeded is returned when the documents under a path add
	// up to more than MaxTotalSize.
	ErrTotalSizeExceeded = errors.New("total size exceeds limit")

	// ErrFileTooLarge is returned by ReadFile for an oversized document.
	ErrFileTooLarge = errors.New("file exceeds size limit")

	// ErrInvalidPath is returned for paths escaping the source root.
	ErrInvalidPath = errors.New("invalid path: path traversal not allowed")
)

// Document is one fetched file.
type Document struct {
	// Path is relative to the source root.
	Path string
	Data []byte
}

// FetchResult contains the result of a fetch operation.
type FetchResult struct {
	// Documents are sorted by path so merges over them are repeatable.
	Documents []Document

	// Hash identifies this version of the source (commit, combined ETags).
	Hash string

	FetchedAt time.Time
	TotalSize int64
}

// FetchOptions contains options for fetching.
type FetchOptions struct {
	// Dir limits the fetch to a subdirectory of the source root.
	Dir string

	// Extensions filters files by extension, case-insensitively.
	Extensions []string

	// MaxFileSize skips larger files (0 = no limit).
	MaxFileSize int64

	// MaxTotalSize fails the fetch past this many bytes (0 = no limit).
	MaxTotalSize int64
}

// Fetcher is implemented by the document sources.
type Fetcher interface {
	// Fetch downloads the matching documents.
	Fetch(ctx context.Context, opts FetchOptions) (*FetchResult, error)

	// ReadFile reads a single document, such as the CCI catalog.
	ReadFile(ctx context.Context, path string, maxSize int64) ([]byte, error)

	// Close releases any resources.
	Close() error
}

// New returns the fetcher selected by cfg.Source.Type, or nil when no
// source is configured.
func New(ctx context.Context, cfg *config.Config) (Fetcher, error) {
	switch cfg.Source.Type {
	case config.SourceNone:
		return nil, nil
	case config.SourceS3:
		return NewS3Fetcher(ctx, S3Config{
			Bucket:     cfg.S3.Bucket,
			Region:     cfg.S3.Region,
			Prefix:     cfg.S3.Prefix,
			Endpoint:   cfg.S3.Endpoint,
			AuthType:   cfg.S3.AuthType,
			AccessKey:  cfg.S3.AccessKey,
			SecretKey:  cfg.S3.SecretKey,
			RoleARN:    cfg.S3.RoleARN,
			ExternalID: cfg.S3.ExternalID,
		})
	case config.SourceGit:
		return NewGitFetcher(GitConfig{
			URL:        cfg.Git.URL,
			Branch:     cfg.Git.Branch,
			Path:       cfg.Git.Path,
			AuthType:   cfg.Git.AuthType,
			Token:      cfg.Git.Token,
			SSHKey:     []byte(cfg.Git.SSHKey),
			SSHKeyPass: cfg.Git.SSHKeyPass,
			KnownHosts: cfg.Git.KnownHosts,
		})
	default:
		return nil, fmt.Errorf("unsupported source type: %s", cfg.Source.Type)
	}
}

// matchesExtension reports whether path has one of exts. No exts matches
// everything.
func matchesExtension(path string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := filepath.Ext(path)
	return slices.ContainsFunc(exts, func(e string) bool {
		return strings.EqualFold(ext, e)
	})
}

// cleanRelative validates a caller-supplied relative path.
func cleanRelative(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	if clean == "." {
		return "", nil
	}
	if clean == ".." || strings.HasPrefix(clean, "../") || filepath.IsAbs(path) || strings.HasPrefix(clean, "/") {
		return "", ErrInvalidPath
	}
	return clean, nil
}

// sizeBudget tracks MaxFileSize and MaxTotalSize during a fetch.
type sizeBudget struct {
	opts  FetchOptions
	total int64
}

// admit reports whether a file of size should be read. It fails once
// the total would be exceeded.
func (b *sizeBudget) admit(size int64) (bool, error) {
	if b.opts.MaxFileSize > 0 && size > b.opts.MaxFileSize {
		return false, nil
	}
	if b.opts.MaxTotalSize > 0 && b.total+size > b.opts.MaxTotalSize {
		return false, ErrTotalSizeExceeded
	}
	b.total += size
	return true, nil
}

func sortDocuments(docs []Document) {
	slices.SortFunc(docs, func(a, b Document) int {
		return strings.Compare(a.Path, b.Path)
	})
}
