package fetchers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultBranch = "main"

// GitConfig contains configuration for Git fetcher.
type GitConfig struct {
	URL        string
	Branch     string
	Path       string // Subdirectory holding the documents
	AuthType   string // none, token, ssh
	Token      string
	SSHKey     []byte
	SSHKeyPass string
	// KnownHosts is an OpenSSH known_hosts file. Empty uses go-git's
	// default lookup ($SSH_KNOWN_HOSTS, ~/.ssh/known_hosts).
	KnownHosts string
}

// GitFetcher reads checklists kept in a compliance repository. The
// repository is shallow-cloned on first use and pulled on later fetches.
// It is safe for concurrent use.
type GitFetcher struct {
	config  GitConfig
	auth    transport.AuthMethod
	mu      sync.Mutex // Protects tempDir and repo
	tempDir string
	repo    *git.Repository
}

// NewGitFetcher creates a new Git fetcher.
func NewGitFetcher(cfg GitConfig) (*GitFetcher, error) {
	f := &GitFetcher{config: cfg}

	switch cfg.AuthType {
	case "token":
		f.auth = &http.BasicAuth{
			Username: "x-access-token", // GitHub/GitLab convention
			Password: cfg.Token,
		}
	case "ssh":
		keys, err := ssh.NewPublicKeys("git", cfg.SSHKey, cfg.SSHKeyPass)
		if err != nil {
			return nil, fmt.Errorf("failed to create SSH auth: %w", err)
		}
		if cfg.KnownHosts != "" {
			keys.HostKeyCallback, err = knownhosts.New(cfg.KnownHosts)
			if err != nil {
				return nil, fmt.Errorf("failed to load known hosts: %w", err)
			}
		}
		f.auth = keys
	}

	return f, nil
}

// Fetch syncs the repository and returns the matching documents.
func (f *GitFetcher) Fetch(ctx context.Context, opts FetchOptions) (*FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.sync(ctx); err != nil {
		return nil, err
	}
	return f.collect(opts)
}

// ReadFile syncs the repository and reads one document.
func (f *GitFetcher) ReadFile(ctx context.Context, path string, maxSize int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.sync(ctx); err != nil {
		return nil, err
	}

	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return readLimited(file, path, maxSize)
}

// Close removes the local clone.
func (f *GitFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.tempDir == "" {
		return nil
	}
	err := os.RemoveAll(f.tempDir)
	f.tempDir = ""
	f.repo = nil
	return err
}

func (f *GitFetcher) sync(ctx context.Context) error {
	if f.repo != nil {
		if err := f.pull(ctx); err != nil {
			return fmt.Errorf("failed to pull repository: %w", err)
		}
		return nil
	}

	if f.tempDir == "" {
		dir, err := os.MkdirTemp("", "stigmap-git-*")
		if err != nil {
			return fmt.Errorf("failed to create temp dir: %w", err)
		}
		f.tempDir = dir
	}

	repo, err := f.clone(ctx)
	if err != nil {
		return fmt.Errorf("failed to clone repository: %w", err)
	}
	f.repo = repo
	return nil
}

func (f *GitFetcher) basePath() string {
	return filepath.Join(f.tempDir, f.config.Path)
}

// resolve maps a relative document path into the clone.
func (f *GitFetcher) resolve(path string) (string, error) {
	clean, err := cleanRelative(path)
	if err != nil {
		return "", err
	}
	base, err := filepath.Abs(f.basePath())
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}
	full := filepath.Join(base, filepath.FromSlash(clean))
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return full, nil
}

func (f *GitFetcher) collect(opts FetchOptions) (*FetchResult, error) {
	ref, err := f.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD: %w", err)
	}

	root, err := f.resolve(opts.Dir)
	if err != nil {
		return nil, err
	}
	base, _ := filepath.Abs(f.basePath())

	var (
		docs   []Document
		budget = sizeBudget{opts: opts}
	)

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !matchesExtension(path, opts.Extensions) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		ok, err := budget.admit(info.Size())
		if err != nil || !ok {
			return err
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", path, err)
		}

		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		docs = append(docs, Document{Path: filepath.ToSlash(rel), Data: content})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortDocuments(docs)
	return &FetchResult{
		Documents: docs,
		Hash:      ref.Hash().String(),
		FetchedAt: time.Now(),
		TotalSize: budget.total,
	}, nil
}

func (f *GitFetcher) clone(ctx context.Context) (*git.Repository, error) {
	branch := f.config.Branch
	if branch == "" {
		branch = defaultBranch
	}

	opts := &git.CloneOptions{
		URL:           f.config.URL,
		Auth:          f.auth,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Depth:         1,
	}

	repo, err := git.PlainCloneContext(ctx, f.tempDir, false, opts)
	if err != nil && branch == defaultBranch && f.config.Branch == "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName("master")
		repo, err = git.PlainCloneContext(ctx, f.tempDir, false, opts)
	}
	return repo, err
}

func (f *GitFetcher) pull(ctx context.Context) error {
	worktree, err := f.repo.Worktree()
	if err != nil {
		return err
	}

	err = worktree.PullContext(ctx, &git.PullOptions{
		Auth:       f.auth,
		RemoteName: "origin",
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return err
	}
	return nil
}
