package fetchers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// S3Config contains configuration for S3 fetcher.
type S3Config struct {
	Bucket     string
	Region     string
	Prefix     string // Root of the document tree in the bucket
	Endpoint   string // Custom endpoint for S3-compatible services
	AuthType   string // keys, sts_role, or empty for the default chain
	AccessKey  string
	SecretKey  string
	RoleARN    string
	ExternalID string
}

// s3API is the part of *s3.Client the fetcher uses.
type s3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher reads checklists and catalogs from S3 or MinIO.
type S3Fetcher struct {
	config S3Config
	client s3API
}

// NewS3Fetcher creates a new S3 fetcher.
func NewS3Fetcher(ctx context.Context, cfg S3Config) (*S3Fetcher, error) {
	awsOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}

	switch cfg.AuthType {
	case "keys":
		awsOpts = append(awsOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	case "sts_role":
		baseCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		stsClient := sts.NewFromConfig(baseCfg)
		creds := stscreds.NewAssumeRoleProvider(stsClient, cfg.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			if cfg.ExternalID != "" {
				o.ExternalID = aws.String(cfg.ExternalID)
			}
		})
		awsOpts = append(awsOpts, config.WithCredentialsProvider(aws.NewCredentialsCache(creds)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // MinIO
		})
	}

	return &S3Fetcher{config: cfg, client: s3.NewFromConfig(awsCfg, s3Opts...)}, nil
}

func (f *S3Fetcher) root() string {
	prefix := f.config.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// Fetch downloads the matching objects under opts.Dir.
func (f *S3Fetcher) Fetch(ctx context.Context, opts FetchOptions) (*FetchResult, error) {
	dir, err := cleanRelative(opts.Dir)
	if err != nil {
		return nil, err
	}

	root := f.root()
	prefix := root
	if dir != "" {
		prefix += dir + "/"
	}

	var (
		docs   []Document
		hashes []string
		budget = sizeBudget{opts: opts}
	)

	paginator := s3.NewListObjectsV2Paginator(f.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(f.config.Bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") || !matchesExtension(key, opts.Extensions) {
				continue
			}

			ok, err := budget.admit(aws.ToInt64(obj.Size))
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}

			content, err := f.get(ctx, key, 0)
			if err != nil {
				return nil, err
			}

			hashes = append(hashes, key+"@"+aws.ToString(obj.ETag))
			docs = append(docs, Document{Path: strings.TrimPrefix(key, root), Data: content})
		}
	}

	sortDocuments(docs)
	return &FetchResult{
		Documents: docs,
		Hash:      computeCombinedHash(hashes),
		FetchedAt: time.Now(),
		TotalSize: budget.total,
	}, nil
}

// ReadFile reads a single object relative to the prefix.
func (f *S3Fetcher) ReadFile(ctx context.Context, path string, maxSize int64) ([]byte, error) {
	clean, err := cleanRelative(path)
	if err != nil {
		return nil, err
	}
	if clean == "" {
		return nil, fmt.Errorf("path is required")
	}
	return f.get(ctx, f.root()+clean, maxSize)
}

func (f *S3Fetcher) get(ctx context.Context, key string, maxSize int64) ([]byte, error) {
	resp, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	defer resp.Body.Close()

	return readLimited(resp.Body, key, maxSize)
}

// Close releases resources.
func (f *S3Fetcher) Close() error {
	return nil
}

// readLimited reads r, failing with ErrFileTooLarge past maxSize bytes.
func readLimited(r io.Reader, name string, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		content, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		return content, nil
	}

	content, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if int64(len(content)) > maxSize {
		return nil, fmt.Errorf("%s: %w", name, ErrFileTooLarge)
	}
	return content, nil
}

// computeCombinedHash hashes the sorted entries with separators, so
// listing order does not matter and ["ab","c"] differs from ["a","bc"].
func computeCombinedHash(hashes []string) string {
	if len(hashes) == 0 {
		return ""
	}

	sorted := make([]string, len(hashes))
	copy(sorted, hashes)
	sort.Strings(sorted)

	var buf bytes.Buffer
	for i, h := range sorted {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(h)
	}

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}
