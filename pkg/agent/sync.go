package agent

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/armanisadeghi/matrx-sandbox/pkg/log"
)

// keepMarker objects pin empty prefixes; they never sync down and never
// get deleted on the way up.
const keepMarker = ".keep"

// syncAttempts bounds a whole-tree mirror pass; the backoff between
// attempts doubles from syncBackoffBase.
const syncAttempts = 3

var syncBackoffBase = 1 * time.Second

// deleteBatchSize is the S3 DeleteObjects per-request key limit.
const deleteBatchSize = 1000

// excludedSuffixes and excludedNames keep editor droppings and caches
// out of both directions of the mirror.
var (
	excludedSuffixes = []string{".tmp", ".swp", "~"}
	excludedNames    = []string{".DS_Store", "__pycache__"}
)

// S3API is the slice of the S3 surface the syncer uses. The package
// tests substitute an in-memory bucket.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Syncer mirrors a local directory against an S3 prefix. Comparison is
// by relative path and size; the destination side of each direction is
// made to match exactly, exclusions aside.
type Syncer struct {
	client S3API
	bucket string
}

// NewSyncer builds a syncer against the given bucket.
func NewSyncer(client S3API, bucket string) *Syncer {
	return &Syncer{client: client, bucket: bucket}
}

// SyncDown mirrors the remote prefix into dir: changed and new objects
// download, local files absent from the prefix are removed.
func (s *Syncer) SyncDown(ctx context.Context, prefix, dir string) error {
	return withRetry(ctx, "sync down", func() error {
		return s.syncDownOnce(ctx, prefix, dir)
	})
}

// SyncUp mirrors dir into the remote prefix: changed and new files
// upload, remote objects absent locally are deleted.
func (s *Syncer) SyncUp(ctx context.Context, dir, prefix string) error {
	return withRetry(ctx, "sync up", func() error {
		return s.syncUpOnce(ctx, dir, prefix)
	})
}

func (s *Syncer) syncDownOnce(ctx context.Context, prefix, dir string) error {
	remote, err := s.listRemote(ctx, prefix)
	if err != nil {
		return err
	}
	local, err := listLocal(dir)
	if err != nil {
		return err
	}

	var downloaded, removed int
	for rel, size := range remote {
		if have, ok := local[rel]; ok && have == size {
			continue
		}
		if err := s.download(ctx, prefix+rel, filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
			return err
		}
		downloaded++
	}
	for rel := range local {
		if _, ok := remote[rel]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(dir, filepath.FromSlash(rel))); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove extraneous file %s: %w", rel, err)
		}
		removed++
	}

	logger := log.WithComponent("agent")
	logger.Info().
		Str("prefix", prefix).
		Int("downloaded", downloaded).
		Int("removed", removed).
		Msg("Hot tier synced down")
	return nil
}

func (s *Syncer) syncUpOnce(ctx context.Context, dir, prefix string) error {
	remote, err := s.listRemote(ctx, prefix)
	if err != nil {
		return err
	}
	local, err := listLocal(dir)
	if err != nil {
		return err
	}

	var uploaded int
	for rel, size := range local {
		if have, ok := remote[rel]; ok && have == size {
			continue
		}
		if err := s.upload(ctx, filepath.Join(dir, filepath.FromSlash(rel)), prefix+rel); err != nil {
			return err
		}
		uploaded++
	}

	var stale []s3types.ObjectIdentifier
	for rel := range remote {
		if _, ok := local[rel]; !ok {
			stale = append(stale, s3types.ObjectIdentifier{Key: aws.String(prefix + rel)})
		}
	}
	if len(stale) > 0 {
		// Deterministic order keeps retries and logs stable.
		sort.Slice(stale, func(i, j int) bool {
			return aws.ToString(stale[i].Key) < aws.ToString(stale[j].Key)
		})
		for start := 0; start < len(stale); start += deleteBatchSize {
			batch := stale[start:min(start+deleteBatchSize, len(stale))]
			_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(s.bucket),
				Delete: &s3types.Delete{Objects: batch, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return fmt.Errorf("failed to delete stale objects: %w", err)
			}
		}
	}

	logger := log.WithComponent("agent")
	logger.Info().
		Str("prefix", prefix).
		Int("uploaded", uploaded).
		Int("deleted", len(stale)).
		Msg("Hot tier synced up")
	return nil
}

// listRemote maps relative key to size for every object under prefix,
// markers and excluded names skipped.
func (s *Syncer) listRemote(ctx context.Context, prefix string) (map[string]int64, error) {
	out := make(map[string]int64)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if rel == "" || rel == keepMarker || excluded(rel) {
				continue
			}
			out[rel] = aws.ToInt64(obj.Size)
		}
	}
	return out, nil
}

// listLocal maps slash-separated relative path to size for every
// regular file under dir, excluded names skipped. A missing dir is an
// empty tree.
func listLocal(dir string) (map[string]int64, error) {
	out := make(map[string]int64)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir && os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if path != dir && excluded(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || excluded(rel) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		out[rel] = info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return out, nil
}

// excluded reports whether a relative path names a transient file or
// lives inside an excluded directory. Directory paths carry a trailing
// slash.
func excluded(rel string) bool {
	trimmed := strings.TrimSuffix(rel, "/")
	for _, part := range strings.Split(trimmed, "/") {
		for _, name := range excludedNames {
			if part == name {
				return true
			}
		}
	}
	for _, suffix := range excludedSuffixes {
		if strings.HasSuffix(path.Base(trimmed), suffix) {
			return true
		}
	}
	return false
}

func (s *Syncer) download(ctx context.Context, key, path string) error {
	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer obj.Body.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	if _, err := io.Copy(f, obj.Body); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func (s *Syncer) upload(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// withRetry runs op up to syncAttempts times with doubling backoff
// between attempts.
func withRetry(ctx context.Context, what string, op func() error) error {
	var err error
	for attempt := 0; attempt < syncAttempts; attempt++ {
		if attempt > 0 {
			backoff := syncBackoffBase << (attempt - 1)
			logger := log.WithComponent("agent")
			logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msgf("Retrying %s", what)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = op(); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", what, syncAttempts, err)
}
