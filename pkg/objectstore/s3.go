package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/armanisadeghi/matrx-sandbox/pkg/errdefs"
	"github.com/armanisadeghi/matrx-sandbox/pkg/log"
)

// Tiers of per-user storage. Hot is synced whole into the container,
// cold is mounted lazily by the agent.
const (
	TierHot  = "hot"
	TierCold = "cold"
	TierAll  = "all"
)

// keepMarker is the zero-byte object that pins a tier prefix into
// existence before any real object lands under it.
const keepMarker = ".keep"

// deleteBatchSize is the S3 DeleteObjects request ceiling.
const deleteBatchSize = 1000

// TierStats totals one tier of a user's storage.
type TierStats struct {
	Objects int64 `json:"objects"`
	Bytes   int64 `json:"bytes"`
}

// StorageStats totals both tiers.
type StorageStats struct {
	Hot  TierStats `json:"hot"`
	Cold TierStats `json:"cold"`
}

// Gateway owns the users/{user_id}/{tier}/ key layout in the sandbox
// bucket.
type Gateway interface {
	// EnsureUserStorage creates the hot and cold prefixes for a user.
	// Idempotent.
	EnsureUserStorage(ctx context.Context, userID string) error

	// UserStorageStats counts objects and bytes per tier, markers
	// excluded.
	UserStorageStats(ctx context.Context, userID string) (StorageStats, error)

	// CleanupUserStorage deletes every object under the given tier
	// (TierAll wipes both) and returns the number deleted.
	CleanupUserStorage(ctx context.Context, userID, tier string) (int64, error)

	// HealthCheck verifies the bucket is reachable.
	HealthCheck(ctx context.Context) error
}

// S3Gateway is the AWS implementation of Gateway.
type S3Gateway struct {
	client *s3.Client
	bucket string
}

// Options configures the S3 connection.
type Options struct {
	Bucket string
	Region string

	// Endpoint overrides the S3 endpoint for MinIO or localstack;
	// path-style addressing is forced when set.
	Endpoint string
}

// New builds the gateway from the default AWS credential chain.
func New(ctx context.Context, opts Options) (*S3Gateway, error) {
	if opts.Bucket == "" {
		return nil, errdefs.Validation("object store bucket is required")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	logger := log.WithComponent("objectstore")
	logger.Info().
		Str("bucket", opts.Bucket).
		Str("region", opts.Region).
		Msg("Object store gateway initialized")

	return &S3Gateway{client: client, bucket: opts.Bucket}, nil
}

// NewWithClient wires an existing client, for tests against MinIO.
func NewWithClient(client *s3.Client, bucket string) *S3Gateway {
	return &S3Gateway{client: client, bucket: bucket}
}

func (g *S3Gateway) EnsureUserStorage(ctx context.Context, userID string) error {
	for _, tier := range []string{TierHot, TierCold} {
		key := tierPrefix(userID, tier) + keepMarker
		_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(g.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(nil),
		})
		if err != nil {
			return fmt.Errorf("failed to create storage marker %s: %w", key, err)
		}
	}

	logger := log.WithComponent("objectstore")
	logger.Debug().
		Str("user_id", userID).
		Msg("User storage ensured")
	return nil
}

func (g *S3Gateway) UserStorageStats(ctx context.Context, userID string) (StorageStats, error) {
	var stats StorageStats
	for _, tier := range []string{TierHot, TierCold} {
		ts, err := g.tierStats(ctx, userID, tier)
		if err != nil {
			return StorageStats{}, err
		}
		if tier == TierHot {
			stats.Hot = ts
		} else {
			stats.Cold = ts
		}
	}
	return stats, nil
}

func (g *S3Gateway) tierStats(ctx context.Context, userID, tier string) (TierStats, error) {
	var ts TierStats
	prefix := tierPrefix(userID, tier)

	paginator := s3.NewListObjectsV2Paginator(g.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(g.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return TierStats{}, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if strings.HasSuffix(aws.ToString(obj.Key), "/"+keepMarker) {
				continue
			}
			ts.Objects++
			ts.Bytes += aws.ToInt64(obj.Size)
		}
	}
	return ts, nil
}

func (g *S3Gateway) CleanupUserStorage(ctx context.Context, userID, tier string) (int64, error) {
	var prefix string
	switch tier {
	case TierHot, TierCold:
		prefix = tierPrefix(userID, tier)
	case TierAll:
		prefix = userPrefix(userID)
	default:
		return 0, errdefs.Validation("unknown storage tier %q", tier)
	}

	var deleted int64
	paginator := s3.NewListObjectsV2Paginator(g.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(g.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, fmt.Errorf("failed to list %s: %w", prefix, err)
		}

		batch := make([]s3types.ObjectIdentifier, 0, deleteBatchSize)
		for _, obj := range page.Contents {
			batch = append(batch, s3types.ObjectIdentifier{Key: obj.Key})
			if len(batch) == deleteBatchSize {
				n, err := g.deleteBatch(ctx, batch)
				deleted += n
				if err != nil {
					return deleted, err
				}
				batch = batch[:0]
			}
		}
		if len(batch) > 0 {
			n, err := g.deleteBatch(ctx, batch)
			deleted += n
			if err != nil {
				return deleted, err
			}
		}
	}

	logger := log.WithComponent("objectstore")
	logger.Info().
		Str("user_id", userID).
		Str("tier", tier).
		Int64("deleted", deleted).
		Msg("User storage cleaned up")
	return deleted, nil
}

func (g *S3Gateway) deleteBatch(ctx context.Context, batch []s3types.ObjectIdentifier) (int64, error) {
	out, err := g.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(g.bucket),
		Delete: &s3types.Delete{
			Objects: batch,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete objects: %w", err)
	}
	if len(out.Errors) > 0 {
		first := out.Errors[0]
		return int64(len(batch) - len(out.Errors)), fmt.Errorf(
			"failed to delete %d objects (first: %s %s)",
			len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
	}
	return int64(len(batch)), nil
}

func (g *S3Gateway) HealthCheck(ctx context.Context) error {
	_, err := g.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(g.bucket),
	})
	if err != nil {
		return errdefs.Unavailable("bucket %s unreachable: %v", g.bucket, err)
	}
	return nil
}

func userPrefix(userID string) string {
	return "users/" + userID + "/"
}

func tierPrefix(userID, tier string) string {
	return userPrefix(userID) + tier + "/"
}
