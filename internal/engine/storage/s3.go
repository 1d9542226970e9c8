package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"

	"github.com/nemanja-m/mvexec/internal/engine/core"
	"github.com/nemanja-m/mvexec/internal/shared/config"
	"github.com/nemanja-m/mvexec/internal/shared/logging"
)

// S3BlockStore serves views stored in a bucket. The blocks of a view are
// the objects under <prefix>/<file>/ whose relative key matches pattern.
type S3BlockStore struct {
	client  s3iface.S3API
	bucket  string
	prefix  string
	pattern string
	logger  logging.Logger
}

func NewS3BlockStore(client s3iface.S3API, bucket, prefix, pattern string, logger logging.Logger) (*S3BlockStore, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid block pattern: %s", pattern)
	}
	return &S3BlockStore{
		client:  client,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		pattern: pattern,
		logger:  logger,
	}, nil
}

// NewS3Client builds an S3 client from cfg. A custom endpoint switches to
// path-style addressing.
func NewS3Client(cfg config.S3Config) (s3iface.S3API, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}
	return s3.New(sess), nil
}

func (s *S3BlockStore) viewPrefix(file string) string {
	return path.Join(s.prefix, file) + "/"
}

// Blocks lists the blocks of file sorted by key. Names that would leave the
// store prefix are reported as not found.
func (s *S3BlockStore) Blocks(ctx context.Context, file string) ([]core.BlockInfo, error) {
	name := strings.Trim(file, "/")
	if name == "" || !fs.ValidPath(name) {
		return nil, fmt.Errorf("%w: %s", core.ErrFileNotFound, file)
	}
	keyPrefix := s.viewPrefix(name)

	var blocks []core.BlockInfo
	var total int64
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(keyPrefix),
	}
	err := s.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			id := strings.TrimPrefix(key, keyPrefix)
			if ok, _ := doublestar.Match(s.pattern, id); !ok {
				continue
			}
			size := aws.Int64Value(obj.Size)
			blocks = append(blocks, core.BlockInfo{
				ID:   id,
				Size: size,
				Path: key,
				Metadata: map[string]string{
					"etag": strings.Trim(aws.StringValue(obj.ETag), `"`),
				},
			})
			total += size
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks of %s: %w", file, err)
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: s3://%s/%s", core.ErrFileNotFound, s.bucket, keyPrefix)
	}

	slices.SortFunc(blocks, func(a, b core.BlockInfo) int {
		return strings.Compare(a.ID, b.ID)
	})
	for i := range blocks {
		blocks[i].Index = i
	}

	s.logger.Debug("Listed view blocks", "bucket", s.bucket, "file", file, "blocks", len(blocks), "size", humanize.Bytes(uint64(total)))
	return blocks, nil
}

func (s *S3BlockStore) Open(ctx context.Context, block core.BlockInfo) (io.ReadCloser, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(block.Path),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open block %s: %w", block.ID, err)
	}
	return out.Body, nil
}
