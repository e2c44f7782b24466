// Package objectstore reads uploaded dataset files from S3 compatible
// object storage.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/phrazzld/scry-ingest/internal/config"
	"github.com/phrazzld/scry-ingest/internal/source"
)

// FilenameMetadataKey is the object metadata entry holding the original
// upload name. S3 returns user metadata keys lower-cased.
const FilenameMetadataKey = "filename"

// ErrObjectNotFound is returned when the file's object does not exist.
var ErrObjectNotFound = errors.New("file object not found")

type objectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// FileReader reads fileLocal sources. Objects are stored under
// "<team id>/<file id>" in one bucket.
type FileReader struct {
	client  objectGetter
	bucket  string
	maxBody int64
	logger  *slog.Logger
}

var _ source.Reader = (*FileReader)(nil)

// New builds a FileReader from the default AWS credential chain and the
// sources configuration.
func New(ctx context.Context, cfg config.SourcesConfig, logger *slog.Logger) (*FileReader, error) {
	if cfg.FileBucket == "" {
		return nil, errors.New("file bucket cannot be empty")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.FileRegion != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.FileRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.FileEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.FileEndpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newFileReader(client, cfg.FileBucket, cfg.MaxBodyBytes, logger), nil
}

func newFileReader(client objectGetter, bucket string, maxBody int64, logger *slog.Logger) *FileReader {
	if maxBody <= 0 {
		maxBody = source.DefaultMaxBodyBytes
	}
	return &FileReader{
		client:  client,
		bucket:  bucket,
		maxBody: maxBody,
		logger:  logger.With("component", "file_reader", "bucket", bucket),
	}
}

// ObjectKey returns the key of a team's file.
func ObjectKey(desc source.Descriptor) string {
	return desc.TeamID.String() + "/" + desc.SourceID
}

// Read implements source.Reader.
func (r *FileReader) Read(ctx context.Context, desc source.Descriptor) (source.Document, error) {
	if desc.SourceID == "" {
		return source.Document{}, fmt.Errorf("%w: file id", source.ErrMissingSourceRef)
	}
	key := ObjectKey(desc)

	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return source.Document{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return source.Document{}, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(out.Body, r.maxBody+1))
	if err != nil {
		return source.Document{}, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	if int64(len(body)) > r.maxBody {
		return source.Document{}, fmt.Errorf("%w: %s is larger than %d bytes", source.ErrSourceTooLarge, key, r.maxBody)
	}

	name := desc.SourceID
	if v, ok := out.Metadata[FilenameMetadataKey]; ok && v != "" {
		name = v
	}
	doc, err := source.Extract(name, body, "")
	if err != nil {
		return source.Document{}, err
	}
	r.logger.DebugContext(ctx, "file read", "key", key, "name", name, "bytes", len(body))
	return doc, nil
}
