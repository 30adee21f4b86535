package firmware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"flashguard/internal/config"
	"flashguard/internal/flash"
)

// S3Source reads firmware from an S3 bucket using the same layout as
// FileSystemSource under an optional key prefix.
type S3Source struct {
	client     *s3.Client
	downloader *manager.Downloader
	uploader   *manager.Uploader
	bucket     string
	prefix     string
}

// NewS3Source wraps an existing client.
func NewS3Source(client *s3.Client, bucket, prefix string) *S3Source {
	prefix = strings.Trim(prefix, "/")
	return &S3Source{
		client:     client,
		downloader: manager.NewDownloader(client),
		uploader:   manager.NewUploader(client),
		bucket:     bucket,
		prefix:     prefix,
	}
}

// NewS3SourceFromConfig builds a client from the firmware config. A custom
// endpoint switches to path-style addressing for S3-compatible stores.
func NewS3SourceFromConfig(ctx context.Context, cfg config.FirmwareConfig) (*S3Source, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Source(client, cfg.S3Bucket, cfg.S3Prefix), nil
}

func (s *S3Source) key(version, name string) string {
	if s.prefix == "" {
		return path.Join(version, name)
	}
	return path.Join(s.prefix, version, name)
}

func (s *S3Source) Fetch(ctx context.Context, ref string) (*flash.FirmwareArtifact, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	manifest, err := s.download(ctx, s.key(ref, manifestName))
	if err != nil {
		return nil, fmt.Errorf("firmware %s manifest: %w", ref, err)
	}
	image, err := s.download(ctx, s.key(ref, imageName))
	if err != nil {
		return nil, fmt.Errorf("firmware %s image: %w", ref, err)
	}
	return buildArtifact(ref, manifest, image)
}

func (s *S3Source) download(ctx context.Context, key string) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noKey) || errors.As(err, &notFound) {
			return nil, fmt.Errorf("s3://%s/%s: %w", s.bucket, key, flash.ErrNotFound)
		}
		return nil, fmt.Errorf("downloading s3://%s/%s: %w", s.bucket, key, err)
	}
	return buf.Bytes(), nil
}

// Publish uploads the image first and the manifest last.
func (s *S3Source) Publish(ctx context.Context, m flash.Manifest, content []byte) error {
	m, err := completeManifest(m, content)
	if err != nil {
		return err
	}
	data, err := encodeManifest(m)
	if err != nil {
		return err
	}
	if err := s.upload(ctx, s.key(m.Version, imageName), content, "application/octet-stream"); err != nil {
		return err
	}
	return s.upload(ctx, s.key(m.Version, manifestName), data, "application/json")
}

func (s *S3Source) upload(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// Versions lists every version with a manifest under the prefix.
func (s *S3Source) Versions(ctx context.Context) ([]string, error) {
	listPrefix := ""
	if s.prefix != "" {
		listPrefix = s.prefix + "/"
	}
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(listPrefix),
	})

	var out []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s/%s: %w", s.bucket, listPrefix, err)
		}
		for _, obj := range page.Contents {
			rest := strings.TrimPrefix(aws.ToString(obj.Key), listPrefix)
			version, name, ok := strings.Cut(rest, "/")
			if ok && name == manifestName {
				out = append(out, version)
			}
		}
	}
	slices.Sort(out)
	return out, nil
}

var _ Source = (*S3Source)(nil)
