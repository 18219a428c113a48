package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds the configuration for S3 storage.
type S3Config struct {
	Bucket          string
	Region          string
	Prefix          string // Optional: key prefix, e.g. "artifacts/"
	Endpoint        string // Optional: for custom S3-compatible endpoints
	AccessKeyID     string // Optional: AWS access key ID
	SecretAccessKey string // Optional: AWS secret access key
}

// S3Storage wraps LocalStorage and mirrors every artifact to S3.
// Local disk serves reads; artifacts missing locally are restored from the
// bucket on demand.
type S3Storage struct {
	*LocalStorage
	client *s3.Client
	bucket string
	region string
	prefix string
}

// NewS3Storage creates a new S3Storage instance.
// The dir parameter specifies the local artifact directory.
// The cfg parameter contains S3 configuration.
func NewS3Storage(dir string, cfg S3Config) (*S3Storage, error) {
	local, err := NewLocalStorage(dir)
	if err != nil {
		return nil, err
	}

	var configOpts []func(*config.LoadOptions) error
	configOpts = append(configOpts, config.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
			// S3-compatible stores often reject trailing checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		})
	}

	return &S3Storage{
		LocalStorage: local,
		client:       s3.NewFromConfig(awsCfg, clientOpts...),
		bucket:       cfg.Bucket,
		region:       cfg.Region,
		prefix:       cfg.Prefix,
	}, nil
}

func (s *S3Storage) key(path string) string {
	return s.prefix + filepath.Base(path)
}

// URL returns the public URL of an artifact.
func (s *S3Storage) URL(path string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, s.key(path))
}

// Write stores data locally and uploads it to S3.
func (s *S3Storage) Write(ctx context.Context, name string, data io.Reader) (string, int64, error) {
	path, size, err := s.LocalStorage.Write(ctx, name, data)
	if err != nil {
		return "", 0, err
	}

	f, err := os.Open(path) // #nosec G304 - path was just written by LocalStorage
	if err != nil {
		return "", 0, fmt.Errorf("reopen artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(path)),
		Body:          f,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType(name)),
	})
	if err != nil {
		return "", 0, fmt.Errorf("upload to S3: %w", err)
	}
	return path, size, nil
}

// Read opens the local copy, restoring it from S3 first if needed.
func (s *S3Storage) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	ok, err := s.LocalStorage.Exists(ctx, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := s.restore(ctx, path); err != nil {
			return nil, err
		}
	}
	return s.LocalStorage.Read(ctx, path)
}

func (s *S3Storage) restore(ctx context.Context, path string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("download from S3: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	if _, _, err := s.LocalStorage.Write(ctx, filepath.Base(path), out.Body); err != nil {
		return fmt.Errorf("restore artifact: %w", err)
	}
	return nil
}

// Exists checks the local copy and then the bucket.
func (s *S3Storage) Exists(ctx context.Context, path string) (bool, error) {
	ok, err := s.LocalStorage.Exists(ctx, path)
	if err != nil || ok {
		return ok, err
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head S3 object: %w", err)
	}
	return true, nil
}

// Delete removes the artifact locally and from S3.
func (s *S3Storage) Delete(ctx context.Context, path string) error {
	if err := s.LocalStorage.Delete(ctx, path); err != nil {
		return err
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete S3 object: %w", err)
	}
	return nil
}

// List returns the union of local artifacts and objects under the prefix.
// Objects only present in S3 report the local path they will be restored to.
func (s *S3Storage) List(ctx context.Context) ([]Object, error) {
	objects, err := s.LocalStorage.List(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(objects))
	for _, o := range objects {
		seen[o.Name] = true
	}

	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list S3 objects: %w", err)
		}
		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			if !validName(name) || seen[name] {
				continue
			}
			seen[name] = true
			objects = append(objects, Object{
				Name:    name,
				Path:    s.PathFor(name),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	return objects, nil
}

func isNotFound(err error) bool {
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4":
		return "video/mp4"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// Compile-time check that S3Storage implements Storage.
var _ Storage = (*S3Storage)(nil)
