package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stavxyz/graftpunk-sub002/pkg/errs"
)

const (
	s3BlobObject = "ciphertext.bin"
	s3MetaObject = "metadata.json"

	// s3ListConcurrency bounds parallel metadata fetches during List.
	s3ListConcurrency = 8
)

// S3Config configures the S3 backend.
type S3Config struct {
	// Bucket is the target bucket name.
	Bucket string `yaml:"bucket"`
	// Prefix is prepended to every object key (default: "graftpunk/sessions/").
	Prefix string `yaml:"prefix"`
	// Region overrides the region from the default AWS config chain.
	Region string `yaml:"region"`
	// Endpoint targets an S3-compatible service such as MinIO or R2.
	Endpoint string `yaml:"endpoint"`
}

// s3API is the subset of the S3 client used by S3Backend.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Backend implements Backend on S3 or an S3-compatible object store.
// Each session is two objects under <prefix><name>/.
type S3Backend struct {
	client s3API
	bucket string
	prefix string
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewS3Backend builds a client from the default AWS credential chain.
func NewS3Backend(ctx context.Context, cfg S3Config, opts ...Option) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errs.Newf(errs.KindConfig, "storage open", "s3", "bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errs.New(errs.KindConfig, "storage open", "s3", fmt.Errorf("load aws config: %w", err))
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Backend(client, cfg.Bucket, cfg.Prefix, opts...), nil
}

func newS3Backend(client s3API, bucket, prefix string, opts ...Option) *S3Backend {
	if prefix == "" {
		prefix = "graftpunk/sessions/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	o := applyOptions(opts)
	return &S3Backend{client: client, bucket: bucket, prefix: prefix, logger: o.logger}
}

func (b *S3Backend) key(name, object string) string {
	return b.prefix + name + "/" + object
}

func (b *S3Backend) checkOpen(op, name string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return closed(op, name)
	}
	return nil
}

// Save uploads the ciphertext, then the metadata document.
func (b *S3Backend) Save(ctx context.Context, name string, ciphertext []byte, meta *Metadata) (string, error) {
	const op = "storage save"
	if err := ValidateName(name); err != nil {
		return "", invalidName(op, name)
	}
	if err := b.checkOpen(op, name); err != nil {
		return "", err
	}

	m := prepareMetadata(name, uuid.New().String(), meta)
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	if err := b.put(ctx, b.key(name, s3BlobObject), ciphertext, "application/octet-stream"); err != nil {
		return "", s3StorageError(op, name, err)
	}
	if err := b.put(ctx, b.key(name, s3MetaObject), data, "application/json"); err != nil {
		return "", s3StorageError(op, name, err)
	}
	return m.ID, nil
}

func (b *S3Backend) put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	return err
}

func (b *S3Backend) get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

// Load downloads both objects.
func (b *S3Backend) Load(ctx context.Context, name string) ([]byte, *Metadata, error) {
	const op = "storage load"
	if err := ValidateName(name); err != nil {
		return nil, nil, invalidName(op, name)
	}
	if err := b.checkOpen(op, name); err != nil {
		return nil, nil, err
	}

	meta, err := b.loadMeta(ctx, name)
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil, notFound(op, name)
		}
		return nil, nil, s3StorageError(op, name, err)
	}

	ciphertext, err := b.get(ctx, b.key(name, s3BlobObject))
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil, notFound(op, name)
		}
		return nil, nil, s3StorageError(op, name, err)
	}
	return ciphertext, meta, nil
}

func (b *S3Backend) loadMeta(ctx context.Context, name string) (*Metadata, error) {
	data, err := b.get(ctx, b.key(name, s3MetaObject))
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &meta, nil
}

// List pages through metadata objects and fetches them concurrently.
func (b *S3Backend) List(ctx context.Context) ([]*Metadata, error) {
	const op = "storage list"
	if err := b.checkOpen(op, ""); err != nil {
		return nil, err
	}

	var names []string
	var token *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(b.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, s3StorageError(op, "", err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			rest := strings.TrimPrefix(key, b.prefix)
			name, object, ok := strings.Cut(rest, "/")
			if ok && object == s3MetaObject {
				names = append(names, name)
			}
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}

	results := make([]*Metadata, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s3ListConcurrency)
	for i, name := range names {
		g.Go(func() error {
			meta, err := b.loadMeta(gctx, name)
			if err != nil {
				if isS3NotFound(err) {
					return nil
				}
				var syntaxErr *json.SyntaxError
				if errors.As(err, &syntaxErr) {
					b.logger.Warn("skipping unreadable session metadata",
						zap.String("session", name), zap.Error(err))
					return nil
				}
				return s3StorageError(op, name, err)
			}
			results[i] = meta
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*Metadata, 0, len(results))
	for _, m := range results {
		if m != nil {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes both objects, reporting false if no metadata object existed.
func (b *S3Backend) Delete(ctx context.Context, name string) (bool, error) {
	const op = "storage delete"
	if err := ValidateName(name); err != nil {
		return false, invalidName(op, name)
	}
	if err := b.checkOpen(op, name); err != nil {
		return false, err
	}

	existed := true
	if _, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(name, s3MetaObject)),
	}); err != nil {
		if !isS3NotFound(err) {
			return false, s3StorageError(op, name, err)
		}
		existed = false
	}

	for _, object := range []string{s3MetaObject, s3BlobObject} {
		if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key(name, object)),
		}); err != nil && !isS3NotFound(err) {
			return existed, s3StorageError(op, name, err)
		}
	}
	return existed, nil
}

// Close marks the backend closed. The S3 client holds no resources.
func (b *S3Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

// s3StorageError marks server faults and non-API (network) errors transient.
func s3StorageError(op, name string, err error) error {
	transient := true
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		transient = apiErr.ErrorFault() == smithy.FaultServer
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		transient = false
	}
	return errs.Storage(op, name, transient, err)
}
