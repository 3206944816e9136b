package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmitrijs2005/podsync/internal/common"
	"github.com/dmitrijs2005/podsync/internal/logging"
)

// S3API is the part of *s3.Client the provider uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) S3API {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// S3Settings locate the bucket. Empty credentials fall back to the default
// AWS credential chain.
type S3Settings struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3Client builds an S3 client from settings. A custom endpoint (MinIO
// and similar) switches to path-style addressing.
func NewS3Client(ctx context.Context, s S3Settings) (S3API, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(s.Region)}
	if s.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKey, s.SecretKey, "")))
	}

	cfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if s.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// S3Provider stores the pod file as one object in a bucket. Credentials are
// static, so there is no interactive access step: 401 and 403 both mean the
// credentials need replacing.
type S3Provider struct {
	api     S3API
	bucket  string
	configs *ConfigStore
	queue   Enqueuer
	log     logging.Logger

	mu  sync.Mutex
	key string
}

func NewS3Provider(api S3API, bucket, key string, configs *ConfigStore, queue Enqueuer, log logging.Logger) *S3Provider {
	return &S3Provider{
		api:     api,
		bucket:  bucket,
		key:     key,
		configs: configs,
		queue:   queue,
		log:     log.With("provider", TypeS3),
	}
}

func (p *S3Provider) Type() Type { return TypeS3 }

func (p *S3Provider) SetQueue(q Enqueuer) {
	p.mu.Lock()
	p.queue = q
	p.mu.Unlock()
}

// Location returns the bucket and object key.
func (p *S3Provider) Location() (bucket, key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bucket, p.key
}

func (p *S3Provider) objectKey() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.key == "" {
		return "", fmt.Errorf("s3: no object key: %w", common.ErrNotConfigured)
	}
	return p.key, nil
}

func (p *S3Provider) Write(ctx context.Context, content []byte) error {
	key, err := p.objectKey()
	if err != nil {
		return err
	}

	_, err = p.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(podMimeType),
	})
	if err == nil {
		return nil
	}

	err = classifyS3("put", err)

	p.mu.Lock()
	queue := p.queue
	p.mu.Unlock()
	if errors.Is(err, common.ErrNetworkUnavailable) && queue != nil {
		p.log.Warn(ctx, "network unavailable, queueing write", "bytes", len(content))
		return queue.Enqueue(ctx, content)
	}
	return err
}

func (p *S3Provider) Read(ctx context.Context) ([]byte, error) {
	key, err := p.objectKey()
	if err != nil {
		return nil, err
	}

	out, err := p.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3("get", err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("get: %w: %v", common.ErrNetworkUnavailable, err)
	}
	if len(b) == 0 {
		return nil, nil
	}
	return b, nil
}

func (p *S3Provider) LastModified(ctx context.Context) (time.Time, error) {
	key, err := p.objectKey()
	if err != nil {
		return time.Time{}, err
	}

	out, err := p.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = classifyS3("head", err)
		if errors.Is(err, common.ErrNetworkUnavailable) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return aws.ToTime(out.LastModified), nil
}

func (p *S3Provider) IsReady(ctx context.Context) bool {
	_, err := p.objectKey()
	return err == nil
}

// RequestAccess checks the object is reachable. A missing object is fine:
// the first save creates it.
func (p *S3Provider) RequestAccess(ctx context.Context) error {
	_, err := p.LastModified(ctx)
	if errors.Is(err, common.ErrRemoteNotFound) {
		return nil
	}
	return err
}

func (p *S3Provider) Persist(ctx context.Context, familyID string) error {
	key, err := p.objectKey()
	if err != nil {
		return err
	}
	return p.configs.Save(ctx, familyID, ProviderConfig{Type: TypeS3, S3Key: key})
}

func (p *S3Provider) ClearPersisted(ctx context.Context, familyID string) error {
	return p.configs.Clear(ctx, familyID)
}

func (p *S3Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	p.key = ""
	p.mu.Unlock()
	return nil
}

func classifyS3(op string, err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("s3 %s: %w", op, common.ErrRemoteNotFound)
	}

	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		switch re.HTTPStatusCode() {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("s3 %s: %w", op, common.ErrAuthExpired)
		case http.StatusNotFound:
			return fmt.Errorf("s3 %s: %w", op, common.ErrRemoteNotFound)
		default:
			return &common.RemoteError{Op: "s3 " + op, StatusCode: re.HTTPStatusCode(), Message: re.Error()}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("s3 %s: %w: %v", op, common.ErrNetworkUnavailable, err)
	}
	return fmt.Errorf("s3 %s: %w", op, err)
}
