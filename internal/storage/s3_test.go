package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/dmitrijs2005/podsync/internal/common"
	"github.com/dmitrijs2005/podsync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	modified map[string]time.Time
	err      error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, modified: map[string]time.Time{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	b, _ := io.ReadAll(in.Body)
	f.objects[aws.ToString(in.Key)] = b
	f.modified[aws.ToString(in.Key)] = time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	m, ok := f.modified[aws.ToString(in.Key)]
	if !ok {
		return nil, responseError(http.StatusNotFound)
	}
	return &s3.HeadObjectOutput{LastModified: aws.Time(m)}, nil
}

func responseError(status int) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      errors.New("api error"),
		},
	}
}

func TestS3_WriteReadHead(t *testing.T) {
	api := newFakeS3()
	p := NewS3Provider(api, "bucket", "families/fam-A.json", NewConfigStore(newMemKV()), nil, logging.Nop())
	ctx := context.Background()

	require.NoError(t, p.RequestAccess(ctx), "missing object is fine before the first save")

	require.NoError(t, p.Write(ctx, []byte("pod")))
	got, err := p.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pod", string(got))

	mod, err := p.LastModified(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC), mod)
}

func TestS3_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "no such key", err: &types.NoSuchKey{}, want: common.ErrRemoteNotFound},
		{name: "404", err: responseError(http.StatusNotFound), want: common.ErrRemoteNotFound},
		{name: "401", err: responseError(http.StatusUnauthorized), want: common.ErrAuthExpired},
		{name: "403", err: responseError(http.StatusForbidden), want: common.ErrAuthExpired},
		{name: "500", err: responseError(http.StatusInternalServerError), want: common.ErrRemoteError},
		{name: "dial", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: common.ErrNetworkUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, classifyS3("get", tt.err), tt.want)
		})
	}
}

func TestS3_NetworkFailureQueuesWrite(t *testing.T) {
	api := newFakeS3()
	api.err = &net.OpError{Op: "dial", Err: errors.New("no route")}
	queue := &recordingQueue{}
	p := NewS3Provider(api, "bucket", "k", NewConfigStore(newMemKV()), queue, logging.Nop())

	require.NoError(t, p.Write(context.Background(), []byte("offline")))
	assert.Equal(t, []byte("offline"), queue.last())

	mod, err := p.LastModified(context.Background())
	require.NoError(t, err)
	assert.True(t, mod.IsZero())
}

func TestS3_ForbiddenIsNotQueued(t *testing.T) {
	api := newFakeS3()
	api.err = responseError(http.StatusForbidden)
	queue := &recordingQueue{}
	p := NewS3Provider(api, "bucket", "k", NewConfigStore(newMemKV()), queue, logging.Nop())

	require.ErrorIs(t, p.Write(context.Background(), []byte("x")), common.ErrAuthExpired)
	assert.Nil(t, queue.last())
}

func TestS3_DisconnectAndPersist(t *testing.T) {
	kv := newMemKV()
	p := NewS3Provider(newFakeS3(), "bucket", "k", NewConfigStore(kv), nil, logging.Nop())
	ctx := context.Background()

	require.NoError(t, p.Persist(ctx, "fam-A"))
	assert.JSONEq(t, `{"type":"s3","s3Key":"k"}`, string(kv.m["provider:fam-A"]))

	require.NoError(t, p.Disconnect(ctx))
	assert.False(t, p.IsReady(ctx))
	require.ErrorIs(t, p.Write(ctx, []byte("x")), common.ErrNotConfigured)
}

func TestNewS3Client_UsesSeams(t *testing.T) {
	origLoad, origNew := loadDefaultAWSConfig, newS3ClientFromConfig
	t.Cleanup(func() {
		loadDefaultAWSConfig = origLoad
		newS3ClientFromConfig = origNew
	})

	var gotRegion string
	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var lo awsconfig.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&lo))
		}
		gotRegion = lo.Region
		assert.NotNil(t, lo.Credentials, "static credentials configured")
		return aws.Config{Region: lo.Region}, nil
	}

	var opts s3.Options
	fake := newFakeS3()
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) S3API {
		for _, fn := range optFns {
			fn(&opts)
		}
		return fake
	}

	api, err := NewS3Client(context.Background(), S3Settings{
		Region: "eu-central-1", Endpoint: "http://minio:9000", AccessKey: "ak", SecretKey: "sk",
	})
	require.NoError(t, err)
	assert.Same(t, fake, api)
	assert.Equal(t, "eu-central-1", gotRegion)
	assert.Equal(t, "http://minio:9000", aws.ToString(opts.BaseEndpoint))
	assert.True(t, opts.UsePathStyle)
}

func TestNewS3Client_ConfigError(t *testing.T) {
	orig := loadDefaultAWSConfig
	t.Cleanup(func() { loadDefaultAWSConfig = orig })
	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("boom")
	}

	_, err := NewS3Client(context.Background(), S3Settings{Region: "x"})
	require.ErrorContains(t, err, "boom")
}
