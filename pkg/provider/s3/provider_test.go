package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/emop/pkg/provider"
)

type mockAPIError struct {
	code    string
	message string
}

func (e *mockAPIError) Error() string                 { return fmt.Sprintf("%s: %s", e.code, e.message) }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

var _ smithy.APIError = (*mockAPIError)(nil)

// fakeS3 keeps objects in memory.
type fakeS3 struct {
	objects   map[string]string
	listInput *s3.ListObjectsV2Input
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.listInput = in
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for k, v := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(v))), ETag: aws.String(`"etag"`)})
		}
	}
	return out, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	v, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(v))), ETag: aws.String(`"etag"`)}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	v, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(v)), ContentLength: aws.Int64(int64(len(v)))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = string(b)
	return &s3.PutObjectOutput{}, nil
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{"empty bucket", Config{}, "bucket name is required"},
		{"minimal", Config{Bucket: "emop-data"}, ""},
		{"explicit creds", Config{Bucket: "emop-data", AccessKeyID: "AKIA", SecretAccessKey: "secret"}, ""},
		{"key without secret", Config{Bucket: "emop-data", AccessKeyID: "AKIA"}, "must be set together"},
		{"secret without key", Config{Bucket: "emop-data", SecretAccessKey: "secret"}, "must be set together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNew_ValidationError(t *testing.T) {
	_, err := New(context.Background(), Config{})
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "bucket", cfgErr.Field)
}

func TestPrefixedKeys(t *testing.T) {
	ctx := context.Background()
	api := &fakeS3{objects: map[string]string{}}
	p := NewWithClient(api, nil, Config{Bucket: "emop-data", Prefix: "/brazos/"})

	require.NoError(t, p.PutObject(ctx, "/data/shared/1.txt", strings.NewReader("ocr"), 3))
	assert.Contains(t, api.objects, "brazos/data/shared/1.txt")

	meta, err := p.Head(ctx, "/data/shared/1.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(3), meta.Size)
	assert.Equal(t, "etag", meta.ETag)

	res, err := p.List(ctx, provider.ListOptions{Prefix: "data/"})
	require.NoError(t, err)
	assert.Equal(t, "brazos/data/", aws.ToString(api.listInput.Prefix))
	require.Len(t, res.Objects, 1)
	assert.Equal(t, "data/shared/1.txt", res.Objects[0].Key)

	body, n, err := p.GetObject(ctx, "data/shared/1.txt")
	require.NoError(t, err)
	b, _ := io.ReadAll(body)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, "ocr", string(b))
}

func TestNotFound(t *testing.T) {
	p := NewWithClient(&fakeS3{objects: map[string]string{}}, nil, Config{Bucket: "emop-data"})

	_, err := p.Head(context.Background(), "missing.tif")
	assert.True(t, provider.IsNotFound(err))

	_, _, err = p.GetObject(context.Background(), "missing.tif")
	assert.True(t, provider.IsNotFound(err))

	var provErr *provider.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, "GetObject", provErr.Op)
	assert.Equal(t, "s3 GetObject: emop-data/missing.tif: object not found", err.Error())
}

func TestWrapError_APIError(t *testing.T) {
	p := &Provider{bucket: "emop-data"}
	tests := []struct {
		code     string
		expected error
	}{
		{"NoSuchKey", provider.ErrNotFound},
		{"NoSuchBucket", provider.ErrBucketNotFound},
		{"AccessDenied", provider.ErrAccessDenied},
		{"ExpiredToken", provider.ErrInvalidCredentials},
		{"SlowDown", provider.ErrThrottled},
		{"ServiceUnavailable", provider.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := p.wrapError("Test", "key", &mockAPIError{code: tt.code, message: "test"})
			assert.ErrorIs(t, err, tt.expected)
		})
	}

	err := p.wrapError("Test", "key", &mockAPIError{code: "Teapot"})
	assert.False(t, provider.IsNotFound(err))
	assert.True(t, provider.IsAccessDenied(p.wrapError("Test", "", errors.New("https response error StatusCode: 403"))))
	assert.True(t, provider.IsRetryable(p.wrapError("Test", "", errors.New("https response error StatusCode: 503"))))
}

type expiringCreds struct {
	ttl   time.Duration
	calls atomic.Int32
}

func (e *expiringCreds) Retrieve(context.Context) (aws.Credentials, error) {
	e.calls.Add(1)
	return aws.Credentials{AccessKeyID: "a", SecretAccessKey: "b", CanExpire: true, Expires: time.Now().Add(e.ttl)}, nil
}

func TestLease(t *testing.T) {
	ctx := context.Background()

	p := NewWithClient(&fakeS3{}, nil, Config{Bucket: "b"})
	lease, err := p.Lease(ctx)
	require.NoError(t, err)
	assert.Negative(t, lease)

	p = NewWithClient(&fakeS3{}, credentials.NewStaticCredentialsProvider("a", "b", ""), Config{Bucket: "b"})
	lease, err = p.Lease(ctx)
	require.NoError(t, err)
	assert.Negative(t, lease)

	src := &expiringCreds{ttl: 2 * time.Hour}
	p = NewWithClient(&fakeS3{}, aws.NewCredentialsCache(src), Config{Bucket: "b"})
	lease, err = p.Lease(ctx)
	require.NoError(t, err)
	assert.InDelta(t, (2 * time.Hour).Seconds(), lease.Seconds(), 5)

	_, err = p.Lease(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load(), "cached credentials are reused")

	_, err = p.Renew(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestCleanETag(t *testing.T) {
	assert.Equal(t, "abc", cleanETag(`"abc"`))
	assert.Equal(t, "abc", cleanETag("abc"))
}

func TestMaxKeysClamping(t *testing.T) {
	assert.Equal(t, DefaultMaxKeys, clampMaxKeys(0, DefaultMaxKeys))
	assert.Equal(t, 10, clampMaxKeys(10, DefaultMaxKeys))
	assert.Equal(t, MaxAllowedKeys, clampMaxKeys(5000, DefaultMaxKeys))
}

func TestResolveRegion(t *testing.T) {
	assert.Equal(t, "eu-west-1", resolveRegion("", "eu-west-1"))
	assert.Equal(t, DefaultAWSRegion, resolveRegion("", ""))
	assert.Equal(t, "", resolveRegion("http://localhost:9000", ""))
}
