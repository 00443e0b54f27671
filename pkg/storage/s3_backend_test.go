package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stavxyz/graftpunk-sub002/pkg/errs"
)

// fakeS3 is an in-memory object store implementing s3API.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	pageSize int
	failGet  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), pageSize: 2}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return nil, f.failGet
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start = sort.SearchStrings(keys, aws.ToString(in.ContinuationToken))
	}
	end := min(start+f.pageSize, len(keys))

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func TestS3Backend_Contract(t *testing.T) {
	runBackendContract(t, func(t *testing.T) Backend {
		return newS3Backend(newFakeS3(), "bucket", "")
	})
}

func TestS3Backend_ObjectLayout(t *testing.T) {
	fake := newFakeS3()
	b := newS3Backend(fake, "bucket", "team/sessions")

	_, err := b.Save(context.Background(), "acme", []byte("cipher"), sampleMetadata())
	require.NoError(t, err)

	assert.Contains(t, fake.objects, "team/sessions/acme/ciphertext.bin")
	assert.Contains(t, fake.objects, "team/sessions/acme/metadata.json")
	assert.NotContains(t, string(fake.objects["team/sessions/acme/metadata.json"]), "cipher\"")
}

func TestS3Backend_ListPaginates(t *testing.T) {
	fake := newFakeS3()
	b := newS3Backend(fake, "bucket", "")
	ctx := context.Background()

	want := []string{"a", "b", "c", "d", "e"}
	for _, name := range want {
		_, err := b.Save(ctx, name, []byte(name), sampleMetadata())
		require.NoError(t, err)
	}

	metas, err := b.List(ctx)
	require.NoError(t, err)
	got := make([]string, len(metas))
	for i, m := range metas {
		got[i] = m.Name
	}
	assert.Equal(t, want, got)
}

func TestS3Backend_ServerFaultIsTransient(t *testing.T) {
	fake := newFakeS3()
	b := newS3Backend(fake, "bucket", "")
	fake.failGet = &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce rate", Fault: smithy.FaultServer}

	_, _, err := b.Load(context.Background(), "acme")
	require.Error(t, err)
	assert.Equal(t, errs.KindStorage, errs.KindOf(err))
	assert.True(t, errs.IsTransient(err))

	fake.failGet = &smithy.GenericAPIError{Code: "AccessDenied", Fault: smithy.FaultClient}
	_, _, err = b.Load(context.Background(), "acme")
	require.Error(t, err)
	assert.False(t, errs.IsTransient(err))
	assert.False(t, errors.Is(err, errs.ErrNotFound))
}
