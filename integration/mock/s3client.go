// Package mock provides in-memory implementations of the AWS service
// interfaces for integration tests.
package mock

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client is a mock implementation of the aws.S3Client interface backed by
// an in-process map. It also satisfies the uploader interface so one value
// can stand in for both collaborators of the S3 gateway.
type S3Client struct {
	mu sync.RWMutex
	// Maps bucket/key to object content
	Objects map[string][]byte
	// Maps bucket/key to last-modified timestamps
	Modified map[string]time.Time
}

// NewS3Client creates a new mock S3 client
func NewS3Client() *S3Client {
	return &S3Client{
		Objects:  make(map[string][]byte),
		Modified: make(map[string]time.Time),
	}
}

func objectPath(bucket, key *string) string {
	return awssdk.ToString(bucket) + "/" + awssdk.ToString(key)
}

// GetObject returns the stored object or a NoSuchKey error
func (m *S3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.Objects[objectPath(params.Bucket, params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: awssdk.Int64(int64(len(data))),
	}, nil
}

// PutObject stores the body as a single object
func (m *S3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	path := objectPath(params.Bucket, params.Key)
	m.Objects[path] = data
	m.Modified[path] = time.Now()
	return &s3.PutObjectOutput{}, nil
}

// DeleteObject removes the object; deleting a missing object succeeds,
// matching S3 semantics
func (m *S3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := objectPath(params.Bucket, params.Key)
	delete(m.Objects, path)
	delete(m.Modified, path)
	return &s3.DeleteObjectOutput{}, nil
}

// HeadObject reports object metadata or a NotFound error
func (m *S3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.Objects[objectPath(params.Bucket, params.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: awssdk.Int64(int64(len(data))),
	}, nil
}

// ListObjectsV2 returns the objects under the prefix in key order
func (m *S3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucketPrefix := awssdk.ToString(params.Bucket) + "/"
	keyPrefix := awssdk.ToString(params.Prefix)

	var keys []string
	for path := range m.Objects {
		if !strings.HasPrefix(path, bucketPrefix) {
			continue
		}
		key := strings.TrimPrefix(path, bucketPrefix)
		if strings.HasPrefix(key, keyPrefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	contents := make([]types.Object, 0, len(keys))
	for _, key := range keys {
		path := bucketPrefix + key
		modified := m.Modified[path]
		contents = append(contents, types.Object{
			Key:          awssdk.String(key),
			Size:         awssdk.Int64(int64(len(m.Objects[path]))),
			LastModified: &modified,
		})
	}

	return &s3.ListObjectsV2Output{
		Contents:    contents,
		IsTruncated: awssdk.Bool(false),
	}, nil
}

// Upload satisfies the streaming-uploader interface by buffering the body
// and storing it as one object
func (m *S3Client) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if _, err := m.PutObject(ctx, input); err != nil {
		return nil, err
	}
	return &manager.UploadOutput{}, nil
}
