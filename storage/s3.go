package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pagemill/pagemill/aws"
)

// jsonCacheControl keeps derived JSON documents out of intermediary caches
// so pollers always observe the latest status.
const jsonCacheControl = "no-cache, max-age=0"

// S3Gateway implements Gateway against an S3 bucket. Object writes are a
// single upload call, so partial writes are never observable.
// Example:
//
//	client := aws.NewS3Client(s3.NewFromConfig(cfg))
//	uploader := manager.NewUploader(s3.NewFromConfig(cfg))
//	gw := storage.NewS3Gateway(client, uploader, "pagemill-storage", "alice@example.com")
type S3Gateway struct {
	client   aws.S3Client
	uploader aws.S3Uploader
	bucket   string
	userHash string
}

// NewS3Gateway creates a gateway scoped to the given user's partition of
// the bucket. An empty email falls back to the anonymous sentinel.
func NewS3Gateway(client aws.S3Client, uploader aws.S3Uploader, bucket, userEmail string) *S3Gateway {
	if userEmail == "" {
		userEmail = AnonymousEmail
	}
	return &S3Gateway{
		client:   client,
		uploader: uploader,
		bucket:   bucket,
		userHash: UserHash(userEmail),
	}
}

// Save writes content as a single object. Overwrites any prior value.
func (g *S3Gateway) Save(ctx context.Context, content []byte, filename, sessionID string) (string, error) {
	key, err := objectKey(g.userHash, filename, sessionID)
	if err != nil {
		return "", err
	}

	input := &s3.PutObjectInput{
		Bucket: &g.bucket,
		Key:    &key,
		Body:   bytes.NewReader(content),
	}
	if isJSON(key) {
		input.CacheControl = awssdk.String(jsonCacheControl)
	}

	if _, err := g.client.PutObject(ctx, input); err != nil {
		return "", &Error{Op: "save", Key: key, Err: err}
	}
	return key, nil
}

// SaveStream uploads a body of unknown length as one logical object via the
// transfer manager. Used by upload assembly, where the assembled file can be
// far larger than what should be buffered in memory.
func (g *S3Gateway) SaveStream(ctx context.Context, r io.Reader, filename, sessionID string) (string, error) {
	key, err := objectKey(g.userHash, filename, sessionID)
	if err != nil {
		return "", err
	}

	input := &s3.PutObjectInput{
		Bucket: &g.bucket,
		Key:    &key,
		Body:   r,
	}
	if isJSON(key) {
		input.CacheControl = awssdk.String(jsonCacheControl)
	}

	if _, err := g.uploader.Upload(ctx, input); err != nil {
		return "", &Error{Op: "save", Key: key, Err: err}
	}
	return key, nil
}

// Get returns the exact bytes last written to the object.
func (g *S3Gateway) Get(ctx context.Context, filename, sessionID string) ([]byte, error) {
	key, err := objectKey(g.userHash, filename, sessionID)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &g.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, &Error{Op: "get", Key: key, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: "get", Key: key, Err: err}
	}
	return data, nil
}

// Delete removes the object. Returns true if an object existed.
func (g *S3Gateway) Delete(ctx context.Context, filename, sessionID string) (bool, error) {
	key, err := objectKey(g.userHash, filename, sessionID)
	if err != nil {
		return false, err
	}

	// S3 deletes are idempotent and report nothing about prior existence,
	// so probe first to preserve the contract.
	_, err = g.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &g.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, &Error{Op: "delete", Key: key, Err: err}
	}

	if _, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &g.bucket,
		Key:    &key,
	}); err != nil {
		return false, &Error{Op: "delete", Key: key, Err: err}
	}
	return true, nil
}

// List returns the objects under the computed prefix, names relative to it.
func (g *S3Gateway) List(ctx context.Context, prefix, sessionID string) ([]ObjectInfo, error) {
	keyPrefix, err := listPrefix(g.userHash, prefix, sessionID)
	if err != nil {
		return nil, err
	}

	var infos []ObjectInfo
	var continuation *string
	for {
		resp, err := g.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &g.bucket,
			Prefix:            &keyPrefix,
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, &Error{Op: "list", Key: keyPrefix, Err: err}
		}
		for _, obj := range resp.Contents {
			info := ObjectInfo{
				Name: strings.TrimPrefix(awssdk.ToString(obj.Key), keyPrefix),
				Size: awssdk.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				info.Modified = *obj.LastModified
			}
			infos = append(infos, info)
		}
		if !awssdk.ToBool(resp.IsTruncated) {
			break
		}
		continuation = resp.NextContinuationToken
	}
	return infos, nil
}

// URL returns the serving path for the object.
func (g *S3Gateway) URL(filename, sessionID string) string {
	return fileURL(g.userHash, filename, sessionID)
}

// UserHash returns the 12-character partition prefix of the bound user.
func (g *S3Gateway) UserHash() string { return g.userHash }

// isNoSuchKey returns true for the absent-object error shapes S3 and
// S3-compatible stores produce.
func isNoSuchKey(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}
