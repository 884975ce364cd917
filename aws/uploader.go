package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Uploader defines the interface for streaming uploads of bodies whose
// length is not known up front. The SDK's transfer manager splits the body
// into parts and uploads them as one logical object.
type S3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Compile-time interface check against the SDK transfer manager
var _ S3Uploader = (*manager.Uploader)(nil)
