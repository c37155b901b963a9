package store

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3 uploads documents into an S3 bucket.
type S3 struct {
	uploader *s3manager.Uploader
	bucket   string
}

// NewS3 creates an S3 store of the given bucket.
func NewS3(region string, bucket string) (*S3, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, fmt.Errorf("can not open AWS session; %w", err)
	}

	return &S3{
		uploader: s3manager.NewUploader(sess),
		bucket:   bucket,
	}, nil
}

// Put uploads the document.
func (s *S3) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s into S3; %w", key, err)
	}
	return nil
}

// Location provides the S3 URI of the given key.
func (s *S3) Location(key string) string {
	return "s3://" + s.bucket + "/" + key
}
