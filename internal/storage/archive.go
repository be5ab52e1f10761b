package storage

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Archiver uploads completed export artifacts to S3 for long-term
// retention. The local file stays authoritative; archival is best-effort.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver builds an archiver using the default AWS credential chain
// (IAM role on ECS, shared config locally).
func NewS3Archiver(ctx context.Context, bucket, region string) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &S3Archiver{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
	}, nil
}

// Archive uploads the artifact under exports/<jobID>.csv.
func (a *S3Archiver) Archive(ctx context.Context, jobID, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("opening artifact: %w", err)
	}
	defer file.Close()

	key := fmt.Sprintf("exports/%s.csv", jobID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return fmt.Errorf("uploading artifact to s3://%s/%s: %w", a.bucket, key, err)
	}

	log.Printf("[Archive] Uploaded artifact for job %s to s3://%s/%s", jobID, a.bucket, key)
	return nil
}
