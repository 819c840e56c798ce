// Package archiver snapshots measurement series to S3 after successful
// syncs. Series are replaced wholesale on sync, so the snapshots are the
// only history of what a vendor used to report.
package archiver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/bikebuds/bikebuds/datastore"
	"github.com/bikebuds/bikebuds/models"
)

// Uploader is the blob store surface the archiver writes through.
type Uploader interface {
	Upload(ctx context.Context, bucketName, key string, body io.Reader) error
}

// S3Uploader uploads to S3 with static credentials.
type S3Uploader struct {
	client *s3.Client
}

// NewS3Uploader builds the uploader. A nil return means the AWS
// configuration could not be assembled.
func NewS3Uploader(accessKey, secretKey, region string) *S3Uploader {
	creds := credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")

	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithCredentialsProvider(creds),
		config.WithRegion(region),
	)
	if err != nil {
		return nil
	}

	return &S3Uploader{client: s3.NewFromConfig(cfg)}
}

func (u *S3Uploader) Upload(ctx context.Context, bucketName, key string, body io.Reader) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucketName),
		Key:    aws.String(key),
		Body:   body,
	})

	return err
}

// Archiver writes timestamped series snapshots.
type Archiver struct {
	uploader Uploader
	bucket   string
	logger   *zap.Logger
	now      func() time.Time
}

// New builds an archiver writing to bucket through uploader.
func New(uploader Uploader, bucket string, logger *zap.Logger) *Archiver {
	return &Archiver{
		uploader: uploader,
		bucket:   bucket,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Snapshot uploads the series under a key derived from the connection
// path and the current time. Failures are logged and swallowed; an
// archive miss must never fail the sync that produced the data.
func (a *Archiver) Snapshot(ctx context.Context, serviceKey *datastore.Key, series *models.Series) {
	body, err := json.Marshal(series)
	if err != nil {
		a.logger.Error("failed to marshal series snapshot", zap.Error(err))

		return
	}

	key := fmt.Sprintf("series/%s/%s.json", serviceKey.Path(), a.now().Format("2006-01-02T15-04-05"))

	if err := a.uploader.Upload(ctx, a.bucket, key, bytes.NewReader(body)); err != nil {
		a.logger.Warn("failed to upload series snapshot",
			zap.String("key", key),
			zap.Error(err),
		)

		return
	}

	a.logger.Info("series snapshot archived",
		zap.String("bucket", a.bucket),
		zap.String("key", key),
		zap.Int("measures", len(series.Measures)),
	)
}
