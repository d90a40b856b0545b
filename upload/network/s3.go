package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	numStoreRetries = 3
	storeRetryWait  = time.Second
)

// S3Params ...
type S3Params struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the service endpoint (S3 compatible stores), path style addressing is used with it.
	Endpoint string
}

// S3Store is an ObjectStore backed by AWS S3.
type S3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	logger    log.Logger
}

// NewS3Store creates an S3 client from params.
func NewS3Store(ctx context.Context, params S3Params, logger log.Logger) (*S3Store, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3StoreFromClient(client, params.Bucket, logger), nil
}

// NewS3StoreFromClient ...
func NewS3StoreFromClient(client *s3.Client, bucket string, logger log.Logger) *S3Store {
	return &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
		logger:    logger,
	}
}

// CreateMultipartUpload ...
func (s *S3Store) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	var uploadID string
	err := retry.Times(numStoreRetries).Wait(storeRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			ContentType: aws.String(contentType),
		})
		if err != nil {
			return classifyS3Error(err), ctx.Err() != nil
		}
		if out.UploadId == nil {
			return errors.New("failed to initiate multipart upload"), false
		}
		uploadID = *out.UploadId
		return nil, false
	})
	return uploadID, err
}

// PresignUploadPart signs a part PUT. The session declares no checksum algorithm, so a part
// checksum is only verified by S3 for that part and never required on complete.
func (s *S3Store) PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int, checksum string, ttl time.Duration) (SignedURL, error) {
	input := &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)),
	}
	if checksum != "" {
		input.ChecksumCRC32C = aws.String(checksum)
	}

	req, err := s.presigner.PresignUploadPart(ctx, input, s3.WithPresignExpires(ttl))
	if err != nil {
		return SignedURL{}, fmt.Errorf("presign part %d: %w", partNumber, err)
	}

	headers := map[string]string{}
	for k, v := range req.SignedHeader {
		if http.CanonicalHeaderKey(k) == "Host" || len(v) == 0 {
			continue
		}
		headers[k] = v[0]
	}

	return SignedURL{URL: req.URL, Method: req.Method, Headers: headers, ExpiresIn: int(ttl.Seconds())}, nil
}

// ListParts pages through every uploaded part.
func (s *S3Store) ListParts(ctx context.Context, key, uploadID string) ([]ListedPart, error) {
	var parts []ListedPart
	err := retry.Times(numStoreRetries).Wait(storeRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		parts = parts[:0]
		paginator := s3.NewListPartsPaginator(s.client, &s3.ListPartsInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				err = classifyS3Error(err)
				return err, errors.Is(err, ErrNoSuchUpload) || ctx.Err() != nil
			}
			for _, p := range page.Parts {
				if p.PartNumber == nil || p.ETag == nil {
					continue
				}
				parts = append(parts, ListedPart{
					PartNumber: int(*p.PartNumber),
					ETag:       *p.ETag,
					Size:       aws.ToInt64(p.Size),
				})
			}
		}
		return nil, false
	})
	return parts, err
}

// CompleteMultipartUpload ...
func (s *S3Store) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		})
	}

	return retry.Times(numStoreRetries).Wait(storeRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		if err != nil {
			err = classifyS3Error(err)
			return err, errors.Is(err, ErrNoSuchUpload) || ctx.Err() != nil
		}
		return nil, false
	})
}

// AbortMultipartUpload ...
func (s *S3Store) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return classifyS3Error(err)
	}
	return nil
}

func classifyS3Error(err error) error {
	var noSuchUpload *types.NoSuchUpload
	if errors.As(err, &noSuchUpload) {
		return fmt.Errorf("%w: %s", ErrNoSuchUpload, err)
	}

	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.ErrorCode() {
		case "NoSuchUpload":
			return fmt.Errorf("%w: %s", ErrNoSuchUpload, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return &Error{Kind: KindAuth, Op: "s3", Err: err}
		case "InvalidPart", "InvalidPartOrder", "EntityTooSmall", "InvalidArgument":
			return &Error{Kind: KindClient, Op: "s3", Err: err}
		}
	}
	return err
}

// S3PosterUploader uploads preview images next to the uploaded video.
type S3PosterUploader struct {
	uploader *manager.Uploader
	bucket   string
	logger   log.Logger
}

// NewS3PosterUploader ...
func NewS3PosterUploader(store *S3Store) *S3PosterUploader {
	return &S3PosterUploader{
		uploader: manager.NewUploader(store.client),
		bucket:   store.bucket,
		logger:   store.logger,
	}
}

// UploadPoster stores the image under previews/<baseName>/poster.jpg and returns its key.
func (u *S3PosterUploader) UploadPoster(ctx context.Context, baseName string, image io.Reader, contentType string) (string, error) {
	key := PosterKey(baseName)
	if contentType == "" {
		contentType = "image/jpeg"
	}

	_, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        image,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload poster: %w", err)
	}
	u.logger.Debugf("Uploaded poster %s", key)
	return key, nil
}

// PosterKey ...
func PosterKey(baseName string) string {
	return fmt.Sprintf("previews/%s/poster.jpg", unsafeFileNameChars.ReplaceAllString(baseName, ""))
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
