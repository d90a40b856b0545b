package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const listPartsPageSize = 1000

// MinioParams ...
type MinioParams struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Secure          bool
}

// MinioStore is an ObjectStore backed by a MinIO (or other S3 compatible) server.
type MinioStore struct {
	core   minio.Core
	bucket string
	logger log.Logger
}

// NewMinioStore ...
func NewMinioStore(params MinioParams, logger log.Logger) (*MinioStore, error) {
	if params.Endpoint == "" {
		return nil, fmt.Errorf("Endpoint must not be empty")
	}
	if params.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}

	client, err := minio.New(params.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(params.AccessKeyID, params.SecretAccessKey, ""),
		Secure: params.Secure,
		Region: params.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &MinioStore{core: minio.Core{Client: client}, bucket: params.Bucket, logger: logger}, nil
}

// CreateMultipartUpload ...
func (m *MinioStore) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	var uploadID string
	err := retry.Times(numStoreRetries).Wait(storeRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		id, err := m.core.NewMultipartUpload(ctx, m.bucket, key, minio.PutObjectOptions{ContentType: contentType})
		if err != nil {
			return classifyMinioError(err), ctx.Err() != nil
		}
		uploadID = id
		return nil, false
	})
	return uploadID, err
}

// PresignUploadPart ...
func (m *MinioStore) PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int, checksum string, ttl time.Duration) (SignedURL, error) {
	params := url.Values{}
	params.Set("partNumber", strconv.Itoa(partNumber))
	params.Set("uploadId", uploadID)

	u, err := m.core.Presign(ctx, http.MethodPut, m.bucket, key, ttl, params)
	if err != nil {
		return SignedURL{}, fmt.Errorf("presign part %d: %w", partNumber, err)
	}

	// Checksum headers are not part of the presigned request, so none are handed out.
	return SignedURL{URL: u.String(), Method: http.MethodPut, ExpiresIn: int(ttl.Seconds())}, nil
}

// ListParts ...
func (m *MinioStore) ListParts(ctx context.Context, key, uploadID string) ([]ListedPart, error) {
	var parts []ListedPart
	marker := 0
	for {
		result, err := m.core.ListObjectParts(ctx, m.bucket, key, uploadID, marker, listPartsPageSize)
		if err != nil {
			return nil, classifyMinioError(err)
		}
		for _, p := range result.ObjectParts {
			parts = append(parts, ListedPart{PartNumber: p.PartNumber, ETag: p.ETag, Size: p.Size})
		}
		if !result.IsTruncated {
			return parts, nil
		}
		marker = result.NextPartNumberMarker
	}
}

// CompleteMultipartUpload ...
func (m *MinioStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	completed := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	if _, err := m.core.CompleteMultipartUpload(ctx, m.bucket, key, uploadID, completed, minio.PutObjectOptions{}); err != nil {
		return classifyMinioError(err)
	}
	return nil
}

// AbortMultipartUpload ...
func (m *MinioStore) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	if err := m.core.AbortMultipartUpload(ctx, m.bucket, key, uploadID); err != nil {
		return classifyMinioError(err)
	}
	return nil
}

func classifyMinioError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchUpload":
		return fmt.Errorf("%w: %s", ErrNoSuchUpload, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return &Error{Kind: KindAuth, StatusCode: resp.StatusCode, Op: "minio", Err: err}
	case "InvalidPart", "InvalidPartOrder", "EntityTooSmall":
		return &Error{Kind: KindClient, StatusCode: resp.StatusCode, Op: "minio", Err: err}
	}
	return err
}
