package network

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

const (
	mib = 1024 * 1024

	// MinPartSize is the smallest part object stores accept (except for the last part).
	MinPartSize = 5 * mib
	// DefaultPartSize is suggested when nothing else is known.
	DefaultPartSize = 8 * mib
	// MaxParts is the object store limit on parts per upload.
	MaxParts = 10000

	// DefaultPartURLTTL is the validity of a signed part URL.
	DefaultPartURLTTL = 15 * time.Minute
)

// ErrNoSuchUpload is returned by object stores for an unknown multipart session.
var ErrNoSuchUpload = errors.New("no such upload")

// ObjectStore is the subset of a multipart capable object store the control plane needs.
type ObjectStore interface {
	CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error)
	PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int, checksum string, ttl time.Duration) (SignedURL, error)
	ListParts(ctx context.Context, key, uploadID string) ([]ListedPart, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}

// PlanPartSize suggests a part size keeping the part count within MaxParts,
// never below DefaultPartSize, aligned to MiB.
func PlanPartSize(fileSize int64) int64 {
	return alignedPartSize(fileSize, DefaultPartSize)
}

// PlanSlowPartSize is PlanPartSize for slow networks, starting from MinPartSize.
func PlanSlowPartSize(fileSize int64) int64 {
	return alignedPartSize(fileSize, MinPartSize)
}

func alignedPartSize(fileSize, floor int64) int64 {
	size := floor
	if fileSize > 0 {
		if min := (fileSize + MaxParts - 1) / MaxParts; min > size {
			size = min
		}
	}
	return (size + mib - 1) / mib * mib
}

var unsafeFileNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// ObjectKey builds the storage key of a new upload owned by userID.
func ObjectKey(userID, fileName string, now time.Time) string {
	ext := path.Ext(unsafeFileNameChars.ReplaceAllString(fileName, ""))
	if len(ext) > 10 {
		ext = ext[:10]
	}
	return fmt.Sprintf("%svideos/%s/%s%s", UserPrefix(userID), now.UTC().Format("2006-01-02"), uuid.NewString(), ext)
}

// UserPrefix is the key prefix of every upload owned by userID.
func UserPrefix(userID string) string {
	return "uploads/users/" + userID + "/"
}

// DirectControlPlane implements ControlPlane straight on top of an object store,
// for embedders holding store credentials themselves.
type DirectControlPlane struct {
	store  ObjectStore
	userID string
	ttl    time.Duration
	now    func() time.Time
	logger log.Logger
}

// NewDirectControlPlane ...
func NewDirectControlPlane(store ObjectStore, userID string, logger log.Logger) *DirectControlPlane {
	return &DirectControlPlane{
		store:  store,
		userID: userID,
		ttl:    DefaultPartURLTTL,
		now:    time.Now,
		logger: logger,
	}
}

// SetPartURLTTL sets the validity of signed part URLs. Non-positive values keep the default.
func (d *DirectControlPlane) SetPartURLTTL(ttl time.Duration) {
	if ttl > 0 {
		d.ttl = ttl
	}
}

// Initiate ...
func (d *DirectControlPlane) Initiate(ctx context.Context, req InitiateRequest) (InitiateResponse, error) {
	if err := req.Validate(); err != nil {
		return InitiateResponse{}, NewError("initiate", KindClient, err)
	}

	ctx, cancel := context.WithTimeout(ctx, ControlTimeout)
	defer cancel()

	key := ObjectKey(d.userID, req.FileName, d.now())
	uploadID, err := d.store.CreateMultipartUpload(ctx, key, req.FileType)
	if err != nil {
		return InitiateResponse{}, storeError("initiate", err)
	}
	d.logger.Debugf("Created multipart upload %s for %s", uploadID, key)

	return InitiateResponse{RemoteKey: key, SessionID: uploadID, PartSize: PlanPartSize(req.FileSize)}, nil
}

// SignPart ...
func (d *DirectControlPlane) SignPart(ctx context.Context, req SignPartRequest) (SignedURL, error) {
	if req.RemoteKey == "" || req.SessionID == "" || req.PartNumber < 1 {
		return SignedURL{}, NewError("sign part", KindClient, errors.New("key, uploadId and partNumber are required"))
	}

	ctx, cancel := context.WithTimeout(ctx, ControlTimeout)
	defer cancel()

	url, err := d.store.PresignUploadPart(ctx, req.RemoteKey, req.SessionID, req.PartNumber, req.ChecksumCRC32C, d.ttl)
	if err != nil {
		return SignedURL{}, storeError("sign part", err)
	}
	return url, nil
}

// ListParts ...
func (d *DirectControlPlane) ListParts(ctx context.Context, remoteKey, sessionID string) (ListPartsResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, ControlTimeout)
	defer cancel()

	parts, err := d.store.ListParts(ctx, remoteKey, sessionID)
	if err != nil {
		if errors.Is(err, ErrNoSuchUpload) {
			return ListPartsResponse{Parts: []ListedPart{}, NoSuchUpload: true}, nil
		}
		return ListPartsResponse{}, storeError("list parts", err)
	}
	for i := range parts {
		parts[i].ETag = strings.ReplaceAll(parts[i].ETag, `"`, "")
	}
	return ListPartsResponse{Parts: parts}, nil
}

// Complete ...
func (d *DirectControlPlane) Complete(ctx context.Context, remoteKey, sessionID string, parts []CompletedPart) error {
	if len(parts) == 0 {
		return NewError("complete", KindClient, errors.New("parts are required"))
	}

	ctx, cancel := context.WithTimeout(ctx, ControlTimeout)
	defer cancel()

	sorted := append([]CompletedPart(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	if err := d.store.CompleteMultipartUpload(ctx, remoteKey, sessionID, sorted); err != nil {
		return storeError("complete", err)
	}
	return nil
}

// Abort ...
func (d *DirectControlPlane) Abort(ctx context.Context, remoteKey, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, ControlTimeout)
	defer cancel()

	if err := d.store.AbortMultipartUpload(ctx, remoteKey, sessionID); err != nil && !errors.Is(err, ErrNoSuchUpload) {
		return storeError("abort", err)
	}
	return nil
}

func storeError(op string, err error) error {
	var netErr *Error
	if errors.As(err, &netErr) {
		return err
	}
	switch {
	case errors.Is(err, ErrNoSuchUpload):
		return NewError(op, KindGone, err)
	case errors.Is(err, context.Canceled):
		return NewError(op, KindAborted, err)
	default:
		return NewError(op, KindTransient, err)
	}
}
