// Package network implements the control-plane contracts of a multipart upload:
// an HTTP API client, direct object store backends and the error taxonomy shared by the uploader.
package network

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ControlTimeout bounds every control-plane call. Part PUTs are not bounded by it.
const ControlTimeout = 6 * time.Second

// InitiateRequest ...
type InitiateRequest struct {
	FileName    string `json:"fileName"`
	FileType    string `json:"fileType"`
	FileSize    int64  `json:"fileSize"`
	ContentHash string `json:"contentHash,omitempty"`
	HeadHash    string `json:"headHash,omitempty"`
	TailHash    string `json:"tailHash,omitempty"`
}

// Validate ...
func (r InitiateRequest) Validate() error {
	if r.FileName == "" || !strings.HasPrefix(r.FileType, "video/") {
		return errors.New("fileName and a video type are required")
	}
	return nil
}

// InitiateResponse describes a new multipart session.
// Dedup set with an empty SessionID means the content already exists under RemoteKey.
type InitiateResponse struct {
	RemoteKey string `json:"key"`
	SessionID string `json:"uploadId,omitempty"`
	PartSize  int64  `json:"partSize,omitempty"`
	Dedup     bool   `json:"dedup,omitempty"`
}

// SignPartRequest ...
type SignPartRequest struct {
	RemoteKey      string `json:"key"`
	SessionID      string `json:"uploadId"`
	PartNumber     int    `json:"partNumber"`
	ChecksumCRC32C string `json:"checksumCRC32C,omitempty"`
}

// SignedURL authorizes exactly one PUT of a part.
type SignedURL struct {
	URL       string            `json:"url"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresIn int               `json:"expiresIn,omitempty"`
}

// ListedPart is a part the store already holds.
type ListedPart struct {
	PartNumber int    `json:"PartNumber"`
	ETag       string `json:"ETag"`
	Size       int64  `json:"Size,omitempty"`
}

// ListPartsResponse ...
type ListPartsResponse struct {
	Parts        []ListedPart `json:"parts"`
	NoSuchUpload bool         `json:"noSuchUpload,omitempty"`
}

// CompletedPart ...
type CompletedPart struct {
	PartNumber int    `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

// ControlPlane is the set of session operations the uploader consumes.
type ControlPlane interface {
	Initiate(ctx context.Context, req InitiateRequest) (InitiateResponse, error)
	SignPart(ctx context.Context, req SignPartRequest) (SignedURL, error)
	ListParts(ctx context.Context, remoteKey, sessionID string) (ListPartsResponse, error)
	Complete(ctx context.Context, remoteKey, sessionID string, parts []CompletedPart) error
	Abort(ctx context.Context, remoteKey, sessionID string) error
}
