package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failed operation by how the uploader should react to it.
type ErrorKind string

const (
	// KindTransient covers transport errors, timeouts and 5xx answers; always retryable.
	KindTransient ErrorKind = "transient"
	// KindAuth is a rejected or expired signature (401, 403).
	KindAuth ErrorKind = "auth"
	// KindGone means the multipart session no longer exists (404, NoSuchUpload).
	KindGone ErrorKind = "gone"
	// KindClient is any other 4xx; not retryable.
	KindClient ErrorKind = "client"
	// KindAborted is a caller initiated cancellation; not a failure.
	KindAborted ErrorKind = "aborted"
)

// Error is a classified control-plane or transfer error.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Op         string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps a non-2xx HTTP status code to an error kind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindGone
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 400 && status < 500:
		return KindClient
	default:
		return KindTransient
	}
}

// Classify returns the kind of err. Unclassified errors are transient,
// context cancellation is an abort.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var netErr *Error
	if errors.As(err, &netErr) {
		return netErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindAborted
	}
	return KindTransient
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	return Classify(err) == kind
}

// NewStatusError classifies a non-2xx answer by its status code.
func NewStatusError(op string, status int, body []byte) *Error {
	return &Error{
		Kind:       ClassifyStatus(status),
		StatusCode: status,
		Op:         op,
		Err:        errors.New(string(body)),
	}
}

// NewError ...
func NewError(op string, kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
