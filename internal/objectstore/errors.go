package objectstore

import (
	"errors"
	"fmt"

	"github.com/minio/minio-go/v7"
)

var ErrCrateNotFound = errors.New("crate not found")

// RetrievalError is returned when the content of a resolved crate cannot be read.
type RetrievalError struct {
	Key     string
	Version string
	Reason  string
	Err     error
}

func (e *RetrievalError) Error() string {
	msg := fmt.Sprintf("failed to retrieve %s at version %s: %s", e.Key, e.Version, e.Reason)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}

func newRetrievalError(key, version, reason string, err error) *RetrievalError {
	return &RetrievalError{Key: key, Version: version, Reason: reason, Err: err}
}

const (
	codeNoSuchKey          = "NoSuchKey"
	codeNoSuchVersion      = "NoSuchVersion"
	codeNoSuchBucket       = "NoSuchBucket"
	codePreconditionFailed = "PreconditionFailed"
	codeAccessDenied       = "AccessDenied"
	codeInvalidArgument    = "InvalidArgument"
)

func errorCode(err error) string {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code
	}
	return minio.ToErrorResponse(err).Code
}

// isMissing reports whether err means the object (or the requested version)
// does not exist. A malformed version id is reported as InvalidArgument.
func isMissing(err error, versioned bool) bool {
	switch errorCode(err) {
	case codeNoSuchKey, codeNoSuchVersion:
		return true
	case codeInvalidArgument:
		return versioned
	default:
		return false
	}
}

func retrievalReason(err error) string {
	switch errorCode(err) {
	case codeNoSuchKey, codeNoSuchVersion:
		return "version no longer exists"
	case codePreconditionFailed:
		return "object changed since submission"
	case codeAccessDenied:
		return "access denied"
	case codeNoSuchBucket:
		return "bucket does not exist"
	default:
		return "object store error"
	}
}
