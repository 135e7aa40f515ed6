package service

import (
	"fmt"
	"time"

	"github.com/kubev2v/crate-validator/internal/store/model"
)

type ErrInvalidRequest struct {
	error
}

func NewErrInvalidRequest(err error) *ErrInvalidRequest {
	return &ErrInvalidRequest{fmt.Errorf("invalid request: %w", err)}
}

func NewErrUnknownProfile(name string) *ErrInvalidRequest {
	return &ErrInvalidRequest{fmt.Errorf("invalid request: unknown profile %q", name)}
}

type ErrCrateNotFound struct {
	error
}

func NewErrCrateNotFound(crateID, rootPath string) *ErrCrateNotFound {
	if rootPath == "" {
		return &ErrCrateNotFound{fmt.Errorf("crate %s not found", crateID)}
	}
	return &ErrCrateNotFound{fmt.Errorf("crate %s not found under %s", crateID, rootPath)}
}

type ErrAlreadyInProgress struct {
	error
}

func NewErrAlreadyInProgress(crateID string, state model.JobState) *ErrAlreadyInProgress {
	return &ErrAlreadyInProgress{fmt.Errorf("a validation of crate %s is already %s", crateID, state)}
}

type ErrResourceNotFound struct {
	error
}

func NewErrJobNotFound(crateID string) *ErrResourceNotFound {
	return &ErrResourceNotFound{fmt.Errorf("no validation job for crate %s", crateID)}
}

// ErrRetrieval is returned by Submit when the object store fails for another
// reason than a missing crate.
type ErrRetrieval struct {
	error
}

func NewErrRetrieval(err error) *ErrRetrieval {
	return &ErrRetrieval{fmt.Errorf("object store: %w", err)}
}

type ErrQueueUnavailable struct {
	error
}

func NewErrQueueUnavailable(err error) *ErrQueueUnavailable {
	return &ErrQueueUnavailable{fmt.Errorf("validation could not be scheduled: %w", err)}
}

type ErrInvalidMetadata struct {
	error
}

func NewErrInvalidMetadata(format string, args ...any) *ErrInvalidMetadata {
	return &ErrInvalidMetadata{fmt.Errorf(format, args...)}
}

// TimeoutError describes a job whose retrieval and validation exceeded the bound.
type TimeoutError struct {
	CrateID string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("validation of crate %s exceeded %s", e.CrateID, e.Timeout)
}
