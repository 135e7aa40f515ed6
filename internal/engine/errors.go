package engine

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownProfile     = errors.New("unknown profile")
	ErrUnreadableContent  = errors.New("unreadable crate content")
	ErrEvaluationFailed   = errors.New("profile evaluation failed")
	ErrUnsupportedContent = errors.New("content is neither a zip archive nor a metadata document")
)

// AdapterError reports a failure outside of the validation domain: the crate
// could not be read or the profile could not be evaluated.
type AdapterError struct {
	Profile string
	Err     error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("validation engine failed for profile %q: %v", e.Profile, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

func newAdapterError(profile string, err error) *AdapterError {
	return &AdapterError{Profile: profile, Err: err}
}
