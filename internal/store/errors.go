package store

import "errors"

var (
	ErrRecordNotFound = errors.New("record not found")
	// ErrJobSuperseded is returned when the job being written is no longer
	// the running job of its crate.
	ErrJobSuperseded = errors.New("job superseded")
)
