package barcache

import "errors"

// Cache errors. A zero-length bar slice with a nil error is a data gap,
// not a failure; callers that need to distinguish "no data" from "fetch
// failed" check for ErrFetchFailed.
var (
	// ErrFetchFailed wraps transient bar store failures. Nothing is cached
	// for a failed fetch; the next call retries.
	ErrFetchFailed = errors.New("bar fetch failed")

	// ErrInvalidRange is returned when a requested range has start > end.
	ErrInvalidRange = errors.New("invalid range: start after end")
)
