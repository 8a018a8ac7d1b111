// Package errs holds the error classes shared by every layer of the
// ingestion and search pipeline. Callers match them with errors.Is.
package errs

import "errors"

var (
	// ErrInvalidInput marks client-caused failures: blank text, out of range k.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUpstream marks a failed language-model or embedding-model call.
	ErrUpstream = errors.New("upstream model call failed")

	// ErrParse marks a model response that is not a JSON object. It is
	// recovered locally and never returned from an ingest.
	ErrParse = errors.New("model response is not structured data")

	// ErrPersistence marks a failed database write.
	ErrPersistence = errors.New("persistence failed")

	ErrNotFound = errors.New("not found")
)
