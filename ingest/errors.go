package ingest

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/ndlib/arcrepo/artifact"
)

var (
	// ErrEmptyContent is the validation problem for a fetch with no bytes.
	ErrEmptyContent = errors.New("empty content")
)

// TransportError wraps a failure reading the fetched content. The pending
// version is discarded. The fetch may be retried.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("fetching %s: %s", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable is always true for transport errors.
func (e *TransportError) Retryable() bool { return true }

// SizeMismatchError is the validation problem for content whose size is not
// the declared Content-Length.
type SizeMismatchError struct {
	Declared int64
	Actual   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("content length %d does not match declared length %d", e.Actual, e.Declared)
}

// ValidationError is returned by Store when the disposition of a
// validation problem rejects the content. It is also given as the warning
// when content is committed with a warning.
type ValidationError struct {
	URL         string
	Label       string // the label of the rule which matched
	Disposition Disposition
	Err         error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s): %s", e.URL, e.Label, e.Disposition, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Retryable is true if the rule asked for the URL to be fetched again.
func (e *ValidationError) Retryable() bool { return e.Disposition == RetrySameURL }

// A Validator inspects stored content before it is committed. A non-nil
// return is a validation problem which is looked up in the ResultMap.
//
// The artifact's header carries the redirect chain, if there was one.
type Validator interface {
	Validate(a *artifact.Artifact, content io.Reader) error
}

// ValidatorFunc adapts a function to a Validator.
type ValidatorFunc func(a *artifact.Artifact, content io.Reader) error

// Validate calls f.
func (f ValidatorFunc) Validate(a *artifact.Artifact, content io.Reader) error {
	return f(a, content)
}
