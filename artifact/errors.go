package artifact

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound means a commit or delete named a version which does not
	// exist, or which has been deleted. Plain lookups report absence with a
	// nil result instead.
	ErrNotFound = errors.New("artifact not found")

	// ErrInvalidState means the operation does not apply to the artifact in
	// its present state, e.g. committing an artifact twice.
	ErrInvalidState = errors.New("invalid artifact state")

	// ErrStreamConsumed means the content stream of a Data was already
	// opened. Ask the repository for a new Data to read it again.
	ErrStreamConsumed = fmt.Errorf("content stream already consumed: %w", ErrInvalidState)

	// ErrBadIdentifier means an identifier is missing a collection, AU, or
	// URI, or has a negative version.
	ErrBadIdentifier = errors.New("bad artifact identifier")
)

// A RepositoryError wraps a storage failure during add, commit, or delete.
// It is not retried by the repository.
type RepositoryError struct {
	Op  string
	ID  Identifier
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

// Cause supports errors.Cause from github.com/pkg/errors.
func (e *RepositoryError) Cause() error { return e.Err }

func repoError(op string, id Identifier, err error) error {
	return &RepositoryError{Op: op, ID: id, Err: err}
}
