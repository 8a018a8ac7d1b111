package pipeline

import (
	"fmt"

	"github.com/jcpsimmons/corag/pkg/errs"
)

var (
	ErrInvalidInput = errs.ErrInvalidInput
	ErrUpstream     = errs.ErrUpstream
	ErrParse        = errs.ErrParse
	ErrPersistence  = errs.ErrPersistence
)

// SearchError reports a failed search. errors.Is sees through it to the
// cause, so validation failures still match ErrInvalidInput.
type SearchError struct {
	Question string
	TopK     int
	Err      error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("error in embedding search: %v", e.Err)
}

func (e *SearchError) Unwrap() error {
	return e.Err
}
