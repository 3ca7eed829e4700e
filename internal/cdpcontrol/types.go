package cdpcontrol

import (
	"fmt"

	"github.com/dgnsrekt/tabrelay/internal/tabs"
)

const (
	CodeValidation     = "VALIDATION"
	CodeTabNotFound    = "TAB_NOT_FOUND" // reported through tabs.ErrNotFound
	CodeCDPUnavailable = "CDP_UNAVAILABLE"
	CodeCDPFailure     = "CDP_FAILURE"
	CodeTimeout        = "TIMEOUT"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func newError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// notFound keeps the browser's wording so companion pages see the message
// they would get from the extension API.
func notFound(id tabs.ID) error {
	return &tabs.NotFoundError{ID: id}
}
