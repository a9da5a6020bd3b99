package models

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for the outermost boundary, which is the only
// place it is translated into a protocol response.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindTooLarge
	KindAdmissionDenied
	KindUnsafeURL
	KindNotFound
	KindStorageUnavailable
	KindConversionFailure
	KindUpstream
	KindMethodNotAllowed
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindTooLarge:
		return "too_large"
	case KindAdmissionDenied:
		return "admission_denied"
	case KindUnsafeURL:
		return "unsafe_url"
	case KindNotFound:
		return "not_found"
	case KindStorageUnavailable:
		return "storage_unavailable"
	case KindConversionFailure:
		return "conversion_failure"
	case KindUpstream:
		return "upstream_failure"
	case KindMethodNotAllowed:
		return "method_not_allowed"
	default:
		return "internal_error"
	}
}

var (
	ErrDisallowedFileType = errors.New("disallowed file type")
	ErrTypeMismatch       = errors.New("content type mismatch")
)

type Error struct {
	Kind       Kind
	Message    string
	JobID      string
	RetryAfter time.Duration
	Err        error
}

func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func WrapError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithJob returns a copy of e carrying the job id as correlation id.
func (e *Error) WithJob(jobID string) *Error {
	clone := *e
	clone.JobID = jobID
	return &clone
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}
