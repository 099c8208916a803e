package service

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the failure taxonomy shared by the draft and submission paths.
type ErrorKind string

const (
	// KindConfig means a required setting is missing. Operator-actionable.
	KindConfig ErrorKind = "configuration"
	// KindValidation means the request itself is unacceptable.
	KindValidation ErrorKind = "validation"
	// KindVerification means the human-verification check failed.
	KindVerification ErrorKind = "verification"
	// KindStorage means an object store or secret store call failed.
	KindStorage ErrorKind = "storage"
)

// FormError carries the kind, the HTTP status and the caller-facing message.
// Underlying errors are kept for logging and never shown to callers.
type FormError struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *FormError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *FormError) Unwrap() error {
	return e.Err
}

// Public reports whether Message is safe to return to the caller verbatim.
func (e *FormError) Public() bool {
	return e.Kind != KindStorage
}

func configError(setting string) *FormError {
	return &FormError{Kind: KindConfig, Status: http.StatusInternalServerError, Message: "Missing " + setting}
}

func validationError(status int, msg string) *FormError {
	return &FormError{Kind: KindValidation, Status: status, Message: msg}
}

func verificationError(msg string) *FormError {
	return &FormError{Kind: KindVerification, Status: http.StatusBadRequest, Message: msg}
}

func storageError(msg string, err error) *FormError {
	return &FormError{Kind: KindStorage, Status: http.StatusInternalServerError, Message: msg, Err: err}
}

// AsFormError unwraps err into a FormError if it is one.
func AsFormError(err error) (*FormError, bool) {
	var fe *FormError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
