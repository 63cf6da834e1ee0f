package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies subscription operation failures for callers
type ErrorKind string

const (
	KindValidationFailed     ErrorKind = "validation_failed"
	KindConflict             ErrorKind = "conflict"
	KindPaymentMethodMissing ErrorKind = "payment_method_missing"
	KindInvalidPromotion     ErrorKind = "invalid_promotion"
	KindPaymentError         ErrorKind = "payment_error"
	KindStorePersistError    ErrorKind = "store_persist_error"
	KindCompensationError    ErrorKind = "compensation_error"
	KindNotFound             ErrorKind = "not_found"
	KindForbidden            ErrorKind = "forbidden"
)

// HTTPStatus maps the kind to the response status code
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidationFailed, KindInvalidPromotion, KindPaymentMethodMissing:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// SubscriptionError is the error type returned by every orchestrator operation
type SubscriptionError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *SubscriptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, message string, err error) *SubscriptionError {
	return &SubscriptionError{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err. Errors of any other type report
// KindStorePersistError.
func KindOf(err error) ErrorKind {
	var se *SubscriptionError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindStorePersistError
}

// IsKind reports whether err is a SubscriptionError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var se *SubscriptionError
	return errors.As(err, &se) && se.Kind == kind
}

// CompensationError describes a rollback that did not fully complete. It is
// logged and counted, never returned to callers.
type CompensationError struct {
	ExternalID string
	Steps      []string
	Err        error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("%s: rollback of %s incomplete (%s): %v",
		KindCompensationError, e.ExternalID, strings.Join(e.Steps, ","), e.Err)
}

func (e *CompensationError) Unwrap() error {
	return e.Err
}
