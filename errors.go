package loom

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hupe1980/loom/model"
)

var (
	// ErrNotFound is returned when a node, edge, embedding or backup does not exist.
	ErrNotFound = model.ErrNotFound
	// ErrInvalidOperation is returned for malformed requests and rejected writes.
	ErrInvalidOperation = model.ErrInvalidOperation
	// ErrSerialization is returned when a record cannot be encoded or decoded.
	ErrSerialization = model.ErrSerialization
	// ErrBackend is returned when the storage engine fails.
	ErrBackend = model.ErrBackend
	// ErrTransaction is returned when a transaction cannot commit.
	ErrTransaction = model.ErrTransaction

	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("loom: database is closed")
)

// ValidationError reports the request fields that failed validation. It
// matches ErrInvalidOperation.
//
// The validator error can be accessed via errors.Unwrap.
type ValidationError struct {
	Op     string
	Fields []string
	cause  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid request: %s", e.Op, strings.Join(e.Fields, "; "))
}

func (e *ValidationError) Unwrap() error { return e.cause }

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidOperation }

func translateValidation(op string, err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Op: op, Fields: []string{err.Error()}, cause: err}
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, formatFieldError(fe))
	}
	return &ValidationError{Op: op, Fields: fields, cause: err}
}

func formatFieldError(e validator.FieldError) string {
	field := e.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch e.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s is invalid (%s)", field, e.Tag())
	}
}
