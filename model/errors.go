package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure.
type ErrorKind uint8

const (
	// KindUnknown is returned by KindOf for errors outside the taxonomy.
	KindUnknown ErrorKind = iota
	// KindNotFound means the requested record does not exist.
	KindNotFound
	// KindInvalidOperation means a caller precondition was violated.
	KindInvalidOperation
	// KindSerialization means encoding or decoding failed. Always a bug or corruption.
	KindSerialization
	// KindBackend means the underlying storage engine failed (I/O, disk full, ...).
	KindBackend
	// KindTransaction means a transaction conflicted or was aborted.
	KindTransaction
)

var (
	// ErrNotFound matches every KindNotFound error.
	ErrNotFound = errors.New("not found")
	// ErrInvalidOperation matches every KindInvalidOperation error.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrSerialization matches every KindSerialization error.
	ErrSerialization = errors.New("serialization error")
	// ErrBackend matches every KindBackend error.
	ErrBackend = errors.New("backend error")
	// ErrTransaction matches every KindTransaction error.
	ErrTransaction = errors.New("transaction error")
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindInvalidOperation:
		return "invalid operation"
	case KindSerialization:
		return "serialization"
	case KindBackend:
		return "backend"
	case KindTransaction:
		return "transaction"
	default:
		return "unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindInvalidOperation:
		return ErrInvalidOperation
	case KindSerialization:
		return ErrSerialization
	case KindBackend:
		return ErrBackend
	case KindTransaction:
		return ErrTransaction
	default:
		return nil
	}
}

// Error is the single error type surfaced by storage, indexing and query layers.
//
// The underlying cause (if any) can be accessed via errors.Unwrap.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrNotFound) and friends work for every *Error.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && s == target
}

// NotFound builds a KindNotFound error.
func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// InvalidOperation builds a KindInvalidOperation error.
func InvalidOperation(op, format string, args ...any) error {
	return &Error{Kind: KindInvalidOperation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Transaction builds a KindTransaction error.
func Transaction(op, format string, args ...any) error {
	return &Error{Kind: KindTransaction, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Serialization wraps an encode/decode failure.
func Serialization(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindSerialization, Op: op, Err: err}
}

// Backend wraps an engine failure. Errors that are already classified pass through.
func Backend(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindBackend, Op: op, Err: err}
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether err is a KindNotFound error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsSystemic reports whether err signals corruption or an engine fault rather than a
// caller mistake. Systemic errors are logged with full context by the top-level API.
func IsSystemic(err error) bool {
	k := KindOf(err)
	return k == KindSerialization || k == KindBackend
}
