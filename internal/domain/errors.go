package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a failure at its point of origin so callers never have to
// inspect error text.
type Kind int

const (
	KindInternal Kind = iota
	KindDeviceUnavailable
	KindAuthentication
	KindReadTimeout
	KindDuplicateTemplate
	KindMismatch
	KindPersistence
	KindSessionConflict
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindDeviceUnavailable:
		return "device_unavailable"
	case KindAuthentication:
		return "authentication_failed"
	case KindReadTimeout:
		return "read_timeout"
	case KindDuplicateTemplate:
		return "duplicate_template"
	case KindMismatch:
		return "mismatch"
	case KindPersistence:
		return "persistence"
	case KindSessionConflict:
		return "session_conflict"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// UserMessage is the operator-facing text for a failure kind.
func (k Kind) UserMessage() string {
	switch k {
	case KindDeviceUnavailable:
		return "Fingerprint sensor connection problem"
	case KindAuthentication:
		return "Fingerprint sensor authentication error"
	case KindReadTimeout:
		return "Time is up, no fingerprint was detected on the sensor"
	case KindDuplicateTemplate:
		return "Fingerprint already enrolled in the system"
	case KindMismatch:
		return "The fingerprints do not match, please try again"
	case KindPersistence:
		return "Could not save the enrollment, please try again"
	case KindSessionConflict:
		return "An enrollment is already in progress"
	case KindCancelled:
		return "Enrollment cancelled"
	default:
		return "Unexpected technical error"
	}
}

type Error struct {
	Kind Kind
	Op   string
	Slot int
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by kind, so errors.Is(err, ErrReadTimeout) holds
// for any *Error carrying KindReadTimeout.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrDeviceUnavailable = &Error{Kind: KindDeviceUnavailable}
	ErrAuthentication    = &Error{Kind: KindAuthentication}
	ErrReadTimeout       = &Error{Kind: KindReadTimeout}
	ErrDuplicateTemplate = &Error{Kind: KindDuplicateTemplate}
	ErrMismatch          = &Error{Kind: KindMismatch}
	ErrPersistence       = &Error{Kind: KindPersistence}
	ErrSessionConflict   = &Error{Kind: KindSessionConflict}
	ErrCancelled         = &Error{Kind: KindCancelled}
)

func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind carried by err, KindInternal when it has none.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
