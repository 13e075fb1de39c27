package control

import (
	"errors"
	"fmt"

	"github.com/stratumgate/stratumgate/pkg/storage"
)

// Kind classifies a control-plane failure for status mapping at the HTTP
// layer.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindTransient
)

// Error is the error type every Service operation returns on failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a plain error of the given kind.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// wrapStore maps storage sentinels onto control kinds; anything else is a
// transient storage failure.
func wrapStore(msg string, err error) *Error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &Error{Kind: KindNotFound, Msg: msg, Err: err}
	case errors.Is(err, storage.ErrPortInUse), errors.Is(err, storage.ErrTgIDInUse):
		return &Error{Kind: KindConflict, Msg: msg, Err: err}
	default:
		return &Error{Kind: KindTransient, Msg: msg, Err: err}
	}
}

// KindOf extracts the kind from an error, defaulting to internal.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}
