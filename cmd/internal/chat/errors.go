package chat

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Every error returned by Service wraps exactly one of these.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrExpired         = errors.New("expired")
	ErrConflict        = errors.New("conflict")
	ErrUnavailable     = errors.New("unavailable")
)

var kinds = []error{
	ErrInvalidArgument,
	ErrForbidden,
	ErrNotFound,
	ErrExpired,
	ErrConflict,
	ErrUnavailable,
}

// OpError is a typed operation error with a stable Op + Kind contract.
//
// Kind is one of the sentinel kinds above. Msg is human readable and safe to
// show to clients. Err, when set, is the underlying cause and is never shown.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// KindOf returns the sentinel kind carried by err.
// Unclassified errors (driver failures, timeouts) report ErrUnavailable.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrUnavailable
}

// ErrorMessage returns the client-safe message of err.
func ErrorMessage(err error) string {
	var oe OpError
	if errors.As(err, &oe) && oe.Msg != "" {
		return oe.Msg
	}
	return KindOf(err).Error()
}

// classify keeps domain kinds and turns everything else into ErrUnavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return err
		}
	}
	msg := "store unavailable"
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		msg = "request timed out"
	}
	return OpError{Op: op, Kind: ErrUnavailable, Msg: msg, Err: err}
}
