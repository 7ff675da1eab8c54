package bterrors

import (
	"errors"
	"fmt"
)

// Kind classifies failures of the transfer engine
type Kind int

const (
	KindUnknown Kind = iota
	// No viable path to the peer is left
	KindConnectFailure
	// Malformed or unexpected message, the session is closed
	KindProtocolViolation
	// Piece hash mismatch, the piece is reset
	KindVerificationFailure
	// Local I/O fault, surfaced to the caller
	KindStorageFailure
	// Block request or path probe ran out of time
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConnectFailure:
		return "connect failure"
	case KindProtocolViolation:
		return "protocol violation"
	case KindVerificationFailure:
		return "verification failure"
	case KindStorageFailure:
		return "storage failure"
	case KindTimeout:
		return "timeout"
	}
	return "unknown"
}

// Sentinels usable with errors.Is against any *Error of the same kind
var (
	ErrConnectFailure      = &Error{Kind: KindConnectFailure}
	ErrProtocolViolation   = &Error{Kind: KindProtocolViolation}
	ErrVerificationFailure = &Error{Kind: KindVerificationFailure}
	ErrStorageFailure      = &Error{Kind: KindStorageFailure}
	ErrTimeout             = &Error{Kind: KindTimeout}
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind so callers can test against the package sentinels
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
