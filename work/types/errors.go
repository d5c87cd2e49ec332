package types

import (
	"errors"
	"fmt"
)

// ErrorClass is the top level of the failure taxonomy. The class decides what
// the orchestrators do with a failure: drop the candidate, count it toward the
// error threshold, retry elsewhere, or give up.
type ErrorClass string

const (
	ClassNone       ErrorClass = ""
	ClassValidation ErrorClass = "validation" // malformed or missing URL, skip candidate for this run
	ClassNetwork    ErrorClass = "network"    // timeout / abort / HTTP failure, retry another candidate
	ClassPlayer     ErrorClass = "player"     // swap or restore failure, retry up to the attempt limit
	ClassExhaustion ErrorClass = "exhaustion" // terminal, nothing left to try
)

// ErrorKind is the detail below a class.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindMissing     ErrorKind = "missing"
	KindInvalidType ErrorKind = "invalid_type"
	KindMalformed   ErrorKind = "malformed"
	KindEmpty       ErrorKind = "empty"
	KindTimeout     ErrorKind = "timeout"
	KindAborted     ErrorKind = "aborted"
	KindHTTPStatus  ErrorKind = "http_status"
	KindNetwork     ErrorKind = "network"
	KindSwap        ErrorKind = "swap"
	KindNotReady    ErrorKind = "not_ready"
)

var (
	ErrBusy             = errors.New("switch already in progress")
	ErrSwapTimeout      = errors.New("source swap timed out")
	ErrNotReady         = errors.New("player did not become ready")
	ErrNoPlayer         = errors.New("no player attached")
	ErrNoCandidates     = errors.New("no candidate was ever available")
	ErrAllSourcesFailed = errors.New("all candidate sources failed")
)

// SwitchError carries the failure class across the executor boundary.
type SwitchError struct {
	Class ErrorClass
	Kind  ErrorKind
	Op    string
	Err   error
}

func (e *SwitchError) Error() string {
	if e.Kind != KindNone {
		return fmt.Sprintf("%s %s (%s): %v", e.Class, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Class, e.Op, e.Err)
}

func (e *SwitchError) Unwrap() error {
	return e.Err
}

// NewSwitchError wraps err with a class and kind.
func NewSwitchError(class ErrorClass, kind ErrorKind, op string, err error) *SwitchError {
	return &SwitchError{Class: class, Kind: kind, Op: op, Err: err}
}

// ClassOf returns the class of a SwitchError anywhere in err's chain, or
// ClassPlayer for any other non-nil error.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	var se *SwitchError
	if errors.As(err, &se) {
		return se.Class
	}
	return ClassPlayer
}

// IsValidation reports whether err means "drop this candidate and move on".
func IsValidation(err error) bool {
	return ClassOf(err) == ClassValidation
}
