// Package syncerr defines the closed set of failures the sync engine
// reports to its callers. Callers switch on Kind; there is no other
// error hierarchy.
package syncerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindNetworkUnavailable is retriable. The gateway already exhausted
	// its bounded backoff when this surfaces.
	KindNetworkUnavailable
	// KindRejectedByNode is only produced by transaction submission.
	KindRejectedByNode
	KindNonMonotonicCursor
	// KindReorgTooDeep stops one script until an operator resyncs it.
	KindReorgTooDeep
	KindAmendmentCycleDetected
	KindDuplicateScript
	KindScriptNotFound
)

func (k Kind) String() string {
	switch k {
	case KindNetworkUnavailable:
		return "network_unavailable"
	case KindRejectedByNode:
		return "rejected_by_node"
	case KindNonMonotonicCursor:
		return "non_monotonic_cursor"
	case KindReorgTooDeep:
		return "reorg_too_deep"
	case KindAmendmentCycleDetected:
		return "amendment_cycle_detected"
	case KindDuplicateScript:
		return "duplicate_script"
	case KindScriptNotFound:
		return "script_not_found"
	default:
		return "unknown"
	}
}

// Retriable reports whether the failure may clear on its own.
func (k Kind) Retriable() bool {
	return k == KindNetworkUnavailable
}

// Sentinels for errors.Is matching.
var (
	ErrNetworkUnavailable     = &Error{Kind: KindNetworkUnavailable}
	ErrRejectedByNode         = &Error{Kind: KindRejectedByNode}
	ErrNonMonotonicCursor     = &Error{Kind: KindNonMonotonicCursor}
	ErrReorgTooDeep           = &Error{Kind: KindReorgTooDeep}
	ErrAmendmentCycleDetected = &Error{Kind: KindAmendmentCycleDetected}
	ErrDuplicateScript        = &Error{Kind: KindDuplicateScript}
	ErrScriptNotFound         = &Error{Kind: KindScriptNotFound}
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an error whose cause is a formatted message.
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
