package upload

import (
	"errors"
	"fmt"
)

// Kind classifies a failed upload step so callers can pick the right response.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindCapacity
	KindTransient
	KindAborted
	KindConsistency
	KindConflict
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindCapacity:
		return "capacity"
	case KindTransient:
		return "transient"
	case KindAborted:
		return "aborted"
	case KindConsistency:
		return "consistency"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error carries a Kind, a message that is safe to show to clients, and the
// internal cause (which may include paths and is only logged).
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Sentinels for conditions callers may want to match with errors.Is.
var (
	ErrMissingChunks     = errors.New("missing chunks")
	ErrUnexpectedChunks  = errors.New("chunk index beyond declared total")
	ErrSizeMismatch      = errors.New("merged size mismatch")
	ErrDestinationExists = errors.New("destination exists")
	ErrDisconnected      = errors.New("client disconnected")
	ErrChunkTooLarge     = errors.New("chunk larger than the file may be")
)

// KindOf returns the Kind of err; unclassified errors are transient.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return KindTransient
}

// Message returns the client-facing message for err.
func Message(err error) string {
	var ue *Error
	if errors.As(err, &ue) && ue.Msg != "" {
		return ue.Msg
	}
	return "upload failed"
}
