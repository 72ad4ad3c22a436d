package model

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

// kind classifies an error the way SPEC_FULL.md §7 requires: callers test
// the kind with the Is* helpers below rather than matching on message text.
type kind int

const (
	kindInvalidArgument kind = iota
	kindNotFound
	kindAlreadyCommitted
	kindMalformedRecord
	kindIoError
	kindIllegalState
)

type kindError struct {
	kind kind
	msg  string
	err  error
}

func (e *kindError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *kindError) Unwrap() error { return e.err }

func newKind(k kind, msg string) error {
	return &kindError{kind: k, msg: msg}
}

func wrapKind(k kind, msg string, cause error) error {
	return &kindError{kind: k, msg: msg, err: cause}
}

func newInvalidArgument(msg string) error   { return newKind(kindInvalidArgument, msg) }
func newNotFound(msg string) error          { return newKind(kindNotFound, msg) }
func newIllegalState(msg string) error      { return newKind(kindIllegalState, msg) }
func newMalformedRecord(msg string) error   { return newKind(kindMalformedRecord, msg) }

// NewInvalidArgument builds an InvalidArgument error: null/malformed
// identifier, bad storage URL, negative size.
func NewInvalidArgument(msg string) error { return newInvalidArgument(msg) }

// NewNotFound builds a NotFound error: referenced artifact or storage URL
// does not resolve.
func NewNotFound(msg string) error { return newNotFound(msg) }

// NewAlreadyCommitted builds a soft, non-fatal AlreadyCommitted error.
func NewAlreadyCommitted(msg string) error { return newKind(kindAlreadyCommitted, msg) }

// NewMalformedRecord builds a MalformedRecord error: WARC framing broken.
func NewMalformedRecord(msg string) error { return newMalformedRecord(msg) }

// NewIllegalState builds an IllegalState error, e.g. reload with no index.
func NewIllegalState(msg string) error { return newIllegalState(msg) }

// WrapIoError wraps cause as an IoError with added context, using
// pkg/errors so a stack trace travels with it to the log/Sentry sink.
func WrapIoError(msg string, cause error) error {
	return wrapKind(kindIoError, msg, pkgerrors.WithStack(cause))
}

func kindOf(err error) (kind, bool) {
	var ke *kindError
	for err != nil {
		if k, ok := err.(*kindError); ok {
			ke = k
			break
		}
		err = errors.Unwrap(err)
	}
	if ke == nil {
		return 0, false
	}
	return ke.kind, true
}

// IsInvalidArgument reports whether err (or something it wraps) is an
// InvalidArgument error.
func IsInvalidArgument(err error) bool { k, ok := kindOf(err); return ok && k == kindInvalidArgument }

// IsNotFound reports whether err (or something it wraps) is a NotFound
// error.
func IsNotFound(err error) bool { k, ok := kindOf(err); return ok && k == kindNotFound }

// IsAlreadyCommitted reports whether err is the soft AlreadyCommitted kind.
func IsAlreadyCommitted(err error) bool {
	k, ok := kindOf(err)
	return ok && k == kindAlreadyCommitted
}

// IsMalformedRecord reports whether err is a MalformedRecord error.
func IsMalformedRecord(err error) bool {
	k, ok := kindOf(err)
	return ok && k == kindMalformedRecord
}

// IsIoError reports whether err is an IoError.
func IsIoError(err error) bool { k, ok := kindOf(err); return ok && k == kindIoError }

// IsIllegalState reports whether err is an IllegalState error.
func IsIllegalState(err error) bool { k, ok := kindOf(err); return ok && k == kindIllegalState }
