// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package oplog

import (
	"fmt"

	"github.com/juju/errors"
)

const (
	// ErrClosed is returned by operations on a stream that has been
	// closed, or that has already reported its terminal failure.
	ErrClosed = errors.ConstError("oplog stream closed")

	// ErrPositionLost is returned when the stream's position predates
	// the oldest entry the capped oplog still retains, so entries have
	// been truncated unobserved. The stream cannot continue without
	// risking silent gaps; callers must restart from a fresh position.
	ErrPositionLost = errors.ConstError("oplog position no longer available")
)

// MissingFieldError describes an oplog document lacking a field the
// operation contract requires.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("oplog document missing field %q", e.Field)
}

// TypeMismatchError describes an oplog document field holding a value
// of the wrong BSON type.
type TypeMismatchError struct {
	Field    string
	Expected string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("oplog document field %q: expected %s", e.Field, e.Expected)
}

// UnknownKindError describes an oplog document whose "op" tag is not
// one of the known operation kinds.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown oplog operation %q", e.Kind)
}

// IsDecodeError reports whether err came from decoding a single oplog
// document. Decode errors relate to one entry only: the stream that
// produced them remains usable and the next call moves past the
// offending entry.
func IsDecodeError(err error) bool {
	switch errors.Cause(err).(type) {
	case *MissingFieldError, *TypeMismatchError, *UnknownKindError:
		return true
	}
	return false
}
