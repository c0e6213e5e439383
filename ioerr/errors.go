// Package ioerr defines the error kinds surfaced by the native I/O layer.
//
// Every error returned by this module that belongs to one of the kinds below
// is marked with the corresponding sentinel, so callers can classify it with
// errors.Is regardless of how much context has been wrapped around it.
package ioerr

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrConfiguration is returned for invalid or incomplete configuration,
	// e.g. a missing object store parameter or a wrong number of files.
	ErrConfiguration = errors.New("configuration error")
	// ErrInvariantViolation is returned when an internal contract is broken,
	// e.g. a null pushed to a non-nullable column or a builder frozen twice.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrResourceBusy is returned when a fail-fast guarded resource is
	// already borrowed.
	ErrResourceBusy = errors.New("resource busy")
	// ErrEncoding wraps failures of the columnar file format library.
	ErrEncoding = errors.New("encoding error")
	// ErrStorageIO wraps failures of the object store.
	ErrStorageIO = errors.New("storage i/o error")
	// ErrSchema is returned for malformed schema descriptions.
	ErrSchema = errors.New("schema error")
)

func Configurationf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrConfiguration)
}

func Invariantf(format string, args ...interface{}) error {
	return errors.Mark(errors.AssertionFailedf(format, args...), ErrInvariantViolation)
}

func Schemaf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrSchema)
}

// ResourceBusy returns an ErrResourceBusy error naming the busy resource.
func ResourceBusy(resource string) error {
	return errors.Mark(errors.Newf("%s is already borrowed", resource), ErrResourceBusy)
}

// Encoding marks err as an encoding error. A nil err yields nil.
func Encoding(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ErrEncoding)
}

// Storage marks err as a storage error. A nil err yields nil.
func Storage(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ErrStorageIO)
}

// Schema marks err as a schema error. A nil err yields nil.
func Schema(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ErrSchema)
}

// Configuration marks err as a configuration error. A nil err yields nil.
func Configuration(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ErrConfiguration)
}
