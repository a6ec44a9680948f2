// Package errors defines the sentinel error vocabulary shared by every layer
// of ublockfs, from the block device up to the CLI adapter. Components never
// invent ad-hoc error strings as sentinels; they return one of the kinds
// declared here, optionally decorated with a free-form message via
// WithMessage or wrapping a lower-level cause via WrapError.
package errors

import (
	"fmt"
)

// DiskoError is a sentinel error kind. Callers compare against these
// directly (they're comparable values) or with errors.Is once wrapped by
// WithMessage/WrapError.
type DiskoError string

const ErrNotMounted = DiskoError("filesystem is not mounted")
const ErrAlreadyMounted = DiskoError("filesystem is already mounted")
const ErrInvalidName = DiskoError("invalid name")
const ErrNotFound = DiskoError("no such file or directory")
const ErrExists = DiskoError("file exists")
const ErrWrongType = DiskoError("inappropriate type for operation")
const ErrDirectoryNotEmpty = DiskoError("directory not empty")
const ErrBusy = DiskoError("device or resource busy")
const ErrNoSpaceOnDevice = DiskoError("no space left on device")
const ErrNoInodes = DiskoError("no free inodes")
const ErrIOFailed = DiskoError("input/output error")
const ErrFileSystemCorrupted = DiskoError("structure needs cleaning")
const ErrInvalidArgument = DiskoError("invalid argument")

func (e DiskoError) Error() string {
	return string(e)
}

func (e DiskoError) WithMessage(message string) DriverError {
	return customDriverError{
		kind:          e,
		message:       fmt.Sprintf("%s: %s", e.Error(), message),
		originalError: e,
	}
}

func (e DiskoError) WrapError(err error) DriverError {
	return customDriverError{
		kind:          e,
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: err,
	}
}
