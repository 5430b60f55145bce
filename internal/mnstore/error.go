// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mnstore

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific Error.
const (
	// ErrStore indicates a general error with the underlying database.
	ErrStore = ErrorKind("ErrStore")

	// ErrStoreCorruption indicates the underlying database is corrupt.
	ErrStoreCorruption = ErrorKind("ErrStoreCorruption")

	// ErrStoreNotOpen indicates an operation on a closed database.
	ErrStoreNotOpen = ErrorKind("ErrStoreNotOpen")

	// ErrStoreVersion indicates the database was created by a newer version
	// of the software.
	ErrStoreVersion = ErrorKind("ErrStoreVersion")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies an error related to the checkpoint store.  It has full
// support for errors.Is and errors.As, so the caller can ascertain the
// specific reason for the error by checking the underlying error.
type Error struct {
	Err         error
	Description string

	// RawErr is the underlying database error, if any.
	RawErr error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e Error) Unwrap() error {
	return e.Err
}

// storeError creates an Error given a set of arguments.
func storeError(kind ErrorKind, desc string) Error {
	return Error{Err: kind, Description: desc}
}
