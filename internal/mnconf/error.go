// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mnconf

import "fmt"

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific ParseError.
const (
	// ErrMalformedLine indicates a line without the expected fields.
	ErrMalformedLine = ErrorKind("ErrMalformedLine")

	// ErrInvalidAddr indicates a service address that is not an IP:port
	// pair.
	ErrInvalidAddr = ErrorKind("ErrInvalidAddr")

	// ErrInvalidPort indicates a service port not allowed on the network.
	ErrInvalidPort = ErrorKind("ErrInvalidPort")

	// ErrInvalidTxHash indicates a collateral transaction hash that cannot
	// be decoded.
	ErrInvalidTxHash = ErrorKind("ErrInvalidTxHash")

	// ErrInvalidIndex indicates a collateral output index that cannot be
	// decoded.
	ErrInvalidIndex = ErrorKind("ErrInvalidIndex")

	// ErrMalformedKey indicates a private key string that cannot be decoded.
	ErrMalformedKey = ErrorKind("ErrMalformedKey")

	// ErrKeyChecksum indicates a private key string with a bad checksum.
	ErrKeyChecksum = ErrorKind("ErrKeyChecksum")

	// ErrWrongNetwork indicates a private key encoded for another network.
	ErrWrongNetwork = ErrorKind("ErrWrongNetwork")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// ParseError identifies a line of the definition file that could not be
// parsed.
type ParseError struct {
	Err         error
	Description string
	Line        int
	Text        string
}

// Error satisfies the error interface and prints human-readable errors.
func (e ParseError) Error() string {
	return fmt.Sprintf("%s (line %d: %q)", e.Description, e.Line, e.Text)
}

// Unwrap returns the underlying wrapped error.
func (e ParseError) Unwrap() error {
	return e.Err
}

// parseError creates a ParseError given a set of arguments.
func parseError(kind ErrorKind, desc string, line int, text string) ParseError {
	return ParseError{Err: kind, Description: desc, Line: line, Text: text}
}
