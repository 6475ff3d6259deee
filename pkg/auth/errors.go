package auth

import "errors"

var (
	// ErrUnknownUser is reported for names missing from the secret table.
	ErrUnknownUser = errors.New("auth: unknown user")

	// ErrBadResponse is reported for malformed or wrong responses.
	ErrBadResponse = errors.New("auth: invalid response")

	// ErrUnsupported is reported for methods the verifier cannot check.
	ErrUnsupported = errors.New("auth: unsupported method")
)
