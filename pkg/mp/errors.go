package mp

import "errors"

var (
	// ErrShortHeader is returned when a frame cannot hold an MP header.
	ErrShortHeader = errors.New("mp: header too short")

	// ErrBadDiscrim is returned for a malformed endpoint discriminator.
	ErrBadDiscrim = errors.New("mp: bad endpoint discriminator")
)
