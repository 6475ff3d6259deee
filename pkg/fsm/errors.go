package fsm

import "errors"

var (
	// ErrRunt is returned for packets shorter than the 4-byte header.
	ErrRunt = errors.New("runt packet")

	// ErrBadLength is returned when the header length is inconsistent.
	ErrBadLength = errors.New("bad length")

	// ErrOptionGarbage is returned when option data has trailing bytes
	// that do not form a complete option.
	ErrOptionGarbage = errors.New("extra garbage bytes in config packet")
)
