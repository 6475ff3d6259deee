package node

import "errors"

var (
	// ErrRunt is returned for frames too short to carry a protocol field.
	ErrRunt = errors.New("node: runt frame")

	// ErrBadLink is returned for a link index outside the bundle.
	ErrBadLink = errors.New("node: bad link index")

	// ErrNoLinks is returned when no enabled link can carry a packet.
	ErrNoLinks = errors.New("node: no enabled links")

	// ErrBadConfig is returned by SetConfig for inconsistent parameters.
	ErrBadConfig = errors.New("node: bad configuration")

	// ErrSequence is returned by a receive stage that lost sync with the
	// peer and needs a reset.
	ErrSequence = errors.New("node: sequence mismatch")

	// ErrBadCipher is returned for ciphertext of impossible length.
	ErrBadCipher = errors.New("node: bogus ciphertext")
)
