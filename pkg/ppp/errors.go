package ppp

import "errors"

var (
	// ErrShutdownInProgress is returned once the daemon started its
	// graceful shutdown.
	ErrShutdownInProgress = errors.New("ppp: shutdown in progress")

	// ErrNoBundle is returned when a link cannot be placed in any bundle.
	ErrNoBundle = errors.New("ppp: no bundle for link")

	// ErrBundleFull is returned when every link slot of a bundle is used.
	ErrBundleFull = errors.New("ppp: bundle has no free link slot")

	// ErrTooManyChildren is returned when a template hit its instance cap.
	ErrTooManyChildren = errors.New("ppp: too many template instances")

	// ErrNotFound is returned for unknown link or bundle names.
	ErrNotFound = errors.New("ppp: not found")

	// ErrTemplate is returned for operations a template cannot perform.
	ErrTemplate = errors.New("ppp: operation not allowed on a template")

	// ErrExists is returned when a name is already taken.
	ErrExists = errors.New("ppp: name already in use")

	// ErrJoinRefused is returned when a link fails bundle admission.
	ErrJoinRefused = errors.New("ppp: bundle join refused")

	// ErrProtoClosed is returned when sending a datagram whose network
	// control protocol is not opened.
	ErrProtoClosed = errors.New("ppp: network protocol not open")

	// ErrUnknownOption is returned for option names missing from a table.
	ErrUnknownOption = errors.New("ppp: unknown option")
)
