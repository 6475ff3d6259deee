package radius

import "errors"

var (
	// ErrQueueFull is reported when the accounting queue is saturated.
	ErrQueueFull = errors.New("radius: accounting queue full")

	// ErrNoSession is reported by a Disconnect handler that found nothing
	// to terminate.
	ErrNoSession = errors.New("radius: session not found")

	// ErrChallenge is returned for Access-Challenge replies; PPP has no
	// way to relay them to the peer.
	ErrChallenge = errors.New("radius: access challenge not supported")

	// ErrUnexpectedCode is returned when a server answers with the wrong
	// packet code.
	ErrUnexpectedCode = errors.New("radius: unexpected response code")
)
