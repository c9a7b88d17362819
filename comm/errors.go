package comm

import "github.com/pkg/errors"

// Error kinds from spec.md §7.
var (
	// ErrInvalidArgument marks a programmer error: a missing required
	// collaborator or parameter, or a nil message. A wrong message
	// subtype and a broadcast message on a targeted-only path have
	// their own errors below.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrWrongSubtype is returned by Reconfigure when the caller
	// passes a message of a different subtype than the Request was
	// constructed for.
	ErrWrongSubtype = errors.New("message subtype does not match request")

	// ErrListenerNotSet is returned by StartPublishing when no
	// listener has been installed yet (spec.md §4.E "illegal if
	// listener unset").
	ErrListenerNotSet = errors.New("listener not set")

	// ErrBroadcastNotAllowed marks spec.md §4.G's rejection of a
	// broadcast (nil name) message on the Map's targeted-only paths.
	ErrBroadcastNotAllowed = errors.New("broadcast requests are not accepted on this path")
)
