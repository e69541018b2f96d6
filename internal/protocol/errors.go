package protocol

import "errors"

var (
	// ErrProtocol is a generic sentinel for protocol violations; wrap it with
	// errors.Join so callers can errors.Is against either the specific cause
	// or the general class.
	ErrProtocol = errors.New("link protocol error")

	ErrBadMagic      = errors.New("bad magic")
	ErrBadVersion    = errors.New("unsupported version")
	ErrUnknownKind   = errors.New("unknown frame kind")
	ErrFrameTooLarge = errors.New("frame payload exceeds max size")
)

// IsProtocolError reports whether err is a link-protocol violation (as
// opposed to a plain transport error like connection reset).
func IsProtocolError(err error) bool {
	return err != nil && errors.Is(err, ErrProtocol)
}
