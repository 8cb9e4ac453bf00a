package protocol

import "errors"

var (
	// ErrMagicMismatch is returned when a fixed frame does not start with the
	// magic header.
	ErrMagicMismatch = errors.New("protocol: magic header mismatch")
	// ErrShortFrame is returned when fewer than MagicFrameSize bytes are given.
	ErrShortFrame = errors.New("protocol: short frame")
	// ErrChecksumMismatch is returned when a structurally plausible frame fails
	// its checksum or CRC.
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")
	// ErrTooShort is returned when an escaped frame cannot hold the payload and
	// its type byte.
	ErrTooShort = errors.New("protocol: escaped frame too short")
	// ErrAddressMismatch is returned when the type byte preceding an escaped
	// payload is not the expected message type.
	ErrAddressMismatch = errors.New("protocol: unexpected message type")
)
