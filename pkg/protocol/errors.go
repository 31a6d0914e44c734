package protocol

import "errors"

// These error strings double as the stable, machine-readable "reason"
// tokens written into the daemon's decision log (see internal/daemon) —
// do not reword them without checking every place that parses the log.
var (
	// ErrPacketTooShort is returned when a frame is below the minimum fixed size.
	ErrPacketTooShort = errors.New("packet too short")

	// ErrBadVersion is returned when the version byte is not protocol.Version.
	ErrBadVersion = errors.New("bad_ver")

	// ErrLengthMismatch is returned when the declared ct_len disagrees with the
	// frame's actual total length.
	ErrLengthMismatch = errors.New("length mismatch")

	// ErrBadCiphertextLen is returned when ct_len does not equal the daemon's
	// configured KEM ciphertext length.
	ErrBadCiphertextLen = errors.New("bad_ct_len")
)
