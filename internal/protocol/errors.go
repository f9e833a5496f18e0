package protocol

import "errors"

var (
	ErrInvalidHeader    = errors.New("protocol: invalid image header")
	ErrRemoteError      = errors.New("protocol: remote error line")
	ErrTrailerMissing   = errors.New("protocol: end trailer missing")
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")
	ErrNotReceiving     = errors.New("protocol: framer not in binary mode")
	ErrPayloadTooLarge  = errors.New("protocol: payload too large")
	ErrEmptyPayload     = errors.New("protocol: empty payload")
)
