package protocol

import (
	"fmt"
	"io"
)

// WriteImage writes the camera side of one transfer: the IMG header, the
// payload, then the END trailer carrying the XOR checksum.
func WriteImage(w io.Writer, payload []byte, maxLen int) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if maxLen > 0 && len(payload) > maxLen {
		return ErrPayloadTooLarge
	}
	if _, err := fmt.Fprintf(w, "%s%d\n", MarkerImage, len(payload)); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return WriteTrailer(w, Checksum(payload))
}

// WriteTrailer writes "\nEND:XX\n" with uppercase hex.
func WriteTrailer(w io.Writer, sum uint8) error {
	_, err := fmt.Fprintf(w, "%s%02X\n", TrailerMagic, sum)
	return err
}

// WriteError writes an "ERR:<reason>" line.
func WriteError(w io.Writer, reason string) error {
	_, err := fmt.Fprintf(w, "%s%s\n", MarkerError, reason)
	return err
}

// WriteOK writes an "OK:<detail>" line.
func WriteOK(w io.Writer, detail string) error {
	_, err := fmt.Fprintf(w, "%s%s\n", MarkerOK, detail)
	return err
}
