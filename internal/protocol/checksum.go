package protocol

import "fmt"

// Checksum folds every byte of data with XOR into one byte.
func Checksum(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum ^= b
	}
	return sum
}

// Verification is the integrity outcome of one frame.
type Verification struct {
	Computed    uint8
	Declared    uint8
	HasDeclared bool
	// Warning is ErrTrailerMissing, ErrChecksumMismatch or nil. It never
	// rejects the frame.
	Warning error
}

func (v Verification) OK() bool {
	return v.Warning == nil
}

// Verify checks the frame payload against the trailer checksum.
func Verify(fr Frame) Verification {
	v := Verification{Computed: Checksum(fr.Payload)}
	if !fr.Trailer.Found || !fr.Trailer.HasChecksum {
		v.Warning = ErrTrailerMissing
		return v
	}
	v.Declared = fr.Trailer.Checksum
	v.HasDeclared = true
	if v.Declared != v.Computed {
		v.Warning = fmt.Errorf("%w: declared %02X computed %02X", ErrChecksumMismatch, v.Declared, v.Computed)
	}
	return v
}
