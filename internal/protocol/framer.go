package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

var (
	markerImage  = []byte(MarkerImage)
	markerError  = []byte(MarkerError)
	trailerMagic = []byte(TrailerMagic)
)

// Header is the result of scanning the text buffer for a control line.
type Header struct {
	State  HeaderState
	Length int
	Line   string
	Reason string
}

// Err maps a terminal header state to its sentinel error.
func (h Header) Err() error {
	switch h.State {
	case HeaderInvalid:
		return fmt.Errorf("%w: %q", ErrInvalidHeader, h.Line)
	case HeaderRemoteError:
		return fmt.Errorf("%w: %s", ErrRemoteError, h.Reason)
	default:
		return nil
	}
}

// Trailer describes the "\nEND:XX" marker found near the payload tail.
type Trailer struct {
	Found bool
	// Offset is where the marker starts; the payload is cut here.
	Offset      int
	HasChecksum bool
	Checksum    uint8
}

// Frame is a finished binary payload. Payload aliases the framer arena and
// stays valid until the next Reset or BeginPayload.
type Frame struct {
	Payload  []byte
	Expected int
	Received int
	Trailer  Trailer
}

// Framer classifies ingested bytes into a text control-line buffer or a
// binary payload buffer. Both buffers are allocated once and never grow.
//
// A Framer is owned by one goroutine; the link reader reaches it only
// through a Queue.
type Framer struct {
	limits Limits

	text    []byte
	textLen int

	payload    []byte
	payloadLen int

	mode     Mode
	expected int

	droppedText    uint64
	droppedPayload uint64
}

func NewFramer(limits Limits) *Framer {
	limits = limits.WithDefaults()
	return &Framer{
		limits:  limits,
		text:    make([]byte, limits.TextCapacity),
		payload: make([]byte, limits.PayloadCapacity),
	}
}

func (f *Framer) Limits() Limits {
	return f.limits
}

// Reset returns to text mode with both buffers empty.
func (f *Framer) Reset() {
	f.textLen = 0
	f.payloadLen = 0
	f.expected = 0
	f.mode = ModeText
}

func (f *Framer) Mode() Mode {
	return f.mode
}

// Append stores one byte in the buffer selected by the current mode.
// It returns false when the byte was dropped for lack of room.
func (f *Framer) Append(c byte) bool {
	if f.mode == ModeBinary {
		if f.payloadLen >= len(f.payload) {
			f.droppedPayload++
			return false
		}
		f.payload[f.payloadLen] = c
		f.payloadLen++
		return true
	}
	// one slot stays free, the text buffer is treated as terminated
	if f.textLen >= len(f.text)-1 {
		f.droppedText++
		return false
	}
	f.text[f.textLen] = c
	f.textLen++
	return true
}

// Drain moves queued bytes into the framer and returns how many it took.
//
// In text mode it stops right after the newline that completes an image
// header, so payload bytes stay queued until BeginPayload. An error line does
// not stop it: the reason and any image header behind it in the same burst
// are drained too, and ScanHeader still prefers the header.
func (f *Framer) Drain(q *Queue) int {
	if f.mode == ModeText && f.headerComplete() {
		return 0
	}
	n := 0
	for {
		c, ok := q.Pop()
		if !ok {
			return n
		}
		n++
		f.Append(c)
		if f.mode == ModeText && c == '\n' && f.headerComplete() {
			return n
		}
	}
}

func (f *Framer) headerComplete() bool {
	switch f.ScanHeader().State {
	case HeaderReady, HeaderInvalid:
		return true
	default:
		return false
	}
}

// Text returns the text buffer contents.
func (f *Framer) Text() []byte {
	return f.text[:f.textLen]
}

// ClearText empties the text buffer without touching the payload.
func (f *Framer) ClearText() {
	f.textLen = 0
}

// ScanHeader looks for an image header or error line in the text buffer.
func (f *Framer) ScanHeader() Header {
	return ParseHeader(f.Text(), f.limits.PayloadCapacity)
}

// BeginPayload switches to binary mode for a payload of expected bytes.
func (f *Framer) BeginPayload(expected int) error {
	if expected <= 0 || expected > len(f.payload) {
		return fmt.Errorf("%w: length %d outside 1..%d", ErrInvalidHeader, expected, len(f.payload))
	}
	f.expected = expected
	f.payloadLen = 0
	f.mode = ModeBinary
	return nil
}

func (f *Framer) Expected() int {
	return f.expected
}

// Received reports payload bytes stored so far.
func (f *Framer) Received() int {
	return f.payloadLen
}

// Complete reports whether the declared length has been reached.
func (f *Framer) Complete() bool {
	return f.mode == ModeBinary && f.payloadLen >= f.expected
}

// Finish ends binary mode, cuts the trailer off the payload and returns it.
func (f *Framer) Finish() (Frame, error) {
	if f.mode != ModeBinary {
		return Frame{}, ErrNotReceiving
	}
	f.mode = ModeText
	data := f.payload[:f.payloadLen]
	tr := FindTrailer(data)
	if tr.Found {
		data = data[:tr.Offset]
	}
	return Frame{
		Payload:  data,
		Expected: f.expected,
		Received: f.payloadLen,
		Trailer:  tr,
	}, nil
}

// DroppedText reports text bytes lost to a full buffer since creation.
func (f *Framer) DroppedText() uint64 {
	return f.droppedText
}

// DroppedPayload reports payload bytes lost to a full buffer since creation.
func (f *Framer) DroppedPayload() uint64 {
	return f.droppedPayload
}

// ParseHeader scans text for "IMG:<digits>\n", then for "ERR:".
// Lengths of zero, negative, or above maxLen are invalid.
func ParseHeader(text []byte, maxLen int) Header {
	if i := bytes.Index(text, markerImage); i >= 0 {
		rest := text[i+len(markerImage):]
		if nl := bytes.IndexByte(rest, '\n'); nl >= 0 {
			line := strings.TrimRight(string(text[i:i+len(markerImage)+nl]), "\r")
			n := leadingDecimal(rest[:nl], maxLen)
			if n <= 0 || n > maxLen {
				return Header{State: HeaderInvalid, Length: n, Line: line}
			}
			return Header{State: HeaderReady, Length: n, Line: line}
		}
	}
	if i := bytes.Index(text, markerError); i >= 0 {
		rest := text[i+len(markerError):]
		if nl := bytes.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[:nl]
		}
		return Header{State: HeaderRemoteError, Reason: strings.TrimSpace(string(rest))}
	}
	return Header{State: HeaderPending}
}

// leadingDecimal parses leading digits the way atoi does. Values past limit
// saturate at limit+1; a leading minus yields -1; no digits yields 0.
func leadingDecimal(b []byte, limit int) int {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t') {
		i++
	}
	neg := false
	if i < len(b) && (b[i] == '+' || b[i] == '-') {
		neg = b[i] == '-'
		i++
	}
	n := 0
	digits := 0
	for ; i < len(b) && b[i] >= '0' && b[i] <= '9'; i++ {
		digits++
		if n > limit {
			continue
		}
		n = n*10 + int(b[i]-'0')
	}
	if n > limit {
		n = limit + 1
	}
	if neg && digits > 0 && n > 0 {
		return -1
	}
	return n
}

// FindTrailer searches the last TrailerWindow bytes of data for "\nEND:"
// and parses the checksum after it: one or two hex digits, as "%02hhX" reads.
func FindTrailer(data []byte) Trailer {
	start := len(data) - TrailerWindow
	if start < 0 {
		start = 0
	}
	i := bytes.Index(data[start:], trailerMagic)
	if i < 0 {
		return Trailer{}
	}
	tr := Trailer{Found: true, Offset: start + i}
	digits := data[tr.Offset+len(trailerMagic):]
	n := 0
	for n < len(digits) && n < 2 && isHex(digits[n]) {
		n++
	}
	if n > 0 {
		sum, err := strconv.ParseUint(string(digits[:n]), 16, 8)
		if err == nil {
			tr.HasChecksum = true
			tr.Checksum = uint8(sum)
		}
	}
	return tr
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
