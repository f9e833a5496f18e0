package protocol

// Commands sent to the camera.
const (
	CmdCapture = "CAP\n"
	CmdStatus  = "STATUS\n"
)

// Line markers received from the camera.
const (
	MarkerImage  = "IMG:"
	MarkerError  = "ERR:"
	MarkerOK     = "OK:"
	MarkerEnd    = "END:"
	TrailerMagic = "\n" + MarkerEnd
)

// Buffer limits.
const (
	DefaultTextCapacity    = 2048
	DefaultPayloadCapacity = 512 * 1024
	DefaultQueueCapacity   = 64 * 1024

	// TrailerWindow is how many tail bytes of the payload are scanned for TrailerMagic.
	TrailerWindow = 10
)

// Mode selects which buffer incoming bytes land in.
type Mode uint8

const (
	ModeText Mode = iota
	ModeBinary
)

func (m Mode) String() string {
	switch m {
	case ModeText:
		return "text"
	case ModeBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// HeaderState reports what the text buffer holds while awaiting a header.
type HeaderState uint8

const (
	HeaderPending HeaderState = iota
	HeaderReady
	HeaderInvalid
	HeaderRemoteError
)

func (s HeaderState) String() string {
	switch s {
	case HeaderPending:
		return "pending"
	case HeaderReady:
		return "ready"
	case HeaderInvalid:
		return "invalid"
	case HeaderRemoteError:
		return "remote_error"
	default:
		return "unknown"
	}
}

// Limits constrains framer memory use.
type Limits struct {
	TextCapacity    int
	PayloadCapacity int
}

func DefaultLimits() Limits {
	return Limits{
		TextCapacity:    DefaultTextCapacity,
		PayloadCapacity: DefaultPayloadCapacity,
	}
}

// WithDefaults fills zero or negative capacities.
func (l Limits) WithDefaults() Limits {
	if l.TextCapacity <= 1 {
		l.TextCapacity = DefaultTextCapacity
	}
	if l.PayloadCapacity <= 0 {
		l.PayloadCapacity = DefaultPayloadCapacity
	}
	return l
}
