package capture

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/camlink/internal/protocol"
	"github.com/danmuck/camlink/internal/storage"
)

var (
	ErrTimeout = errors.New("capture: timed out")
	ErrLink    = errors.New("capture: link send failed")
)

// State is the capture session state.
type State uint8

const (
	StateIdle State = iota
	StateRequestSent
	StateAwaitingHeader
	StateReceivingPayload
	StateVerified
	StatePersisted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestSent:
		return "request_sent"
	case StateAwaitingHeader:
		return "awaiting_header"
	case StateReceivingPayload:
		return "receiving_payload"
	case StateVerified:
		return "verified"
	case StatePersisted:
		return "persisted"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome labels how a cycle ended.
type Outcome string

const (
	OutcomePersisted     Outcome = "persisted"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeRemoteError   Outcome = "remote_error"
	OutcomeInvalidHeader Outcome = "invalid_header"
	OutcomeStorageError  Outcome = "storage_error"
	OutcomeLinkError     Outcome = "link_error"
	OutcomeCanceled      Outcome = "canceled"
	OutcomeFailed        Outcome = "failed"
)

// OutcomeOf maps a cycle error to its outcome label.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomePersisted
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, protocol.ErrRemoteError):
		return OutcomeRemoteError
	case errors.Is(err, protocol.ErrInvalidHeader):
		return OutcomeInvalidHeader
	case errors.Is(err, storage.ErrStorage):
		return OutcomeStorageError
	case errors.Is(err, ErrLink):
		return OutcomeLinkError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeFailed
	}
}

// WarningKind labels a non-fatal integrity warning.
func WarningKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, protocol.ErrTrailerMissing):
		return "trailer_missing"
	case errors.Is(err, protocol.ErrChecksumMismatch):
		return "checksum_mismatch"
	default:
		return "other"
	}
}

// Sender is the outbound half of the camera link.
type Sender interface {
	Send(ctx context.Context, p []byte) error
}

// Persister stores finished payloads.
type Persister interface {
	Save(payload []byte) (storage.Artifact, error)
}

// Config holds cycle timing and buffer sizing.
type Config struct {
	Interval       time.Duration
	HeaderTimeout  time.Duration
	PayloadTimeout time.Duration
	PollInterval   time.Duration
	TrailerSettle  time.Duration
	BootDelay      time.Duration
	StatusProbe    bool
	StatusWait     time.Duration
	Limits         protocol.Limits
}

// DefaultConfig matches the camera firmware timings.
func DefaultConfig() Config {
	return Config{
		Interval:       60 * time.Second,
		HeaderTimeout:  30 * time.Second,
		PayloadTimeout: 30 * time.Second,
		PollInterval:   10 * time.Millisecond,
		TrailerSettle:  100 * time.Millisecond,
		BootDelay:      3 * time.Second,
		StatusProbe:    true,
		StatusWait:     time.Second,
		Limits:         protocol.DefaultLimits(),
	}
}

// WithDefaults fills unset budgets. Zero settle and boot delay are allowed.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.HeaderTimeout <= 0 {
		c.HeaderTimeout = d.HeaderTimeout
	}
	if c.PayloadTimeout <= 0 {
		c.PayloadTimeout = d.PayloadTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.TrailerSettle < 0 {
		c.TrailerSettle = 0
	}
	if c.BootDelay < 0 {
		c.BootDelay = 0
	}
	if c.StatusWait <= 0 {
		c.StatusWait = d.StatusWait
	}
	c.Limits = c.Limits.WithDefaults()
	return c
}

// Session is a snapshot of the active capture session.
type Session struct {
	State    State `json:"state"`
	Expected int   `json:"expected"`
	Received int   `json:"received"`
}

// Result describes one finished cycle.
type Result struct {
	Cycle    uint64
	State    State
	Outcome  Outcome
	Expected int
	Received int

	Checksum    uint8
	Declared    uint8
	HasDeclared bool
	// Warning is a non-fatal integrity warning; the artifact was still saved.
	Warning error

	Artifact *storage.Artifact
	Err      error

	StartedAt time.Time
	Duration  time.Duration
}
