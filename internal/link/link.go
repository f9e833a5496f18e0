// Package link carries bytes between the bridge and the camera.
//
// Ownership boundary:
// - a link owns its port or connection and the reader goroutine
// - the reader only pushes bytes into the ingestion queue; parsing is the
//   orchestrator's job
// - Send serializes outbound commands
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/camlink/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	KindSerial = "serial"
	KindTCP    = "tcp"

	DefaultBaud        = 115200
	DefaultReadTimeout = 100 * time.Millisecond
	DefaultDialTimeout = 5 * time.Second

	readChunk = 512
)

var (
	ErrClosed      = errors.New("link: closed")
	ErrUnknownKind = errors.New("link: unknown kind")
)

// Link is one camera connection.
type Link interface {
	Send(ctx context.Context, p []byte) error
	// Run pushes every received byte into q until ctx ends or the link fails.
	Run(ctx context.Context, q *protocol.Queue) error
	Close() error
	Name() string
}

// Config selects and parameterizes the transport.
type Config struct {
	Kind        string
	Port        string
	Baud        int
	Address     string
	ReadTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Kind:        KindSerial,
		Port:        "/dev/ttyAMA0",
		Baud:        DefaultBaud,
		ReadTimeout: DefaultReadTimeout,
	}
}

func (c Config) WithDefaults() Config {
	c.Kind = strings.ToLower(strings.TrimSpace(c.Kind))
	if c.Kind == "" {
		c.Kind = KindSerial
	}
	if c.Baud <= 0 {
		c.Baud = DefaultBaud
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	return c
}

// Open connects the configured transport.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (Link, error) {
	cfg = cfg.WithDefaults()
	switch cfg.Kind {
	case KindSerial:
		return OpenSerial(cfg, logger)
	case KindTCP:
		return DialTCP(ctx, cfg.Address, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

// DialTCP connects to a camera (or simulator) exposed over TCP.
func DialTCP(ctx context.Context, addr string, logger zerolog.Logger) (*Stream, error) {
	d := net.Dialer{Timeout: DefaultDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("link: dial %s: %w", addr, err)
	}
	return NewStream("tcp:"+addr, conn, logger), nil
}

// Stream adapts any byte stream to a Link.
type Stream struct {
	name   string
	rw     io.ReadWriteCloser
	logger zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

var _ Link = (*Stream)(nil)

func NewStream(name string, rw io.ReadWriteCloser, logger zerolog.Logger) *Stream {
	return &Stream{
		name:   name,
		rw:     rw,
		logger: logger.With().Str("component", "link").Str("link", name).Logger(),
		closed: make(chan struct{}),
	}
}

func (s *Stream) Name() string {
	return s.name
}

// Send writes p in full.
func (s *Stream) Send(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for len(p) > 0 {
		n, err := s.rw.Write(p)
		if err != nil {
			return fmt.Errorf("link: write %s: %w", s.name, err)
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	s.logger.Debug().Msg("command sent")
	return nil
}

// Run is the ingestion path. It closes the stream when ctx ends so a
// blocked read returns.
func (s *Stream) Run(ctx context.Context, q *protocol.Queue) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	s.logger.Info().Msg("link reader started")
	buf := make([]byte, readChunk)
	for {
		n, err := s.rw.Read(buf)
		if n > 0 {
			q.Write(buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: %s: peer hung up", ErrClosed, s.name)
			}
			return fmt.Errorf("link: read %s: %w", s.name, err)
		}
		// serial reads return 0, nil on timeout
		if n == 0 && ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Stream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.closeErr = s.rw.Close()
	})
	return s.closeErr
}
