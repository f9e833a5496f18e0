// Package camsim is a camera peer that speaks the capture wire protocol.
// It backs bench runs (camctl simulate) and end-to-end tests.
package camsim

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/camlink/internal/protocol"
	"github.com/rs/zerolog"
)

// Fault selects how the camera misbehaves on CAP.
type Fault string

const (
	FaultNone        Fault = "none"
	FaultError       Fault = "error"
	FaultNoTrailer   Fault = "no_trailer"
	FaultBadChecksum Fault = "bad_checksum"
	FaultSilent      Fault = "silent"
	FaultZeroLength  Fault = "zero_length"
)

func ParseFault(raw string) (Fault, error) {
	switch f := Fault(strings.ToLower(strings.TrimSpace(raw))); f {
	case "":
		return FaultNone, nil
	case FaultNone, FaultError, FaultNoTrailer, FaultBadChecksum, FaultSilent, FaultZeroLength:
		return f, nil
	default:
		return "", fmt.Errorf("camsim: unknown fault %q", raw)
	}
}

// Config shapes the simulated camera.
type Config struct {
	Image  []byte
	Fault  Fault
	Reason string
	Status string
	// Chunk and ChunkDelay pace payload writes like a UART.
	Chunk      int
	ChunkDelay time.Duration
}

func DefaultConfig() Config {
	return Config{Fault: FaultNone, Reason: "camera not ready", Status: "camera ready", Chunk: 1024}
}

// Camera answers one command line at a time.
type Camera struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	captures int
}

func New(cfg Config, logger zerolog.Logger) (*Camera, error) {
	if cfg.Fault == "" {
		cfg.Fault = FaultNone
	}
	if cfg.Chunk <= 0 {
		cfg.Chunk = 1024
	}
	if cfg.Status == "" {
		cfg.Status = "camera ready"
	}
	if len(cfg.Image) == 0 {
		img, err := SampleJPEG(320, 240)
		if err != nil {
			return nil, err
		}
		cfg.Image = img
	}
	return &Camera{cfg: cfg, logger: logger.With().Str("component", "camsim").Logger()}, nil
}

// Captures reports how many CAP commands were answered.
func (c *Camera) Captures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captures
}

// Serve reads commands from rw until it fails or ctx ends. Callers close
// rw to stop a blocked read.
func (c *Camera) Serve(ctx context.Context, rw io.ReadWriter) error {
	r := bufio.NewReader(rw)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("camsim: read command: %w", err)
		}
		if err := c.Handle(ctx, rw, strings.TrimSpace(line)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Handle answers a single command.
func (c *Camera) Handle(ctx context.Context, w io.Writer, cmd string) error {
	switch cmd {
	case strings.TrimSpace(protocol.CmdCapture):
		c.mu.Lock()
		c.captures++
		n := c.captures
		c.mu.Unlock()
		c.logger.Info().Int("capture", n).Str("fault", string(c.cfg.Fault)).Msg("capture requested")
		return c.capture(ctx, w)
	case strings.TrimSpace(protocol.CmdStatus):
		return protocol.WriteOK(w, c.cfg.Status)
	case "":
		return nil
	default:
		c.logger.Warn().Str("command", cmd).Msg("unknown command")
		return protocol.WriteError(w, "unknown command")
	}
}

func (c *Camera) capture(ctx context.Context, w io.Writer) error {
	img := c.cfg.Image
	switch c.cfg.Fault {
	case FaultSilent:
		return nil
	case FaultError:
		return protocol.WriteError(w, c.cfg.Reason)
	case FaultZeroLength:
		_, err := fmt.Fprintf(w, "%s0\n", protocol.MarkerImage)
		return err
	}

	if _, err := fmt.Fprintf(w, "%s%d\n", protocol.MarkerImage, len(img)); err != nil {
		return err
	}
	if err := c.pace(ctx, w, img); err != nil {
		return err
	}
	sum := protocol.Checksum(img)
	switch c.cfg.Fault {
	case FaultNoTrailer:
		return nil
	case FaultBadChecksum:
		sum = ^sum
	}
	return protocol.WriteTrailer(w, sum)
}

func (c *Camera) pace(ctx context.Context, w io.Writer, p []byte) error {
	for len(p) > 0 {
		n := min(c.cfg.Chunk, len(p))
		if _, err := w.Write(p[:n]); err != nil {
			return err
		}
		p = p[n:]
		if c.cfg.ChunkDelay > 0 && len(p) > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.ChunkDelay):
			}
		}
	}
	return nil
}

// ListenAndServe accepts connections on addr and serves each until ctx ends.
func (c *Camera) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("camsim: listen %s: %w", addr, err)
	}
	c.logger.Info().Str("addr", ln.Addr().String()).Msg("camera simulator listening")
	if ready != nil {
		ready(ln.Addr())
	}
	return c.ServeListener(ctx, ln)
}

func (c *Camera) ServeListener(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("camsim: accept: %w", err)
		}
		c.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("bridge connected")
		wg.Add(1)
		go func() {
			defer wg.Done()
			closeConn := context.AfterFunc(ctx, func() { _ = conn.Close() })
			defer closeConn()
			defer conn.Close()
			if err := c.Serve(ctx, conn); err != nil {
				c.logger.Warn().Err(err).Msg("connection ended")
			}
		}()
	}
}

// SampleJPEG renders a gradient test card.
func SampleJPEG(w, h int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 0x80, A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("camsim: encode sample: %w", err)
	}
	return buf.Bytes(), nil
}
