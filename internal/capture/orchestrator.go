package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/danmuck/camlink/internal/observability"
	"github.com/danmuck/camlink/internal/protocol"
	"github.com/danmuck/camlink/internal/storage"
	"github.com/rs/zerolog"
)

// Orchestrator runs capture cycles against one camera link.
//
// The link reader fills queue; everything else, the framer included, is
// touched only by the goroutine running cycles.
type Orchestrator struct {
	cfg    Config
	link   Sender
	queue  *protocol.Queue
	framer *protocol.Framer
	store  Persister
	clock  Clock
	logger zerolog.Logger

	cycleMu sync.Mutex
	trigger chan struct{}
	cycles  atomic.Uint64

	mu         sync.RWMutex
	session    Session
	last       Result
	hasLast    bool
	statusLine string
	dropped    map[string]uint64
}

func New(cfg Config, link Sender, queue *protocol.Queue, store Persister, clock Clock, logger zerolog.Logger) *Orchestrator {
	cfg = cfg.WithDefaults()
	if clock == nil {
		clock = RealClock()
	}
	return &Orchestrator{
		cfg:     cfg,
		link:    link,
		queue:   queue,
		framer:  protocol.NewFramer(cfg.Limits),
		store:   store,
		clock:   clock,
		logger:  logger.With().Str("component", "capture").Logger(),
		trigger: make(chan struct{}, 1),
	}
}

func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Run waits out the boot delay, probes status, then runs one cycle per
// interval until ctx ends. Cycle failures never stop the loop.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := Sleep(ctx, o.clock, o.cfg.BootDelay); err != nil {
		return ignoreCanceled(err)
	}
	if o.cfg.StatusProbe {
		if _, err := o.Probe(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			o.logger.Warn().Err(err).Msg("status probe failed")
		}
	}
	for {
		o.RunCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		o.logger.Info().Dur("interval", o.cfg.Interval).Msg("waiting for next capture")
		select {
		case <-ctx.Done():
			return nil
		case <-o.trigger:
			o.logger.Info().Msg("manual capture requested")
		case <-o.clock.After(o.cfg.Interval):
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Trigger asks Run to start the next cycle without waiting out the
// interval. Requests coalesce; false means one was already pending.
func (o *Orchestrator) Trigger() bool {
	select {
	case o.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Probe sends STATUS and returns whatever text arrived after StatusWait.
func (o *Orchestrator) Probe(ctx context.Context) (string, error) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	o.queue.Discard()
	o.framer.Reset()
	defer o.framer.Reset()
	if err := o.link.Send(ctx, []byte(protocol.CmdStatus)); err != nil {
		return "", fmt.Errorf("%w: %w", ErrLink, err)
	}
	if err := Sleep(ctx, o.clock, o.cfg.StatusWait); err != nil {
		return "", err
	}
	o.framer.Drain(o.queue)
	line := strings.TrimSpace(string(o.framer.Text()))
	o.mu.Lock()
	o.statusLine = line
	o.mu.Unlock()
	if line == "" {
		o.logger.Warn().Msg("no status response")
	} else {
		o.logger.Info().Str("response", line).Msg("camera status")
	}
	return line, nil
}

// RunCycle performs one request/receive/verify/persist cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) Result {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	res := Result{Cycle: o.cycles.Add(1), StartedAt: o.clock.Now()}
	o.logger.Info().Uint64("cycle", res.Cycle).Msg("starting capture cycle")

	res.Err = o.cycle(ctx, &res)
	res.Outcome = OutcomeOf(res.Err)
	res.Duration = o.clock.Now().Sub(res.StartedAt)
	o.framer.Reset()

	o.record(res)
	o.mu.Lock()
	o.session = Session{State: StateIdle}
	o.last = res
	o.hasLast = true
	o.dropped = map[string]uint64{
		"text":    o.framer.DroppedText(),
		"payload": o.framer.DroppedPayload(),
	}
	o.mu.Unlock()
	return res
}

func (o *Orchestrator) cycle(ctx context.Context, res *Result) error {
	o.queue.Discard()
	o.framer.Reset()
	o.enter(res, StateRequestSent, 0, 0)
	if err := o.link.Send(ctx, []byte(protocol.CmdCapture)); err != nil {
		return fmt.Errorf("%w: %w", ErrLink, err)
	}

	o.enter(res, StateAwaitingHeader, 0, 0)
	var header protocol.Header
	err := WaitFor(ctx, o.clock, o.cfg.HeaderTimeout, o.cfg.PollInterval, func() (bool, error) {
		o.framer.Drain(o.queue)
		header = o.framer.ScanHeader()
		switch header.State {
		case protocol.HeaderPending:
			return false, nil
		case protocol.HeaderReady:
			return true, nil
		default:
			return false, header.Err()
		}
	})
	if errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: no image header after %s", ErrTimeout, o.cfg.HeaderTimeout)
	}
	if err != nil {
		return err
	}
	res.Expected = header.Length
	o.logger.Info().Int("expected", header.Length).Msg("image header received")

	if err := o.framer.BeginPayload(header.Length); err != nil {
		return err
	}
	o.enter(res, StateReceivingPayload, header.Length, 0)
	prog := progress{expected: header.Length}
	err = WaitFor(ctx, o.clock, o.cfg.PayloadTimeout, o.cfg.PollInterval, func() (bool, error) {
		o.framer.Drain(o.queue)
		received := o.framer.Received()
		o.setReceived(received)
		if pct, ok := prog.step(received); ok {
			o.logger.Info().Int("percent", pct).Int("received", received).Msg("receiving")
		}
		return o.framer.Complete(), nil
	})
	res.Received = o.framer.Received()
	if errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: payload %d/%d bytes after %s", ErrTimeout, res.Received, res.Expected, o.cfg.PayloadTimeout)
	}
	if err != nil {
		return err
	}

	// the trailer follows the declared length, give it time to land
	if err := Sleep(ctx, o.clock, o.cfg.TrailerSettle); err != nil {
		return err
	}
	o.framer.Drain(o.queue)
	frame, err := o.framer.Finish()
	if err != nil {
		return err
	}
	res.Received = frame.Received

	v := protocol.Verify(frame)
	res.Checksum = v.Computed
	res.Declared = v.Declared
	res.HasDeclared = v.HasDeclared
	res.Warning = v.Warning
	o.enter(res, StateVerified, res.Expected, res.Received)
	if v.Warning != nil {
		o.logger.Warn().Err(v.Warning).Int("bytes", len(frame.Payload)).Msg("integrity check failed, saving anyway")
	} else {
		o.logger.Info().Str("checksum", fmt.Sprintf("%02X", v.Computed)).Int("bytes", len(frame.Payload)).Msg("checksum ok")
	}

	art, err := o.store.Save(frame.Payload)
	if err != nil {
		if !errors.Is(err, storage.ErrStorage) {
			err = fmt.Errorf("%w: %w", storage.ErrStorage, err)
		}
		return err
	}
	res.Artifact = &art
	o.enter(res, StatePersisted, res.Expected, res.Received)
	return nil
}

func (o *Orchestrator) enter(res *Result, state State, expected, received int) {
	res.State = state
	o.mu.Lock()
	o.session = Session{State: state, Expected: expected, Received: received}
	o.mu.Unlock()
}

func (o *Orchestrator) setReceived(n int) {
	o.mu.Lock()
	o.session.Received = n
	o.mu.Unlock()
}

func (o *Orchestrator) record(res Result) {
	observability.RecordCycle(string(res.Outcome), res.Duration)
	observability.SetDropped("queue", o.queue.Dropped())
	observability.SetDropped("text", o.framer.DroppedText())
	observability.SetDropped("payload", o.framer.DroppedPayload())
	if res.Warning != nil {
		observability.RecordIntegrityWarning(WarningKind(res.Warning))
	}
	if res.Artifact != nil {
		observability.RecordArtifact(int(res.Artifact.Size))
	}

	if res.Err != nil {
		o.logger.Error().
			Err(res.Err).
			Uint64("cycle", res.Cycle).
			Str("outcome", string(res.Outcome)).
			Str("state", res.State.String()).
			Dur("duration", res.Duration).
			Msg("capture cycle failed")
		return
	}
	o.logger.Info().
		Uint64("cycle", res.Cycle).
		Str("artifact", res.Artifact.Name).
		Int64("bytes", res.Artifact.Size).
		Str("warning", WarningKind(res.Warning)).
		Dur("duration", res.Duration).
		Msg("capture cycle completed")
}

// Session returns the live session snapshot.
func (o *Orchestrator) Session() Session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.session
}

// Last returns the most recent cycle result.
func (o *Orchestrator) Last() (Result, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last, o.hasLast
}

// StatusLine returns the last STATUS response.
func (o *Orchestrator) StatusLine() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.statusLine
}

// Dropped reports bytes lost to full buffers, keyed by buffer. Framer
// counts are as of the last finished cycle.
func (o *Orchestrator) Dropped() map[string]uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := map[string]uint64{
		"queue":   o.queue.Dropped(),
		"text":    0,
		"payload": 0,
	}
	for k, v := range o.dropped {
		out[k] = v
	}
	return out
}

// progress reports each further tenth of the expected length once.
type progress struct {
	expected int
	last     int
}

func (p *progress) step(received int) (int, bool) {
	if p.expected <= 0 {
		return 0, false
	}
	pct := received * 100 / p.expected
	if pct > 100 {
		pct = 100
	}
	if pct/10 > p.last/10 {
		p.last = pct
		return pct, true
	}
	return 0, false
}
