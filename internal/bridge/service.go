// Package bridge wires the camera link, the capture loop, the uploader and
// the admin server into one service.
//
// Ownership boundary:
// - startup failures (link open, storage recovery, upload ledger, admin
//   listen) are returned to the caller
// - once running, only ctx ends the service; a dead link reader is logged
//   and later cycles report link or timeout outcomes
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/danmuck/camlink/internal/admin"
	"github.com/danmuck/camlink/internal/capture"
	"github.com/danmuck/camlink/internal/config"
	"github.com/danmuck/camlink/internal/link"
	"github.com/danmuck/camlink/internal/protocol"
	"github.com/danmuck/camlink/internal/storage"
	"github.com/danmuck/camlink/internal/upload"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Options replaces pieces of the wiring, mostly for tests and the simulator.
type Options struct {
	// Link is used instead of opening cfg.Link.
	Link link.Link
	// FS is used instead of the OS volume at cfg.Storage.Mount.
	FS    afero.Fs
	Clock capture.Clock
	// AdminListener is used instead of listening on cfg.Admin.Listen.
	AdminListener net.Listener
	// UploadClient is used instead of a default client for uploads.
	UploadClient *http.Client
}

type Service struct {
	cfg    config.Config
	opts   Options
	logger zerolog.Logger

	mu    sync.RWMutex
	orch  *capture.Orchestrator
	store *storage.Persister
}

func New(cfg config.Config, logger zerolog.Logger, opts Options) *Service {
	return &Service{cfg: cfg, opts: opts, logger: logger.With().Str("component", "bridge").Logger()}
}

type wiring struct {
	link     link.Link
	queue    *protocol.Queue
	store    *storage.Persister
	orch     *capture.Orchestrator
	uploader *upload.Uploader
}

// openStore opens the artifact volume and, when configured, its uploader.
func (s *Service) openStore() (*storage.Persister, *upload.Uploader, error) {
	fs := s.opts.FS
	if fs == nil {
		fs = storage.NewOSVolume(s.cfg.Storage.Mount)
	}
	store, err := storage.Open(fs, s.cfg.Storage, s.logger)
	if err != nil {
		return nil, nil, err
	}
	if !s.cfg.Upload.Enabled() {
		return store, nil, nil
	}
	up, err := upload.New(s.cfg.Upload, store, fs, s.opts.Clock, s.logger)
	if err != nil {
		return nil, nil, err
	}
	return store, up.WithClient(s.opts.UploadClient), nil
}

func (s *Service) open(ctx context.Context) (*wiring, error) {
	store, up, err := s.openStore()
	if err != nil {
		return nil, err
	}

	l := s.opts.Link
	if l == nil {
		l, err = link.Open(ctx, s.cfg.Link, s.logger)
		if err != nil {
			return nil, err
		}
	}
	q := protocol.NewQueue(s.cfg.QueueCapacity)
	orch := capture.New(s.cfg.Capture, l, q, store, s.opts.Clock, s.logger)

	s.mu.Lock()
	s.orch = orch
	s.store = store
	s.mu.Unlock()
	s.logger.Info().
		Str("link", l.Name()).
		Str("mount", s.cfg.Storage.Mount).
		Int("next_sequence", store.Next()).
		Bool("upload", up != nil).
		Msg("bridge ready")
	return &wiring{link: l, queue: q, store: store, orch: orch, uploader: up}, nil
}

// Orchestrator returns the capture loop once Run has opened it.
func (s *Service) Orchestrator() *capture.Orchestrator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orch
}

func (s *Service) Store() *storage.Persister {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

// Run captures on the configured cadence until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	rt, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer rt.link.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.readLink(gctx, rt)
		return nil
	})
	g.Go(func() error {
		return rt.orch.Run(gctx)
	})
	if rt.uploader != nil {
		g.Go(func() error {
			return rt.uploader.Run(gctx)
		})
	}
	if ln := s.opts.AdminListener; ln != nil || s.cfg.Admin.Enabled() {
		srv := admin.New(s.cfg.Admin, rt.orch, rt.store, s.logger)
		if rt.uploader != nil {
			srv.WithUploads(rt.uploader)
		}
		g.Go(func() error {
			if ln != nil {
				return srv.ServeListener(gctx, ln)
			}
			return srv.Serve(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.logger.Info().Msg("bridge stopped")
	return nil
}

func (s *Service) readLink(ctx context.Context, rt *wiring) {
	if err := rt.link.Run(ctx, rt.queue); err != nil {
		s.logger.Error().Err(err).Msg("link reader stopped")
	}
}

// CaptureOnce runs a single cycle, with an optional status probe first.
func (s *Service) CaptureOnce(ctx context.Context, probe bool) (capture.Result, error) {
	var res capture.Result
	err := s.oneShot(ctx, func(ctx context.Context, rt *wiring) error {
		if probe {
			if _, err := rt.orch.Probe(ctx); err != nil {
				return err
			}
		}
		res = rt.orch.RunCycle(ctx)
		return res.Err
	})
	return res, err
}

// Probe sends STATUS and returns the camera's reply.
func (s *Service) Probe(ctx context.Context) (string, error) {
	var line string
	err := s.oneShot(ctx, func(ctx context.Context, rt *wiring) error {
		var err error
		line, err = rt.orch.Probe(ctx)
		return err
	})
	return line, err
}

// UploadOnce runs one upload sweep over the volume without opening the link.
func (s *Service) UploadOnce(ctx context.Context) (int, error) {
	if !s.cfg.Upload.Enabled() {
		return 0, fmt.Errorf("bridge: %w: upload.url is not set", upload.ErrDisabled)
	}
	_, up, err := s.openStore()
	if err != nil {
		return 0, fmt.Errorf("bridge: %w", err)
	}
	n, err := up.Sweep(ctx)
	if err != nil {
		return n, fmt.Errorf("bridge: %w", err)
	}
	if st := up.Stats(); st.Failed > 0 {
		return n, fmt.Errorf("bridge: %d of %d uploads failed, last: %s", st.Failed, st.Failed+uint64(n), st.LastError)
	}
	return n, nil
}

func (s *Service) oneShot(ctx context.Context, fn func(context.Context, *wiring) error) error {
	rt, err := s.open(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.readLink(ctx, rt)
	}()
	err = fn(ctx, rt)
	cancel()
	_ = rt.link.Close()
	wg.Wait()
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	return nil
}
