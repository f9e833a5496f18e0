// Package upload forwards saved artifacts to a remote receiver.
//
// Ownership boundary:
// - the ledger of sent names lives on the artifact volume and is the only
//   record of what was forwarded
// - a failed upload is retried on the next sweep, never within one
// - the uploader never deletes or rewrites artifacts
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/camlink/internal/capture"
	"github.com/danmuck/camlink/internal/observability"
	"github.com/danmuck/camlink/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

const (
	DefaultInterval = 60 * time.Second
	DefaultTimeout  = 30 * time.Second
	DefaultLedger   = "sent_files.json"
	DefaultField    = "file"
)

var (
	ErrRejected = errors.New("upload: receiver rejected file")
	ErrLedger   = errors.New("upload: ledger unusable")
	ErrDisabled = errors.New("upload: disabled")
)

type Config struct {
	// URL is the receiver endpoint; empty disables uploads.
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	// Ledger is the file on the artifact volume listing sent names.
	Ledger string
	// Field is the multipart form field carrying the file.
	Field string
	Token string
}

func DefaultConfig() Config {
	return Config{
		Interval: DefaultInterval,
		Timeout:  DefaultTimeout,
		Ledger:   DefaultLedger,
		Field:    DefaultField,
	}
}

func (c Config) WithDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(c.Ledger) == "" {
		c.Ledger = DefaultLedger
	}
	if strings.TrimSpace(c.Field) == "" {
		c.Field = DefaultField
	}
	return c
}

func (c Config) Enabled() bool {
	return c.URL != ""
}

// Source is the artifact store being forwarded. Sequences at or past Next
// are still being written and are never sent.
type Source interface {
	List() ([]storage.Artifact, error)
	Next() int
	OpenArtifact(name string) (afero.File, error)
}

type Stats struct {
	// Sent counts names in the ledger, across restarts.
	Sent uint64 `json:"sent"`
	// Uploaded and Failed count attempts by this process.
	Uploaded  uint64    `json:"uploaded"`
	Failed    uint64    `json:"failed"`
	Pending   int       `json:"pending"`
	LastSweep time.Time `json:"last_sweep"`
	LastError string    `json:"last_error,omitempty"`
}

type Uploader struct {
	cfg    Config
	src    Source
	fs     afero.Fs
	client *http.Client
	clock  capture.Clock
	logger zerolog.Logger

	mu    sync.Mutex
	sent  map[string]struct{}
	stats Stats
}

// New loads the ledger from fs. A missing ledger starts empty; an unreadable
// one is logged and replaced on the next successful upload.
func New(cfg Config, src Source, fs afero.Fs, clock capture.Clock, logger zerolog.Logger) (*Uploader, error) {
	cfg = cfg.WithDefaults()
	if clock == nil {
		clock = capture.RealClock()
	}
	u := &Uploader{
		cfg:    cfg,
		src:    src,
		fs:     fs,
		client: &http.Client{},
		clock:  clock,
		logger: logger.With().Str("component", "upload").Logger(),
		sent:   make(map[string]struct{}),
	}
	if err := u.loadLedger(); err != nil {
		return nil, err
	}
	u.stats.Sent = uint64(len(u.sent))
	return u, nil
}

func (u *Uploader) ledgerPath() string {
	return path.Join("/", u.cfg.Ledger)
}

func (u *Uploader) loadLedger() error {
	raw, err := afero.ReadFile(u.fs, u.ledgerPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrLedger, u.cfg.Ledger, err)
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		u.logger.Warn().Err(err).Str("ledger", u.cfg.Ledger).Msg("ledger unreadable, starting empty")
		return nil
	}
	for _, n := range names {
		u.sent[n] = struct{}{}
	}
	return nil
}

// saveLedger writes the sorted name list next to the artifacts and renames
// it into place. Callers hold mu.
func (u *Uploader) saveLedger() error {
	names := make([]string, 0, len(u.sent))
	for n := range u.sent {
		names = append(names, n)
	}
	sort.Strings(names)
	raw, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrLedger, err)
	}
	tmp := u.ledgerPath() + ".tmp"
	if err := afero.WriteFile(u.fs, tmp, raw, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrLedger, tmp, err)
	}
	if err := u.fs.Rename(tmp, u.ledgerPath()); err != nil {
		return fmt.Errorf("%w: rename %s: %w", ErrLedger, tmp, err)
	}
	return nil
}

// WithClient replaces the HTTP client used for uploads.
func (u *Uploader) WithClient(c *http.Client) *Uploader {
	if c != nil {
		u.client = c
	}
	return u
}

// Sent reports whether name is in the ledger.
func (u *Uploader) Sent(name string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.sent[name]
	return ok
}

func (u *Uploader) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stats
}

// Run sweeps immediately and then every Interval until ctx ends.
func (u *Uploader) Run(ctx context.Context) error {
	u.logger.Info().Str("url", u.cfg.URL).Dur("interval", u.cfg.Interval).Msg("uploader started")
	for {
		if _, err := u.Sweep(ctx); err != nil && ctx.Err() == nil {
			u.logger.Error().Err(err).Msg("upload sweep failed")
		}
		if err := capture.Sleep(ctx, u.clock, u.cfg.Interval); err != nil || ctx.Err() != nil {
			return nil
		}
	}
}

// Sweep uploads every artifact missing from the ledger, oldest first, and
// returns how many went through. A failed file is skipped until the next
// sweep; only listing failures and cancellation end the sweep early.
func (u *Uploader) Sweep(ctx context.Context) (int, error) {
	// read the counter first so a save finishing mid-listing stays excluded
	next := u.src.Next()
	arts, err := u.src.List()
	if err != nil {
		u.noteError(err)
		return 0, err
	}
	var pending []storage.Artifact
	u.mu.Lock()
	for _, a := range arts {
		if a.Sequence >= next {
			continue
		}
		if _, ok := u.sent[a.Name]; !ok {
			pending = append(pending, a)
		}
	}
	u.stats.Pending = len(pending)
	u.stats.LastSweep = u.clock.Now()
	u.mu.Unlock()

	if len(pending) == 0 {
		u.logger.Debug().Msg("nothing new to upload")
		return 0, nil
	}
	u.logger.Info().Int("pending", len(pending)).Msg("uploading new artifacts")

	sent := 0
	for _, a := range pending {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := u.send(ctx, a.Name); err != nil {
			observability.RecordUpload("failed")
			u.mu.Lock()
			u.stats.Failed++
			u.mu.Unlock()
			u.noteError(err)
			u.logger.Warn().Err(err).Str("name", a.Name).Msg("upload failed")
			continue
		}
		observability.RecordUpload("sent")
		sent++

		u.mu.Lock()
		u.sent[a.Name] = struct{}{}
		u.stats.Uploaded++
		u.stats.Sent = uint64(len(u.sent))
		u.stats.Pending--
		lerr := u.saveLedger()
		u.mu.Unlock()
		if lerr != nil {
			u.noteError(lerr)
			u.logger.Error().Err(lerr).Str("name", a.Name).Msg("ledger not saved, file may be sent again")
		}
		u.logger.Info().Str("name", a.Name).Int64("bytes", a.Size).Msg("artifact uploaded")
	}
	return sent, nil
}

func (u *Uploader) noteError(err error) {
	u.mu.Lock()
	u.stats.LastError = err.Error()
	u.mu.Unlock()
}

func (u *Uploader) send(ctx context.Context, name string) error {
	f, err := u.src.OpenArtifact(name)
	if err != nil {
		return err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, u.cfg.Field, name))
	hdr.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.URL, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if u.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.cfg.Token)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload: post %s: %w", name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %d", ErrRejected, name, resp.StatusCode)
	}
	return nil
}
