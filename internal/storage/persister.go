package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

const (
	DefaultPrefix    = "photo_"
	DefaultExtension = ".jpg"
	DefaultChunkSize = 4096

	root = "/"
)

var (
	ErrStorage = errors.New("storage: operation failed")
	ErrNoData  = errors.New("storage: no data to save")
)

// Config names the mount point and artifact naming scheme.
type Config struct {
	Mount     string
	Prefix    string
	Extension string
	ChunkSize int
}

func DefaultConfig() Config {
	return Config{
		Mount:     "photos",
		Prefix:    DefaultPrefix,
		Extension: DefaultExtension,
		ChunkSize: DefaultChunkSize,
	}
}

func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = DefaultPrefix
	}
	if strings.TrimSpace(c.Extension) == "" {
		c.Extension = DefaultExtension
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	return c
}

// Artifact is one saved image.
type Artifact struct {
	Sequence int       `json:"sequence"`
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// SortNewest orders artifacts by modification time, newest first. Equal
// times fall back to the higher sequence.
func SortNewest(arts []Artifact) {
	sort.SliceStable(arts, func(i, j int) bool {
		if !arts[i].Modified.Equal(arts[j].Modified) {
			return arts[i].Modified.After(arts[j].Modified)
		}
		return arts[i].Sequence > arts[j].Sequence
	})
}

// NewOSVolume roots a filesystem at the mount point.
func NewOSVolume(mount string) afero.Fs {
	return afero.NewBasePathFs(afero.NewOsFs(), mount)
}

// Persister writes sequence-numbered artifacts to a volume. The next
// sequence number is recovered from existing names, no metadata file.
type Persister struct {
	fs      afero.Fs
	cfg     Config
	pattern *regexp.Regexp
	logger  zerolog.Logger

	mu   sync.Mutex
	next int
}

// Open recovers the counter from the volume and returns a ready persister.
func Open(fs afero.Fs, cfg Config, logger zerolog.Logger) (*Persister, error) {
	cfg = cfg.WithDefaults()
	p := &Persister{
		fs:      fs,
		cfg:     cfg,
		pattern: namePattern(cfg.Prefix, cfg.Extension),
		logger:  logger.With().Str("component", "storage").Logger(),
	}
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: prepare mount: %w", ErrStorage, err)
	}
	if err := p.Recover(); err != nil {
		return nil, err
	}
	return p, nil
}

func namePattern(prefix, ext string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(prefix) + `(\d+)` + regexp.QuoteMeta(ext) + `$`)
}

// Recover rescans the volume and sets next to max sequence + 1, or 0.
func (p *Persister) Recover() error {
	arts, err := p.List()
	if err != nil {
		return err
	}
	next := 0
	if n := len(arts); n > 0 {
		next = arts[n-1].Sequence + 1
	}
	p.mu.Lock()
	p.next = next
	p.mu.Unlock()
	p.logger.Info().Int("artifacts", len(arts)).Int("next", next).Msg("counter recovered")
	return nil
}

// Name formats the artifact name for seq.
func (p *Persister) Name(seq int) string {
	return fmt.Sprintf("%s%04d%s", p.cfg.Prefix, seq, p.cfg.Extension)
}

// ParseName extracts the sequence number from an artifact name.
func (p *Persister) ParseName(name string) (int, bool) {
	m := p.pattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	seq, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return seq, true
}

// Next reports the sequence number the next save will use.
func (p *Persister) Next() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

// List returns artifacts sorted by sequence.
func (p *Persister) List() ([]Artifact, error) {
	infos, err := afero.ReadDir(p.fs, root)
	if err != nil {
		return nil, fmt.Errorf("%w: list mount: %w", ErrStorage, err)
	}
	out := make([]Artifact, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		seq, ok := p.ParseName(info.Name())
		if !ok {
			continue
		}
		out = append(out, Artifact{Sequence: seq, Name: info.Name(), Size: info.Size(), Modified: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

// Save writes payload in fixed chunks under the next sequence number. The
// counter moves only after every chunk and the close succeed; a failed save
// leaves its partial file for the next save to overwrite.
func (p *Persister) Save(payload []byte) (Artifact, error) {
	if len(payload) == 0 {
		return Artifact{}, fmt.Errorf("%w: %w", ErrStorage, ErrNoData)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	seq := p.next
	name := p.Name(seq)
	f, err := p.fs.OpenFile(path.Join(root, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: create %s: %w", ErrStorage, name, err)
	}

	written := 0
	for written < len(payload) {
		start := written
		end := min(start+p.cfg.ChunkSize, len(payload))
		n, err := f.Write(payload[start:end])
		written += n
		if err == nil && n < end-start {
			err = io.ErrShortWrite
		}
		if err != nil {
			_ = f.Close()
			p.logger.Error().Err(err).Str("name", name).Int("written", written).Msg("chunk write failed")
			return Artifact{}, fmt.Errorf("%w: write %s at %d: %w", ErrStorage, name, written, err)
		}
	}
	if err := f.Close(); err != nil {
		return Artifact{}, fmt.Errorf("%w: close %s: %w", ErrStorage, name, err)
	}

	p.next++
	modified := time.Now()
	if info, err := p.fs.Stat(path.Join(root, name)); err == nil {
		modified = info.ModTime()
	}
	p.logger.Info().Str("name", name).Int("bytes", written).Msg("artifact saved")
	return Artifact{Sequence: seq, Name: name, Size: int64(written), Modified: modified}, nil
}

// OpenArtifact opens a saved artifact for reading. Names that do not match
// the artifact pattern are refused.
func (p *Persister) OpenArtifact(name string) (afero.File, error) {
	if _, ok := p.ParseName(name); !ok {
		return nil, fmt.Errorf("%w: %s is not an artifact name", ErrStorage, name)
	}
	f, err := p.fs.Open(path.Join(root, name))
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStorage, name, err)
	}
	return f, nil
}
