package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/camlink/internal/admin"
	"github.com/danmuck/camlink/internal/capture"
	"github.com/danmuck/camlink/internal/link"
	"github.com/danmuck/camlink/internal/logging"
	"github.com/danmuck/camlink/internal/protocol"
	"github.com/danmuck/camlink/internal/storage"
	"github.com/danmuck/camlink/internal/upload"
)

var ErrInvalid = errors.New("config: invalid")

// maxPayloadCapacity caps the arena so a typo cannot ask for gigabytes.
const maxPayloadCapacity = 16 << 20

type Config struct {
	Link    link.Config
	Capture capture.Config
	Storage storage.Config
	Admin   admin.Config
	Upload  upload.Config
	// QueueCapacity sizes the ingestion ring between link reader and framer.
	QueueCapacity int
	Log           LogConfig
}

type LogConfig struct {
	Level string
	JSON  bool
}

// Apply layers the file's log settings over base. Env overrides still win.
func (c LogConfig) Apply(base logging.Config) logging.Config {
	if lvl, ok := logging.ParseLevel(c.Level); ok {
		base.Level = lvl
	}
	if c.JSON {
		base.JSON = true
	}
	logging.ApplyEnvOverrides(&base)
	return base
}

func DefaultConfig() Config {
	return Config{
		Link:          link.DefaultConfig(),
		Capture:       capture.DefaultConfig(),
		Storage:       storage.DefaultConfig(),
		Admin:         admin.DefaultConfig(),
		Upload:        upload.DefaultConfig(),
		QueueCapacity: protocol.DefaultQueueCapacity,
		Log:           LogConfig{Level: "info"},
	}
}

type fileConfig struct {
	Link struct {
		Kind        string `toml:"kind"`
		Port        string `toml:"port"`
		Baud        int    `toml:"baud"`
		Address     string `toml:"address"`
		ReadTimeout string `toml:"read_timeout"`
	} `toml:"link"`
	Capture struct {
		Interval        string `toml:"interval"`
		HeaderTimeout   string `toml:"header_timeout"`
		PayloadTimeout  string `toml:"payload_timeout"`
		PollInterval    string `toml:"poll_interval"`
		TrailerSettle   string `toml:"trailer_settle"`
		BootDelay       string `toml:"boot_delay"`
		StatusProbe     bool   `toml:"status_probe"`
		StatusWait      string `toml:"status_wait"`
		TextCapacity    int    `toml:"text_capacity"`
		PayloadCapacity int    `toml:"payload_capacity"`
		QueueCapacity   int    `toml:"queue_capacity"`
	} `toml:"capture"`
	Storage struct {
		Mount     string `toml:"mount"`
		Prefix    string `toml:"prefix"`
		Extension string `toml:"extension"`
		ChunkSize int    `toml:"chunk_size"`
	} `toml:"storage"`
	Admin struct {
		Listen      string   `toml:"listen"`
		CorsOrigins []string `toml:"cors_origins"`
		Token          string   `toml:"token"`
		TrustedProxies []string `toml:"trusted_proxies"`
	} `toml:"admin"`
	Upload struct {
		URL      string `toml:"url"`
		Interval string `toml:"interval"`
		Timeout  string `toml:"timeout"`
		Ledger   string `toml:"ledger"`
		Field    string `toml:"field"`
		Token    string `toml:"token"`
	} `toml:"upload"`
	Log struct {
		Level string `toml:"level"`
		JSON  bool   `toml:"json"`
	} `toml:"log"`
}

// Load decodes path over DefaultConfig and validates the result. Keys
// missing from the file keep their defaults.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %s", ErrInvalid, undecoded[0])
	}
	cfg, err := apply(DefaultConfig(), raw, meta)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func apply(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	durations := []struct {
		key []string
		raw string
		dst *time.Duration
	}{
		{[]string{"link", "read_timeout"}, raw.Link.ReadTimeout, &cfg.Link.ReadTimeout},
		{[]string{"capture", "interval"}, raw.Capture.Interval, &cfg.Capture.Interval},
		{[]string{"capture", "header_timeout"}, raw.Capture.HeaderTimeout, &cfg.Capture.HeaderTimeout},
		{[]string{"capture", "payload_timeout"}, raw.Capture.PayloadTimeout, &cfg.Capture.PayloadTimeout},
		{[]string{"capture", "poll_interval"}, raw.Capture.PollInterval, &cfg.Capture.PollInterval},
		{[]string{"capture", "trailer_settle"}, raw.Capture.TrailerSettle, &cfg.Capture.TrailerSettle},
		{[]string{"capture", "boot_delay"}, raw.Capture.BootDelay, &cfg.Capture.BootDelay},
		{[]string{"capture", "status_wait"}, raw.Capture.StatusWait, &cfg.Capture.StatusWait},
		{[]string{"upload", "interval"}, raw.Upload.Interval, &cfg.Upload.Interval},
		{[]string{"upload", "timeout"}, raw.Upload.Timeout, &cfg.Upload.Timeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %w", ErrInvalid, strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}

	if meta.IsDefined("link", "kind") {
		cfg.Link.Kind = strings.ToLower(strings.TrimSpace(raw.Link.Kind))
	}
	if meta.IsDefined("link", "port") {
		cfg.Link.Port = strings.TrimSpace(raw.Link.Port)
	}
	if meta.IsDefined("link", "baud") {
		cfg.Link.Baud = raw.Link.Baud
	}
	if meta.IsDefined("link", "address") {
		cfg.Link.Address = strings.TrimSpace(raw.Link.Address)
	}

	if meta.IsDefined("capture", "status_probe") {
		cfg.Capture.StatusProbe = raw.Capture.StatusProbe
	}
	if meta.IsDefined("capture", "text_capacity") {
		cfg.Capture.Limits.TextCapacity = raw.Capture.TextCapacity
	}
	if meta.IsDefined("capture", "payload_capacity") {
		cfg.Capture.Limits.PayloadCapacity = raw.Capture.PayloadCapacity
	}
	if meta.IsDefined("capture", "queue_capacity") {
		cfg.QueueCapacity = raw.Capture.QueueCapacity
	}

	if meta.IsDefined("storage", "mount") {
		cfg.Storage.Mount = strings.TrimSpace(raw.Storage.Mount)
	}
	if meta.IsDefined("storage", "prefix") {
		cfg.Storage.Prefix = raw.Storage.Prefix
	}
	if meta.IsDefined("storage", "extension") {
		cfg.Storage.Extension = raw.Storage.Extension
	}
	if meta.IsDefined("storage", "chunk_size") {
		cfg.Storage.ChunkSize = raw.Storage.ChunkSize
	}

	if meta.IsDefined("admin", "listen") {
		cfg.Admin.Listen = strings.TrimSpace(raw.Admin.Listen)
	}
	if meta.IsDefined("admin", "token") {
		cfg.Admin.Token = strings.TrimSpace(raw.Admin.Token)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CorsOrigins = normalizeList(raw.Admin.CorsOrigins)
	}
	if meta.IsDefined("admin", "trusted_proxies") {
		cfg.Admin.TrustedProxies = normalizeList(raw.Admin.TrustedProxies)
	}

	if meta.IsDefined("upload", "url") {
		cfg.Upload.URL = strings.TrimSpace(raw.Upload.URL)
	}
	if meta.IsDefined("upload", "ledger") {
		cfg.Upload.Ledger = strings.TrimSpace(raw.Upload.Ledger)
	}
	if meta.IsDefined("upload", "field") {
		cfg.Upload.Field = strings.TrimSpace(raw.Upload.Field)
	}
	if meta.IsDefined("upload", "token") {
		cfg.Upload.Token = strings.TrimSpace(raw.Upload.Token)
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "json") {
		cfg.Log.JSON = raw.Log.JSON
	}
	return cfg, nil
}

// Validate rejects settings the bridge cannot run with.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Link.Kind {
	case link.KindSerial:
		if c.Link.Port == "" {
			add("link.port is required for serial links")
		}
		if c.Link.Baud <= 0 {
			add("link.baud must be positive")
		}
	case link.KindTCP:
		if c.Link.Address == "" {
			add("link.address is required for tcp links")
		}
	default:
		add("link.kind %q is not serial or tcp", c.Link.Kind)
	}

	for _, d := range []struct {
		key string
		v   time.Duration
	}{
		{"capture.interval", c.Capture.Interval},
		{"capture.header_timeout", c.Capture.HeaderTimeout},
		{"capture.payload_timeout", c.Capture.PayloadTimeout},
		{"capture.poll_interval", c.Capture.PollInterval},
	} {
		if d.v <= 0 {
			add("%s must be positive", d.key)
		}
	}
	if c.Capture.PollInterval > c.Capture.HeaderTimeout && c.Capture.HeaderTimeout > 0 {
		add("capture.poll_interval exceeds capture.header_timeout")
	}
	if c.Capture.TrailerSettle < 0 || c.Capture.BootDelay < 0 {
		add("capture.trailer_settle and capture.boot_delay cannot be negative")
	}
	if c.Capture.Limits.TextCapacity < 2 {
		add("capture.text_capacity must be at least 2")
	}
	if c.Capture.Limits.PayloadCapacity <= 0 || c.Capture.Limits.PayloadCapacity > maxPayloadCapacity {
		add("capture.payload_capacity must be in 1..%d", maxPayloadCapacity)
	}
	if c.QueueCapacity <= 0 {
		add("capture.queue_capacity must be positive")
	}

	if c.Storage.Mount == "" {
		add("storage.mount is required")
	}
	if strings.ContainsAny(c.Storage.Prefix, `/\`) || strings.ContainsAny(c.Storage.Extension, `/\`) {
		add("storage.prefix and storage.extension cannot contain path separators")
	}
	if c.Storage.ChunkSize <= 0 {
		add("storage.chunk_size must be positive")
	}

	if c.Upload.Enabled() {
		if u, err := url.Parse(c.Upload.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("upload.url %q is not an http(s) url", c.Upload.URL)
		}
		if c.Upload.Interval <= 0 || c.Upload.Timeout <= 0 {
			add("upload.interval and upload.timeout must be positive")
		}
		if c.Upload.Ledger == "" || strings.ContainsAny(c.Upload.Ledger, `/\`) {
			add("upload.ledger must be a plain file name")
		}
	}

	if c.Log.Level != "" {
		if _, ok := logging.ParseLevel(c.Log.Level); !ok {
			add("log.level %q is not a known level", c.Log.Level)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
