package observability

import (
	"io"
	"os"
	"time"

	"github.com/danmuck/camlink/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger builds the process logger and installs it as the zerolog global.
func InitLogger(app string, cfg logging.Config) zerolog.Logger {
	logger := NewLogger(os.Stdout, app, cfg)
	log.Logger = logger
	return logger
}

func NewLogger(out io.Writer, app string, cfg logging.Config) zerolog.Logger {
	w := out
	if !cfg.JSON {
		cw := zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.NoColor,
		}
		if !cfg.Timestamp {
			cw.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		w = cw
	}
	ctx := zerolog.New(w).Level(cfg.Level).With().Str("app", app)
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}
