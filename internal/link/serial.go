package link

import (
	"fmt"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

// OpenSerial opens the UART at 8N1 with the configured baud rate.
func OpenSerial(cfg Config, logger zerolog.Logger) (*Stream, error) {
	cfg = cfg.WithDefaults()
	if cfg.Port == "" {
		return nil, fmt.Errorf("link: serial port not set")
	}
	port, err := serial.Open(cfg.Port, &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("link: open %s: %w", cfg.Port, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("link: set read timeout on %s: %w", cfg.Port, err)
	}
	// stale bytes from before we opened the port are not ours
	_ = port.ResetInputBuffer()
	logger.Info().Str("port", cfg.Port).Int("baud", cfg.Baud).Msg("serial port open")
	return NewStream("serial:"+cfg.Port, port, logger), nil
}

// Ports lists the serial ports the OS reports.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("link: list ports: %w", err)
	}
	return ports, nil
}
