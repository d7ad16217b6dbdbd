package bridge

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"github.com/gradilabs/gradi-desk/internal/config"
)

// Port is the open serial connection to the device.
type Port interface {
	io.ReadWriteCloser
}

// Open opens the configured serial device at 8N1 with no flow control.
func Open(cfg config.SerialConfig) (Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial device %s: %w", cfg.Device, err)
	}
	if cfg.ReadTimeoutMS > 0 {
		if err := port.SetReadTimeout(time.Duration(cfg.ReadTimeoutMS) * time.Millisecond); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout: %w", err)
		}
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("reset input buffer: %w", err)
	}
	return port, nil
}
