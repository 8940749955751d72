// Package device drives the FPGA accelerator over its serial console: it
// frames miner_* commands, reads replies up to the console prompt and turns
// miner_status text into typed results.
package device

import (
	"io"
	"time"

	"go.bug.st/serial"

	"github.com/bardlex/fpgaproxy/pkg/errors"
)

// Port is the byte transport to the accelerator. A read that hits the read
// timeout returns 0, nil.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

var _ Port = serial.Port(nil)

// OpenSerial opens path at the given baud rate, 8N1.
func OpenSerial(path string, baud int) (Port, error) {
	p, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDevice, "open_serial", "failed to open serial port").
			WithContext("path", path).
			WithContext("baud", baud)
	}
	return p, nil
}
