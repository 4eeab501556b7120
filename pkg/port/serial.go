package port

import (
	"io"
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	DefaultBaudRate = 9600
	maxPortNumber   = 255
)

var addressPattern = regexp.MustCompile(`^(?:(?i:COM)|/dev/tty(?:S|USB|ACM|AMA))(\d{1,3})$`)

// ValidAddress reports whether address names a numbered serial port, such as
// COM3 or /dev/ttyUSB0. Windows port numbers start at 1.
func ValidAddress(address string) bool {
	m := addressPattern.FindStringSubmatch(address)
	if m == nil {
		return false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n > maxPortNumber {
		return false
	}
	if n == 0 && (address[0] == 'C' || address[0] == 'c') {
		return false
	}
	return true
}

// Opener establishes the link to a physical port.
type Opener func(address string, baudRate int) (io.ReadWriteCloser, error)

// OpenSerial opens address as 8N1 with DTR and RTS asserted, which the
// instrument requires to talk.
func OpenSerial(address string, baudRate int) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
		InitialStatusBits: &serial.ModemOutputBits{
			DTR: true,
			RTS: true,
		},
	}

	p, err := serial.Open(address, mode)
	if err != nil {
		return nil, err
	}

	if err := p.ResetInputBuffer(); err != nil {
		logrus.WithError(err).WithField("port", address).Warn("failed to reset input buffer")
	}

	return p, nil
}
