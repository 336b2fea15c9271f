package bridge

import (
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// allow tests to override external dependencies
var (
	openPort = func(name string, mode *serial.Mode) (Port, error) {
		return serial.Open(name, mode)
	}
	listPorts = enumerator.GetDetailedPortsList
)

// deviceMode is the fixed line configuration for the bridged device family:
// 115200 baud, 8 data bits, no parity, one stop bit, no flow control.
var deviceMode = &serial.Mode{
	BaudRate: 115200,
	DataBits: 8,
	Parity:   serial.NoParity,
	StopBits: serial.OneStopBit,
}

// Port is the subset of the serial handle the pumps drive. Close from another
// goroutine must unblock a pending Read; both serial ports and pty files do.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Candidate is one enumerated device offered to a Selector. VID and PID are
// the usual four-hex-digit identifier strings, empty for non-USB ports.
type Candidate struct {
	Path         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
}

// Selector picks which candidate a connect attempt opens. Returning
// ErrSelectionCancelled declines the choice; Connect then reports a non-error
// failed result instead of a connection error.
type Selector interface {
	Select(candidates []Candidate) (string, error)
}

// SelectorFunc adapts a function to the Selector interface.
type SelectorFunc func(candidates []Candidate) (string, error)

func (f SelectorFunc) Select(candidates []Candidate) (string, error) {
	return f(candidates)
}

// VIDPID is one vendor/product pair of the target hardware family.
type VIDPID struct {
	VID string
	PID string
}

// AllowListSelector picks the first candidate matching one of the allowed
// vendor/product pairs. No match is treated as a declined selection, the
// same outcome as dismissing an empty device picker.
type AllowListSelector struct {
	Allowed []VIDPID
}

func (s AllowListSelector) Select(candidates []Candidate) (string, error) {
	for _, c := range candidates {
		if !c.IsUSB {
			continue
		}
		for _, id := range s.Allowed {
			if strings.EqualFold(c.VID, id.VID) && strings.EqualFold(c.PID, id.PID) {
				return c.Path, nil
			}
		}
	}
	return "", ErrSelectionCancelled
}

// FirstPortSelector is the unfiltered path: it takes whatever enumerates
// first and declines when nothing is attached.
type FirstPortSelector struct{}

func (FirstPortSelector) Select(candidates []Candidate) (string, error) {
	if len(candidates) == 0 {
		return "", ErrSelectionCancelled
	}
	return candidates[0].Path, nil
}

// StaticSelector pins a known device path, bypassing enumeration results.
type StaticSelector struct {
	Path string
}

func (s StaticSelector) Select([]Candidate) (string, error) {
	if s.Path == "" {
		return "", ErrSelectionCancelled
	}
	return s.Path, nil
}

// ListCandidates enumerates attached serial devices.
func ListCandidates() ([]Candidate, error) {
	return enumerate()
}

// enumerate lists candidate devices through the platform enumerator.
func enumerate() ([]Candidate, error) {
	details, err := listPorts()
	if err != nil {
		return nil, err
	}
	candidates := make([]Candidate, 0, len(details))
	for _, d := range details {
		candidates = append(candidates, Candidate{
			Path:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
		})
	}
	return candidates, nil
}

// isDisconnectError reports whether a pump error means the device went away,
// as opposed to a configuration or permission problem.
func isDisconnectError(err error) bool {
	if err == nil {
		return false
	}

	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return true
		default:
			return false
		}
	}

	// pty-backed and file-backed ports surface plain OS errors
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "device not configured") ||
		strings.Contains(errStr, "input/output error") ||
		strings.Contains(errStr, "no such device") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "file already closed")
}

// settle gives a freshly opened port a moment to assert its control lines
// before the pumps start. Kept short; the device family needs no handshake.
const settleDelay = 10 * time.Millisecond
