package serial

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"time"

	gserial "github.com/goburrow/serial"
)

// VirtualPortName is the reserved port name reported while a simulated
// controller backs the link.
const VirtualPortName = "VIRTUAL"

// Port is the byte stream the manager drives. Hardware links come from
// goburrow/serial; the virtual controller implements the same interface.
type Port interface {
	io.ReadWriteCloser
}

// openHardware opens a physical serial port with the controller's line
// settings (8N1).
func openHardware(name string, baud int) (Port, error) {
	p, err := gserial.Open(&gserial.Config{
		Address:  name,
		BaudRate: baud,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  500 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPortUnavailable, name, err)
	}
	return p, nil
}

// ListPorts reports candidate controller devices on this host.
func ListPorts() []string {
	var ports []string
	for _, pattern := range []string{
		"/dev/ttyUSB*",
		"/dev/ttyACM*",
		"/dev/tty.usbserial*",
		"/dev/tty.usbmodem*",
	} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		ports = append(ports, matches...)
	}
	sort.Strings(ports)
	return ports
}

// claims tracks in-process port ownership so two sessions cannot drive the
// same device.
var claims = struct {
	sync.Mutex
	owned map[string]bool
}{owned: make(map[string]bool)}

func claimPort(name string) error {
	claims.Lock()
	defer claims.Unlock()
	if claims.owned[name] {
		return fmt.Errorf("%w: %s is already claimed", ErrPortUnavailable, name)
	}
	claims.owned[name] = true
	return nil
}

func releasePort(name string) {
	claims.Lock()
	defer claims.Unlock()
	delete(claims.owned, name)
}

// portReader retries goburrow read timeouts so a quiet controller keeps the
// decode loop alive. Silence is reported as staleness, not as a dead link.
type portReader struct {
	p Port
}

func (r portReader) Read(b []byte) (int, error) {
	for {
		n, err := r.p.Read(b)
		if n > 0 {
			return n, nil
		}
		if err == nil || err == gserial.ErrTimeout {
			continue
		}
		return 0, err
	}
}
