package serial

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pluviolabs/pluvio/pkg/wire"
)

// scriptPort is a scripted Port: tests push controller lines in and collect
// everything the manager writes out.
type scriptPort struct {
	lines chan []byte
	buf   []byte

	mu     sync.Mutex
	wrote  [][]byte
	closed bool
}

func newScriptPort() *scriptPort {
	return &scriptPort{lines: make(chan []byte, 64)}
}

func (p *scriptPort) push(line string) {
	p.lines <- []byte(line)
}

func (p *scriptPort) Read(b []byte) (int, error) {
	if len(p.buf) == 0 {
		line, ok := <-p.lines
		if !ok {
			return 0, io.EOF
		}
		p.buf = line
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

func (p *scriptPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	p.wrote = append(p.wrote, cp)
	return len(b), nil
}

func (p *scriptPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.lines)
	}
	return nil
}

func (p *scriptPort) writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.wrote))
	for i, w := range p.wrote {
		out[i] = string(w)
	}
	return out
}

func attach(m *Manager, p Port, name string) {
	m.OpenWith(p, name, 115200)
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManagerPublishesDecodedFrames(t *testing.T) {
	p := newScriptPort()
	m := NewManager(Options{RobotID: "r1", RobotLabel: "bench"}, nil)
	attach(m, p, "FAKE0")
	defer m.Close()

	p.push(string(wire.EncodeFrame(&wire.Frame{XMM: 120.5, ADeg: 45, Mode: 1, StepsPerMM: 80})))
	waitFor(t, time.Second, "first snapshot", func() bool {
		return m.LatestStatus().XMM == 120.5
	})

	st := m.LatestStatus()
	if st.ADeg != 45 || st.Mode != 1 || st.StepsPerMM != 80 {
		t.Errorf("snapshot = {a:%v modo:%v pasos:%v}, want {45 1 80}", st.ADeg, st.Mode, st.StepsPerMM)
	}
	if !st.SerialOpen || st.SerialPort != "FAKE0" || st.RobotID != "r1" {
		t.Errorf("link fields = {open:%v port:%q id:%q}, want {true FAKE0 r1}", st.SerialOpen, st.SerialPort, st.RobotID)
	}
	if st.Stale {
		t.Error("fresh snapshot reported stale")
	}
}

func TestManagerCorruptFrameLeavesSnapshotUntouched(t *testing.T) {
	p := newScriptPort()
	m := NewManager(Options{RobotID: "r1"}, nil)
	attach(m, p, "FAKE0")
	defer m.Close()

	p.push(string(wire.EncodeFrame(&wire.Frame{XMM: 120.5, VolumeML: 33})))
	waitFor(t, time.Second, "good frame", func() bool {
		return m.LatestStatus().XMM == 120.5
	})

	p.push("<1,2,3>\n")
	p.push("no brackets at all\n")
	p.push("<a,b,c,d,e,f,g,h,i,j,k,l,m,n,o,p,q,r,s,t,u,v>\n")
	time.Sleep(50 * time.Millisecond)

	st := m.LatestStatus()
	if st.XMM != 120.5 || st.VolumeML != 33 {
		t.Errorf("snapshot after corrupt frames = {x:%v vol:%v}, want {120.5 33}", st.XMM, st.VolumeML)
	}
	if m.State() != StateOpen {
		t.Errorf("State() = %v after corrupt frames, want open", m.State())
	}

	p.push(string(wire.EncodeFrame(&wire.Frame{XMM: 121, VolumeML: 34})))
	waitFor(t, time.Second, "recovery frame", func() bool {
		return m.LatestStatus().XMM == 121
	})
}

func TestManagerStalenessObservable(t *testing.T) {
	p := newScriptPort()
	m := NewManager(Options{RobotID: "r1", StaleAfter: 30 * time.Millisecond}, nil)
	attach(m, p, "FAKE0")
	defer m.Close()

	p.push(string(wire.EncodeFrame(&wire.Frame{XMM: 1})))
	waitFor(t, time.Second, "frame", func() bool {
		return m.LatestStatus().XMM == 1
	})
	if m.LatestStatus().Stale {
		t.Fatal("snapshot stale immediately after a frame")
	}

	time.Sleep(80 * time.Millisecond)
	st := m.LatestStatus()
	if !st.Stale {
		t.Error("snapshot not stale after silence")
	}
	if st.RxAgeMs < 30 {
		t.Errorf("RxAgeMs = %d, want >= 30", st.RxAgeMs)
	}
	if m.State() != StateOpen {
		t.Errorf("State() = %v, want open: staleness must not close the link", m.State())
	}
}

func TestManagerSendClearsOneShotFlags(t *testing.T) {
	p := newScriptPort()
	m := NewManager(Options{RobotID: "r1", Keepalive: 10 * time.Millisecond}, nil)
	attach(m, p, "FAKE0")
	defer m.Close()

	err := m.Send(wire.Command{Mode: 8, TargetVolML: 100, ResetVolume: true})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitFor(t, time.Second, "keepalive frames", func() bool {
		return len(p.writes()) >= 3
	})

	frames := p.writes()
	first := strings.Split(strings.TrimSpace(frames[0]), ",")
	if len(first) != wire.TxFieldCount {
		t.Fatalf("frame has %d fields, want %d", len(first), wire.TxFieldCount)
	}
	if first[0] != "8" || first[6] != "100" || first[13] != "1" {
		t.Errorf("first frame = {modo:%s vol:%s reset:%s}, want {8 100 1}", first[0], first[6], first[13])
	}
	last := strings.Split(strings.TrimSpace(frames[len(frames)-1]), ",")
	if last[13] != "0" {
		t.Errorf("keepalive frame still carries reset flag: %s", frames[len(frames)-1])
	}
	if last[0] != "8" || last[6] != "100" {
		t.Errorf("keepalive frame = {modo:%s vol:%s}, want {8 100}", last[0], last[6])
	}
}

func TestManagerSendWhenClosed(t *testing.T) {
	m := NewManager(Options{RobotID: "r1"}, nil)
	if err := m.Send(wire.Command{}); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("Send() on closed link = %v, want ErrLinkClosed", err)
	}
	if err := m.Reset(); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("Reset() on closed link = %v, want ErrLinkClosed", err)
	}
}

func TestManagerResetZeroesVector(t *testing.T) {
	p := newScriptPort()
	m := NewManager(Options{RobotID: "r1"}, nil)
	attach(m, p, "FAKE0")
	defer m.Close()

	if err := m.Send(wire.Command{TargetVolML: 50}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := m.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	found := false
	for _, f := range p.writes() {
		if f == "reset\n" {
			found = true
		}
	}
	if !found {
		t.Error("reset line never written")
	}
	if got := m.Command(); got.TargetVolML != 0 {
		t.Errorf("Command().TargetVolML = %v after reset, want 0", got.TargetVolML)
	}
}

func TestClaimPortExclusive(t *testing.T) {
	const name = "/dev/ttyTEST0"
	if err := claimPort(name); err != nil {
		t.Fatalf("claimPort() error = %v", err)
	}
	if err := claimPort(name); !errors.Is(err, ErrPortUnavailable) {
		t.Errorf("second claimPort() = %v, want ErrPortUnavailable", err)
	}
	releasePort(name)
	if err := claimPort(name); err != nil {
		t.Errorf("claimPort() after release = %v, want nil", err)
	}
	releasePort(name)
}

func TestClaimPortConcurrent(t *testing.T) {
	const name = "/dev/ttyTEST1"
	var wg sync.WaitGroup
	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- claimPort(name)
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for err := range results {
		if err == nil {
			won++
		} else if !errors.Is(err, ErrPortUnavailable) {
			t.Errorf("claimPort() = %v, want nil or ErrPortUnavailable", err)
		}
	}
	if won != 1 {
		t.Errorf("claims won = %d, want exactly 1", won)
	}
	releasePort(name)
}

func TestManagerVirtualOpenClose(t *testing.T) {
	m := NewManager(Options{RobotID: "v1", Virtual: true}, nil)

	ports := m.ListPorts()
	if len(ports) != 1 || ports[0] != VirtualPortName {
		t.Fatalf("ListPorts() = %v, want [%s]", ports, VirtualPortName)
	}
	if err := m.Open("ignored", 9600); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if m.State() != StateOpen {
		t.Fatalf("State() = %v, want open", m.State())
	}

	waitFor(t, time.Second, "virtual frame", func() bool {
		return m.LatestStatus().SerialOpen && m.LatestStatus().RxAgeMs >= 0
	})
	st := m.LatestStatus()
	if !st.IsVirtual || st.SerialPort != VirtualPortName {
		t.Errorf("snapshot link = {virtual:%v port:%q}, want {true %s}", st.IsVirtual, st.SerialPort, VirtualPortName)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if m.State() != StateClosed {
		t.Errorf("State() = %v after close, want closed", m.State())
	}
	if st := m.LatestStatus(); st.SerialOpen {
		t.Error("snapshot still reports serial open after close")
	}
}

func TestManagerVirtualPour(t *testing.T) {
	m := NewManager(Options{RobotID: "v1", Virtual: true}, nil)
	if err := m.Open("", 0); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer m.Close()

	err := m.Send(wire.Command{TargetVolML: 4, PumpRateMLs: 40, ServoZDeg: 180})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	var prev float64
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := m.LatestStatus()
		if st.VolumeML < prev {
			t.Fatalf("volume went backwards: %v -> %v", prev, st.VolumeML)
		}
		if st.VolumeML > 4+1e-9 {
			t.Fatalf("volume overshot target: %v", st.VolumeML)
		}
		prev = st.VolumeML
		if st.VolumeML >= 4 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if prev < 4 {
		t.Fatalf("volume = %v after deadline, want 4", prev)
	}

	waitFor(t, time.Second, "pump stop", func() bool {
		return m.LatestStatus().Energies.Bomba == 0
	})
}
