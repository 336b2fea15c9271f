package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/atomic"

	"github.com/ringdock/ringdock/internal/binding"
	"github.com/ringdock/ringdock/internal/utils"
)

// fakePort is an in-memory device: Read blocks until input arrives or the
// port closes, Write collects, Close unblocks pending reads.
type fakePort struct {
	in      chan []byte
	pending []byte

	mu    sync.Mutex
	wrote bytes.Buffer

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakePort() *fakePort {
	return &fakePort{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (p *fakePort) Read(buf []byte) (int, error) {
	if len(p.pending) > 0 {
		n := copy(buf, p.pending)
		p.pending = p.pending[n:]
		return n, nil
	}
	select {
	case chunk, ok := <-p.in:
		if !ok {
			return 0, io.EOF
		}
		n := copy(buf, chunk)
		p.pending = chunk[n:]
		return n, nil
	case <-p.closed:
		return 0, os.ErrClosed
	}
}

func (p *fakePort) Write(q []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, os.ErrClosed
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wrote.Write(q)
	return len(q), nil
}

func (p *fakePort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) send(t *testing.T, data string) {
	t.Helper()
	select {
	case p.in <- []byte(data):
	case <-time.After(time.Second):
		t.Fatal("fake port input queue full")
	}
}

func (p *fakePort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wrote.String()
}

func (p *fakePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// swapTransport replaces the enumeration and open hooks for one test.
func swapTransport(t *testing.T, list func() ([]*enumerator.PortDetails, error), open func(string, *serial.Mode) (Port, error)) {
	t.Helper()
	prevOpen, prevList := openPort, listPorts
	openPort, listPorts = open, list
	t.Cleanup(func() { openPort, listPorts = prevOpen, prevList })
}

func listFixed(names ...string) func() ([]*enumerator.PortDetails, error) {
	return func() ([]*enumerator.PortDetails, error) {
		details := make([]*enumerator.PortDetails, 0, len(names))
		for _, name := range names {
			details = append(details, &enumerator.PortDetails{
				Name: name, IsUSB: true, VID: "2E8A", PID: "000A",
			})
		}
		return details, nil
	}
}

func openFixed(p *fakePort) func(string, *serial.Mode) (Port, error) {
	return func(string, *serial.Mode) (Port, error) { return p, nil }
}

func newTestBridge(t *testing.T, capacity uint32) (*Bridge, *binding.ChannelSet) {
	t.Helper()
	src, err := binding.NewLocalSource(capacity, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	set, err := src.Bind()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Logger = utils.NewLogger(utils.LoggerConfig{Level: utils.WARN, Component: "bridge"})
	b, err := New(cfg, set)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Disconnect() })
	return b, set
}

// TestStateTransitionTable checks the allowed-edge table
func TestStateTransitionTable(t *testing.T) {
	allowed := []struct{ from, to ConnectionState }{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnecting, StateDisconnected},
		{StateConnected, StateDisconnecting},
		{StateDisconnecting, StateDisconnected},
		{StateError, StateDisconnected},
	}
	for _, tr := range allowed {
		assert.True(t, canTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	denied := []struct{ from, to ConnectionState }{
		{StateDisconnected, StateConnected},
		{StateDisconnected, StateDisconnecting},
		{StateConnected, StateConnecting},
		{StateDisconnecting, StateConnecting},
		{StateError, StateConnecting},
		{StateError, StateConnected},
	}
	for _, tr := range denied {
		assert.False(t, canTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	for from := range stateNames {
		assert.True(t, canTransition(from, StateError), "%s -> ERROR", from)
	}
}

// TestBridgePumpsBothDirections moves bytes device->RX and TX->device
func TestBridgePumpsBothDirections(t *testing.T) {
	b, set := newTestBridge(t, 256)
	port := newFakePort()
	swapTransport(t, listFixed("/dev/ttyACM0"), openFixed(port))

	ok, err := b.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateConnected, b.State())

	port.send(t, "hello ")
	port.send(t, "world")
	require.Eventually(t, func() bool { return set.RX.Len() == 11 }, time.Second, time.Millisecond)
	out := make([]byte, 32)
	n := set.RX.TryPop(len(out), out)
	assert.Equal(t, "hello world", string(out[:n]))

	set.TX.TryPush([]byte("pong\n"))
	set.TX.Kick()
	require.Eventually(t, func() bool { return port.written() == "pong\n" }, time.Second, time.Millisecond)

	require.NoError(t, b.Disconnect())
	assert.Equal(t, StateDisconnected, b.State())
	assert.True(t, port.isClosed())
}

// TestBridgeWritePumpPollsWithoutKick drains TX on the idle interval alone
func TestBridgeWritePumpPollsWithoutKick(t *testing.T) {
	b, set := newTestBridge(t, 256)
	port := newFakePort()
	swapTransport(t, listFixed("/dev/ttyACM0"), openFixed(port))

	ok, err := b.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	set.TX.TryPush([]byte("no kick"))
	require.Eventually(t, func() bool { return port.written() == "no kick" }, time.Second, time.Millisecond)
}

// TestBridgeSelectorDeclined maps a declined selection to a non-error result
func TestBridgeSelectorDeclined(t *testing.T) {
	b, _ := newTestBridge(t, 256)
	swapTransport(t, listFixed(), openFixed(newFakePort()))

	ok, err := b.Connect(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateDisconnected, b.State())
}

// TestBridgeOpenFailure surfaces a wrapped connection failure
func TestBridgeOpenFailure(t *testing.T) {
	b, _ := newTestBridge(t, 256)
	swapTransport(t, listFixed("/dev/ttyACM0"), func(string, *serial.Mode) (Port, error) {
		return nil, errors.New("permission denied")
	})

	ok, err := b.Connect(context.Background())
	assert.False(t, ok)
	require.ErrorIs(t, err, ErrConnectionFailure)
	assert.Equal(t, StateDisconnected, b.State())
}

// TestBridgeUnavailableProbedOnce caches the capability verdict
func TestBridgeUnavailableProbedOnce(t *testing.T) {
	b, _ := newTestBridge(t, 256)
	probes := 0
	swapTransport(t, func() ([]*enumerator.PortDetails, error) {
		probes++
		return nil, errors.New("udev unreachable")
	}, openFixed(newFakePort()))

	_, err := b.Connect(context.Background())
	require.ErrorIs(t, err, ErrTransportUnavailable)
	_, err = b.Connect(context.Background())
	require.ErrorIs(t, err, ErrTransportUnavailable)
	assert.Equal(t, 1, probes)
}

// TestBridgeConnectHonorsContext aborts between selection and open
func TestBridgeConnectHonorsContext(t *testing.T) {
	b, _ := newTestBridge(t, 256)
	opened := 0
	swapTransport(t, listFixed("/dev/ttyACM0"), func(string, *serial.Mode) (Port, error) {
		opened++
		return newFakePort(), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := b.Connect(ctx)
	assert.False(t, ok)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, opened)
	assert.Equal(t, StateDisconnected, b.State())
}

// TestBridgeConnectWhileConnected rejects the transition
func TestBridgeConnectWhileConnected(t *testing.T) {
	b, _ := newTestBridge(t, 256)
	port := newFakePort()
	swapTransport(t, listFixed("/dev/ttyACM0"), openFixed(port))

	ok, err := b.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Connect(context.Background())
	assert.False(t, ok)
	require.Error(t, err)
	assert.Equal(t, StateConnected, b.State())
}

// TestBridgeDisconnectIdempotent is a no-op before and after sessions
func TestBridgeDisconnectIdempotent(t *testing.T) {
	b, _ := newTestBridge(t, 256)
	require.NoError(t, b.Disconnect())
	require.NoError(t, b.Disconnect())

	port := newFakePort()
	swapTransport(t, listFixed("/dev/ttyACM0"), openFixed(port))
	ok, err := b.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Disconnect())
	require.NoError(t, b.Disconnect())
	assert.Equal(t, StateDisconnected, b.State())
}

// TestBridgeDisconnectUnblocksRead covers teardown during a blocked device read
func TestBridgeDisconnectUnblocksRead(t *testing.T) {
	b, set := newTestBridge(t, 256)

	first := newFakePort()
	second := newFakePort()
	opened := 0
	swapTransport(t, listFixed("/dev/ttyACM0"), func(string, *serial.Mode) (Port, error) {
		opened++
		if opened == 1 {
			return first, nil
		}
		return second, nil
	})

	var faults atomic.Int32
	b.OnFault(func(error) { faults.Inc() })

	ok, err := b.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(20 * time.Millisecond) // read pump is parked on an empty device

	require.NoError(t, b.Disconnect())
	assert.Equal(t, StateDisconnected, b.State())
	assert.True(t, first.isClosed())

	// a fresh connect produces fresh, independent endpoints
	ok, err = b.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	second.send(t, "fresh")
	require.Eventually(t, func() bool { return set.RX.Len() == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(2), b.Stats().Sessions)
	assert.Equal(t, int32(0), faults.Load())
}

// TestBridgeDeviceGoneReported tears down and reports an unplug
func TestBridgeDeviceGoneReported(t *testing.T) {
	b, _ := newTestBridge(t, 256)
	port := newFakePort()
	swapTransport(t, listFixed("/dev/ttyACM0"), openFixed(port))

	faults := make(chan error, 2)
	b.OnFault(func(err error) { faults <- err })

	ok, err := b.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	close(port.in) // unplug: the device stream ends

	select {
	case err := <-faults:
		require.ErrorIs(t, err, ErrDeviceGone)
	case <-time.After(2 * time.Second):
		t.Fatal("no fault reported")
	}
	require.Eventually(t, func() bool { return b.State() == StateDisconnected }, time.Second, time.Millisecond)
	assert.True(t, port.isClosed())
	require.NoError(t, b.Disconnect())
}

// TestBridgeRxOverflowCounted drops excess without blocking the pump
func TestBridgeRxOverflowCounted(t *testing.T) {
	b, set := newTestBridge(t, 64)
	port := newFakePort()
	swapTransport(t, listFixed("/dev/ttyACM0"), openFixed(port))

	ok, err := b.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	chunk := make([]byte, 100)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	port.send(t, string(chunk))

	require.Eventually(t, func() bool { return set.RX.Drops() == 36 }, time.Second, time.Millisecond)
	out := make([]byte, 64)
	n := set.RX.TryPop(len(out), out)
	require.Equal(t, 64, n)
	assert.Equal(t, chunk[:64], out[:n])
}

// TestBridgeBreakerTrips fails fast after consecutive open failures
func TestBridgeBreakerTrips(t *testing.T) {
	b, _ := newTestBridge(t, 256)
	calls := 0
	swapTransport(t, listFixed("/dev/ttyACM0"), func(string, *serial.Mode) (Port, error) {
		calls++
		return nil, errors.New("busy")
	})

	for i := 0; i < breakerTripAfter; i++ {
		_, err := b.Connect(context.Background())
		require.ErrorIs(t, err, ErrConnectionFailure)
	}
	_, err := b.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectionFailure)
	assert.Equal(t, breakerTripAfter, calls)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

type failWriter struct{ calls atomic.Int32 }

func (f *failWriter) Write([]byte) (int, error) {
	f.calls.Inc()
	return 0, errors.New("sink full")
}

// TestBridgeTapFanout mirrors device input and drops failing taps
func TestBridgeTapFanout(t *testing.T) {
	b, set := newTestBridge(t, 256)
	port := newFakePort()
	swapTransport(t, listFixed("/dev/ttyACM0"), openFixed(port))

	good := &syncBuffer{}
	bad := &failWriter{}
	detach := b.AttachTap(good)
	b.AttachTap(bad)

	faults := make(chan error, 2)
	b.OnFault(func(err error) { faults <- err })

	ok, err := b.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	port.send(t, "one")
	require.Eventually(t, func() bool { return good.String() == "one" }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), bad.calls.Load())

	select {
	case err := <-faults:
		require.ErrorIs(t, err, ErrTapFailed)
	case <-time.After(time.Second):
		t.Fatal("no tap failure reported")
	}

	port.send(t, "two")
	require.Eventually(t, func() bool { return good.String() == "onetwo" }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), bad.calls.Load(), "failed tap stays detached")

	detach()
	port.send(t, "three")
	require.Eventually(t, func() bool { return set.RX.Len() == 11 }, time.Second, time.Millisecond)
	assert.Equal(t, "onetwo", good.String())
}

// TestBridgeStats snapshots device, session and byte counters
func TestBridgeStats(t *testing.T) {
	b, set := newTestBridge(t, 256)
	port := newFakePort()
	swapTransport(t, listFixed("/dev/ttyUSB7"), openFixed(port))

	ok, err := b.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	port.send(t, "abcd")
	set.TX.TryPush([]byte("ef"))
	set.TX.Kick()
	require.Eventually(t, func() bool {
		st := b.Stats()
		return st.RxBytes == 4 && st.TxBytes == 2
	}, time.Second, time.Millisecond)

	st := b.Stats()
	assert.Equal(t, "CONNECTED", st.State)
	assert.Equal(t, "/dev/ttyUSB7", st.Device)
	assert.Equal(t, uint64(1), st.Sessions)
	assert.Equal(t, uint64(0), st.RxDrops)

	require.NoError(t, b.Disconnect())
	st = b.Stats()
	assert.Equal(t, "DISCONNECTED", st.State)
	assert.Equal(t, "", st.Device)
}

// TestBridgeNewRequiresBoundSet rejects nil or partial channel sets
func TestBridgeNewRequiresBoundSet(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	require.Error(t, err)

	_, err = New(DefaultConfig(), &binding.ChannelSet{})
	require.Error(t, err)
}

// TestSelectors covers allow-list, first-port and static selection
func TestSelectors(t *testing.T) {
	candidates := []Candidate{
		{Path: "/dev/ttyS0", IsUSB: false},
		{Path: "/dev/ttyACM0", IsUSB: true, VID: "2e8a", PID: "000a"},
		{Path: "/dev/ttyACM1", IsUSB: true, VID: "0403", PID: "6001"},
	}

	allow := AllowListSelector{Allowed: []VIDPID{{VID: "0403", PID: "6001"}}}
	path, err := allow.Select(candidates)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM1", path)

	allow = AllowListSelector{Allowed: []VIDPID{{VID: "2E8A", PID: "000A"}}}
	path, err = allow.Select(candidates)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", path, "VID/PID match is case-insensitive")

	allow = AllowListSelector{Allowed: []VIDPID{{VID: "FFFF", PID: "0001"}}}
	_, err = allow.Select(candidates)
	require.ErrorIs(t, err, ErrSelectionCancelled)

	path, err = FirstPortSelector{}.Select(candidates)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyS0", path)
	_, err = FirstPortSelector{}.Select(nil)
	require.ErrorIs(t, err, ErrSelectionCancelled)

	path, err = StaticSelector{Path: "/dev/pts/9"}.Select(nil)
	require.NoError(t, err)
	assert.Equal(t, "/dev/pts/9", path)
	_, err = StaticSelector{}.Select(candidates)
	require.ErrorIs(t, err, ErrSelectionCancelled)
}

// TestIsDisconnectError classifies device-gone conditions
func TestIsDisconnectError(t *testing.T) {
	assert.False(t, isDisconnectError(nil))
	assert.True(t, isDisconnectError(io.EOF))
	assert.True(t, isDisconnectError(os.ErrClosed))
	assert.True(t, isDisconnectError(fmt.Errorf("read: %w", os.ErrClosed)))
	assert.True(t, isDisconnectError(errors.New("input/output error")))
	assert.True(t, isDisconnectError(errors.New("write /dev/ttyACM0: broken pipe")))
	assert.False(t, isDisconnectError(errors.New("permission denied")))
}
