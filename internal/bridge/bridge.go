// Package bridge owns the physical device handle and moves bytes between it
// and a bound channel set: device input is pushed into RX, TX is drained back
// to the device. Connection lifecycle is an explicit state machine; the
// bridge is constructed once and passed by reference to every collaborator.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/atomic"

	"github.com/ringdock/ringdock/internal/binding"
	"github.com/ringdock/ringdock/internal/utils"
)

var (
	// ErrTransportUnavailable means the platform serial capability is missing
	// or broken; fatal to Connect.
	ErrTransportUnavailable = errors.New("serial transport unavailable")
	// ErrSelectionCancelled is returned by selectors to decline the device
	// choice. Connect converts it into a non-error failed result.
	ErrSelectionCancelled = errors.New("device selection cancelled")
	// ErrConnectionFailure wraps device open and configure errors.
	ErrConnectionFailure = errors.New("connection failure")
	// ErrDeviceGone reports a device-initiated disconnection (unplug).
	ErrDeviceGone = errors.New("device disconnected")
	// ErrLoopFault wraps an unexpected error inside a pump loop.
	ErrLoopFault = errors.New("pump fault")
	// ErrTapFailed wraps a tap write error; the tap has been detached.
	ErrTapFailed = errors.New("tap write failed")
)

const (
	// DefaultPollInterval is the write pump idle wait between TX drains.
	DefaultPollInterval = 5 * time.Millisecond
	// DefaultReadChunk sizes the read pump scratch buffer.
	DefaultReadChunk = 4096

	breakerTripAfter = 3
	breakerCooldown  = 2 * time.Second
)

// Config holds bridge construction parameters.
type Config struct {
	// Selector picks the device a connect attempt opens.
	Selector Selector
	// PollInterval overrides the write pump idle wait. Zero keeps the default.
	PollInterval time.Duration
	// ReadChunk overrides the read scratch size. Zero keeps the default.
	ReadChunk int
	Logger    *utils.Logger
}

// DefaultConfig returns the baseline bridge configuration: first enumerated
// port, 5 ms idle poll.
func DefaultConfig() Config {
	return Config{
		Selector:     FirstPortSelector{},
		PollInterval: DefaultPollInterval,
		ReadChunk:    DefaultReadChunk,
	}
}

// session is one open connection: the device handle plus the pump pair.
// A fresh Connect always builds a fresh session; endpoints are never reused.
type session struct {
	id     string
	port   Port
	path   string
	cancel context.CancelFunc
	wg     sync.WaitGroup

	once     sync.Once
	closeErr error
}

// release cancels the pumps and closes the device exactly once. Both steps
// run on every path; the close error is kept for the caller.
func (s *session) release() error {
	s.once.Do(func() {
		s.cancel()
		s.closeErr = s.port.Close()
	})
	return s.closeErr
}

// Bridge pumps bytes between one serial device and a bound channel set.
type Bridge struct {
	set    *binding.ChannelSet
	config Config
	logger *utils.Logger

	state atomic.Int32

	mu      sync.Mutex // serializes Connect and Disconnect
	current *session

	probeOnce sync.Once
	probeErr  error

	breaker *gobreaker.CircuitBreaker

	tapMu  sync.RWMutex
	taps   map[uint64]io.Writer
	tapSeq uint64

	faultMu sync.RWMutex
	onFault func(error)

	rxBytes  atomic.Uint64
	txBytes  atomic.Uint64
	sessions atomic.Uint64
}

// New constructs a bridge over a bound channel set.
func New(cfg Config, set *binding.ChannelSet) (*Bridge, error) {
	if set == nil || set.RX == nil || set.TX == nil {
		return nil, utils.NewError("bridge", "new", "channel set is not bound")
	}
	if cfg.Selector == nil {
		cfg.Selector = FirstPortSelector{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReadChunk <= 0 {
		cfg.ReadChunk = DefaultReadChunk
	}
	logger := cfg.Logger
	if logger == nil {
		logger = utils.DefaultLogger("bridge")
	}

	b := &Bridge{set: set, config: cfg, logger: logger}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "device-open",
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Breaker state change",
				utils.String("breaker", name),
				utils.String("from", from.String()),
				utils.String("to", to.String()))
		},
	})
	return b, nil
}

// State returns the current connection state.
func (b *Bridge) State() ConnectionState {
	return ConnectionState(b.state.Load())
}

// Available reports whether the platform serial capability is usable. The
// enumeration probe runs once per bridge; later calls return the cached
// verdict. An empty port list is still available, just nothing attached.
func (b *Bridge) Available() error {
	b.probeOnce.Do(func() {
		if _, err := listPorts(); err != nil {
			b.probeErr = fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		}
	})
	return b.probeErr
}

// Connect enumerates candidate devices, lets the selector pick one, opens it
// at the fixed line configuration and starts both pumps. A declined selection
// returns (false, nil). On any failure no pump is started and the state
// returns to Disconnected. The context bounds this attempt only; the
// connection itself lives until Disconnect.
func (b *Bridge) Connect(ctx context.Context) (bool, error) {
	if err := b.Available(); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.transitionTo(StateConnecting); err != nil {
		return false, err
	}

	port, path, err := b.open(ctx)
	if err != nil {
		b.transitionState(StateConnecting, StateDisconnected)
		if errors.Is(err, ErrSelectionCancelled) {
			b.logger.Info("Device selection declined")
			return false, nil
		}
		return false, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:     utils.GenerateID()[:8],
		port:   port,
		path:   path,
		cancel: cancel,
	}
	b.current = s
	b.transitionState(StateConnecting, StateConnected)
	b.sessions.Inc()

	s.wg.Add(2)
	go b.readPump(pumpCtx, s)
	go b.writePump(pumpCtx, s)

	b.logger.Info("Connected",
		utils.String("device", path),
		utils.String("session", s.id))
	return true, nil
}

// open runs selection and the breaker-guarded device open. Caller holds b.mu.
func (b *Bridge) open(ctx context.Context) (Port, string, error) {
	candidates, err := enumerate()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	path, err := b.config.Selector.Select(candidates)
	if err != nil {
		if errors.Is(err, ErrSelectionCancelled) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("%w: select device: %v", ErrConnectionFailure, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	b.logger.Debug("Opening device", utils.String("device", path))
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return openPort(path, deviceMode)
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: open %s: %v", ErrConnectionFailure, path, err)
	}
	time.Sleep(settleDelay)
	return result.(Port), path, nil
}

// Disconnect is the single cancellation entry point. It cancels both pumps,
// closes the device (unblocking an in-flight read), waits for the pumps to
// drain and ends Disconnected. Safe to call in any state, any number of
// times; with no session it is a no-op beyond clearing a fault state.
func (b *Bridge) Disconnect() error {
	b.mu.Lock()
	s := b.current
	if s == nil {
		if b.transitionState(StateError, StateDisconnected) {
			b.logger.Info("Bridge reset after fault")
		}
		b.mu.Unlock()
		return nil
	}
	b.current = nil
	b.transitionState(StateConnected, StateDisconnecting)
	b.mu.Unlock()

	err := s.release()
	s.wg.Wait()

	b.mu.Lock()
	b.transitionState(StateDisconnecting, StateDisconnected)
	b.mu.Unlock()

	b.logger.Info("Disconnected", utils.String("session", s.id))
	return utils.WrapError(err, "bridge", "disconnect")
}

// sessionFault tears the session down after a pump-observed failure and
// reports it. Runs in its own goroutine so it can wait for both pumps. An
// explicit Disconnect that won the race makes this a no-op.
func (b *Bridge) sessionFault(s *session, cause error) {
	b.mu.Lock()
	if b.current != s || !b.transitionState(StateConnected, StateDisconnecting) {
		b.mu.Unlock()
		return
	}
	b.current = nil
	b.mu.Unlock()

	releaseErr := s.release()
	s.wg.Wait()

	b.mu.Lock()
	if releaseErr != nil {
		b.setState(StateError)
		b.logger.Error("Session release failed",
			utils.String("session", s.id), utils.Err(releaseErr))
	} else {
		b.transitionState(StateDisconnecting, StateDisconnected)
	}
	b.mu.Unlock()

	b.reportFault(cause)
}

// readPump copies device input into RX until cancelled or the device ends.
func (b *Bridge) readPump(ctx context.Context, s *session) {
	defer s.wg.Done()
	defer b.recoverPump(s, "read")

	logger := b.logger.With(utils.String("session", s.id))
	buf := make([]byte, b.config.ReadChunk)
	for {
		n, err := s.port.Read(buf)
		if n > 0 {
			accepted := b.set.RX.TryPush(buf[:n])
			b.set.RX.Kick()
			b.rxBytes.Add(uint64(n))
			b.fanout(buf[:n])
			if accepted < n {
				logger.Warn("RX overflow",
					utils.Int("dropped", n-accepted),
					utils.Uint64("total_drops", b.set.RX.Drops()))
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return // unblocked by disconnect, not a fault
			}
			if isDisconnectError(err) {
				logger.Info("Device gone", utils.Err(err))
				go b.sessionFault(s, fmt.Errorf("%w: %v", ErrDeviceGone, err))
			} else {
				logger.Error("Read pump fault", utils.Err(err))
				go b.sessionFault(s, fmt.Errorf("%w: read: %v", ErrLoopFault, err))
			}
			return
		}
		if n == 0 && ctx.Err() != nil {
			return
		}
	}
}

// writePump drains TX to the device. When TX is empty it waits for a kick or
// the poll interval, whichever comes first.
func (b *Bridge) writePump(ctx context.Context, s *session) {
	defer s.wg.Done()
	defer b.recoverPump(s, "write")

	logger := b.logger.With(utils.String("session", s.id))
	scratch := make([]byte, b.set.TX.Capacity())
	idle := time.NewTicker(b.config.PollInterval)
	defer idle.Stop()

	for {
		n := b.set.TX.TryPop(len(scratch), scratch)
		if n > 0 {
			if _, err := s.port.Write(scratch[:n]); err != nil {
				if ctx.Err() != nil {
					return
				}
				if isDisconnectError(err) {
					logger.Info("Device gone", utils.Err(err))
					go b.sessionFault(s, fmt.Errorf("%w: %v", ErrDeviceGone, err))
				} else {
					logger.Error("Write pump fault", utils.Err(err))
					go b.sessionFault(s, fmt.Errorf("%w: write: %v", ErrLoopFault, err))
				}
				return
			}
			b.txBytes.Add(uint64(n))
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-b.set.TX.Wake():
		case <-idle.C:
		}
	}
}

// recoverPump turns a pump panic into a reported fault with the same release
// path as any other loop exit.
func (b *Bridge) recoverPump(s *session, name string) {
	if r := recover(); r != nil {
		b.logger.Error("Pump panic",
			utils.String("pump", name),
			utils.Any("reason", r),
			utils.String("stack", string(debug.Stack())))
		go b.sessionFault(s, fmt.Errorf("%w: %s pump panic: %v", ErrLoopFault, name, r))
	}
}

// OnFault registers the callback loop faults and device-initiated
// disconnections are reported through. The callback runs on a bridge
// goroutine after the session is released.
func (b *Bridge) OnFault(fn func(error)) {
	b.faultMu.Lock()
	b.onFault = fn
	b.faultMu.Unlock()
}

func (b *Bridge) reportFault(err error) {
	b.faultMu.RLock()
	cb := b.onFault
	b.faultMu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

// AttachTap mirrors every raw device input chunk to w until the returned
// detach runs. Taps must not block; a surface that can fall behind buffers
// and drops internally. A tap whose Write fails is detached.
func (b *Bridge) AttachTap(w io.Writer) (detach func()) {
	b.tapMu.Lock()
	b.tapSeq++
	id := b.tapSeq
	if b.taps == nil {
		b.taps = make(map[uint64]io.Writer)
	}
	b.taps[id] = w
	b.tapMu.Unlock()

	return func() {
		b.tapMu.Lock()
		delete(b.taps, id)
		b.tapMu.Unlock()
	}
}

func (b *Bridge) fanout(chunk []byte) {
	b.tapMu.RLock()
	var failed []uint64
	var causes []error
	for id, w := range b.taps {
		if _, err := w.Write(chunk); err != nil {
			failed = append(failed, id)
			causes = append(causes, err)
		}
	}
	b.tapMu.RUnlock()

	if len(failed) == 0 {
		return
	}
	b.tapMu.Lock()
	for _, id := range failed {
		delete(b.taps, id)
	}
	b.tapMu.Unlock()
	b.logger.Warn("Detached failing taps", utils.Int("count", len(failed)))
	for _, cause := range causes {
		b.reportFault(fmt.Errorf("%w: %v", ErrTapFailed, cause))
	}
}

// Stats is a point-in-time snapshot of the bridge counters.
type Stats struct {
	State      string `json:"state"`
	Device     string `json:"device,omitempty"`
	Sessions   uint64 `json:"sessions"`
	RxBytes    uint64 `json:"rx_bytes"`
	TxBytes    uint64 `json:"tx_bytes"`
	RxDrops    uint64 `json:"rx_drops"`
	TxDrops    uint64 `json:"tx_drops"`
	StdinDrops uint64 `json:"stdin_drops"`
}

// Stats snapshots connection and channel counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	device := ""
	if b.current != nil {
		device = b.current.path
	}
	b.mu.Unlock()

	st := Stats{
		State:    b.State().String(),
		Device:   device,
		Sessions: b.sessions.Load(),
		RxBytes:  b.rxBytes.Load(),
		TxBytes:  b.txBytes.Load(),
		RxDrops:  b.set.RX.Drops(),
		TxDrops:  b.set.TX.Drops(),
	}
	if b.set.Stdin != nil {
		st.StdinDrops = b.set.Stdin.Drops()
	}
	return st
}

func (b *Bridge) setState(s ConnectionState) {
	b.state.Store(int32(s))
}

func (b *Bridge) transitionState(from, to ConnectionState) bool {
	if !canTransition(from, to) {
		return false
	}
	if b.state.CompareAndSwap(int32(from), int32(to)) {
		b.logger.Debug("State transition",
			utils.String("from", from.String()),
			utils.String("to", to.String()))
		return true
	}
	return false
}

func (b *Bridge) transitionTo(to ConnectionState) error {
	from := ConnectionState(b.state.Load())
	if !b.transitionState(from, to) {
		return utils.NewError("bridge", "transition",
			fmt.Sprintf("invalid transition %s -> %s", from, to))
	}
	return nil
}
