// Package capture records serial monitor sessions to brotli-compressed files.
package capture

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/ringdock/ringdock/internal/utils"
)

// flushInterval bounds how stale the on-disk capture may be. The compressor
// buffers internally; without periodic flushes a crash would lose the tail.
const flushInterval = time.Second

// Attacher is the tap registry the recorder hooks into. *bridge.Bridge
// satisfies it.
type Attacher interface {
	AttachTap(w io.Writer) func()
}

// Recorder is a bridge tap that streams device output into a compressed
// capture file. A write or flush error sticks: every later Write returns it,
// which makes the bridge detach the recorder and report the failure.
type Recorder struct {
	path   string
	logger *utils.Logger

	mu      sync.Mutex
	file    *os.File
	bw      *brotli.Writer
	detach  func()
	err     error
	raw     uint64
	closing bool

	done chan struct{}
	wg   sync.WaitGroup
}

// Start opens path for writing and, when tap is non-nil, attaches the
// recorder to it.
func Start(path string, tap Attacher, logger *utils.Logger) (*Recorder, error) {
	if logger == nil {
		logger = utils.DefaultLogger("capture")
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, utils.WrapError(err, "capture", "start")
	}
	r := &Recorder{
		path:   path,
		logger: logger,
		file:   f,
		bw:     brotli.NewWriterLevel(f, brotli.DefaultCompression),
		done:   make(chan struct{}),
	}
	if tap != nil {
		r.detach = tap.AttachTap(r)
	}
	r.wg.Add(1)
	go r.flushLoop()
	logger.Info("Capture started", utils.String("path", path))
	return r, nil
}

// Write feeds one device chunk to the compressor. Called from the read pump.
func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	if r.closing {
		return 0, os.ErrClosed
	}
	n, err := r.bw.Write(p)
	if err != nil {
		r.err = err
		r.logger.Error("Capture write failed",
			utils.Err(err), utils.String("path", r.path))
		return n, err
	}
	r.raw += uint64(n)
	return n, nil
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()
	tick := time.NewTicker(flushInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			r.mu.Lock()
			if !r.closing && r.err == nil {
				if err := r.bw.Flush(); err != nil {
					r.err = err
					r.logger.Error("Capture flush failed",
						utils.Err(err), utils.String("path", r.path))
				}
			}
			r.mu.Unlock()
		case <-r.done:
			return
		}
	}
}

// Close detaches from the bridge, flushes the compressor and closes the
// file. Safe to call more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return nil
	}
	r.closing = true
	detach := r.detach
	r.detach = nil
	r.mu.Unlock()

	// Detach outside r.mu: the bridge calls Write while holding its tap
	// lock, and detaching takes that same lock.
	if detach != nil {
		detach()
	}
	close(r.done)
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.bw.Close()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	r.logger.Info("Capture closed",
		utils.String("path", r.path), utils.Uint64("raw_bytes", r.raw))
	if err != nil {
		return utils.WrapError(err, "capture", "close")
	}
	return nil
}

// Path reports where the capture is being written.
func (r *Recorder) Path() string {
	return r.path
}

// RawBytes reports how many uncompressed bytes have been captured so far.
func (r *Recorder) RawBytes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.raw
}
