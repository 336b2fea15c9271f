// Package command injects host console input into a bound channel set.
//
// The adapter is the host-side keyboard: command lines and single key
// presses become bytes on the Stdin ring, where the in-module consumer (or
// the monitor passthrough) drains them toward the device.
package command

import (
	"errors"

	"github.com/ringdock/ringdock/internal/binding"
	"github.com/ringdock/ringdock/internal/ring"
	"github.com/ringdock/ringdock/internal/utils"
)

// DefaultTerminator ends every command line. Line-oriented firmware reads
// up to this byte before acting.
const DefaultTerminator byte = '\n'

// ErrNotReady reports that the channel set has no stdin ring to write to.
var ErrNotReady = errors.New("stdin channel not bound")

// Adapter writes console input into the Stdin ring of a bound channel set.
//
// Overflow never fails a send. Bytes that do not fit are dropped and counted
// on the ring; a full Stdin ring means the consumer stopped draining, and
// stalling the console would not fix that.
type Adapter struct {
	set        *binding.ChannelSet
	terminator byte
	logger     *utils.Logger
}

// New returns an adapter over set. The set may lack a stdin ring; sends then
// fail with ErrNotReady until a stdin-capable set is in place.
func New(set *binding.ChannelSet, logger *utils.Logger) *Adapter {
	if logger == nil {
		logger = utils.DefaultLogger("command")
	}
	return &Adapter{set: set, terminator: DefaultTerminator, logger: logger}
}

// SetTerminator overrides the line terminator for devices that expect CR.
// Call before the first send; it is not synchronized against them.
func (a *Adapter) SetTerminator(b byte) {
	a.terminator = b
}

// SendCommand pushes text plus the line terminator into the Stdin ring and
// wakes its consumer.
func (a *Adapter) SendCommand(text string) error {
	in, err := a.stdin()
	if err != nil {
		return err
	}
	dropped := 0
	for i := 0; i < len(text); i++ {
		if !in.PushOne(text[i]) {
			dropped++
		}
	}
	if !in.PushOne(a.terminator) {
		dropped++
	}
	in.Kick()
	if dropped > 0 {
		a.logger.Warn("Stdin overflow",
			utils.Int("dropped", dropped),
			utils.Uint64("total_drops", in.Drops()))
	}
	return nil
}

// SendKey pushes one raw byte for interactive key forwarding.
func (a *Adapter) SendKey(b byte) error {
	in, err := a.stdin()
	if err != nil {
		return err
	}
	if !in.PushOne(b) {
		a.logger.Warn("Stdin overflow", utils.Uint64("total_drops", in.Drops()))
	}
	in.Kick()
	return nil
}

func (a *Adapter) stdin() (*ring.Ring, error) {
	if a.set == nil || a.set.Stdin == nil {
		return nil, ErrNotReady
	}
	return a.set.Stdin, nil
}
