// Package daq is the boundary to the analog output hardware.
//
// The interfaces form a ladder from a bare scalar DAC up to a Device that can
// stream finite, continuous, and externally triggered multi-channel
// waveforms.  Every blocking call waits forever unless its context is
// cancelled; a trigger that never arrives is not an error.
package daq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrDeviceUnavailable is wrapped by every error caused by the device
	// being missing, unreachable, or refusing a reset or channel reservation
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrChannelReserved is generated when a channel already owned by a
	// continuous task is written
	ErrChannelReserved = errors.New("channel is reserved by another task")

	// ErrShapeMismatch is generated when a multi-channel block does not have
	// one equal length row per channel
	ErrShapeMismatch = errors.New("block rows do not match channels")
)

// Unavailable wraps err with ErrDeviceUnavailable, leaving nil and already
// wrapped errors alone
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrDeviceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
}

// DAC is a model for a simple digital to analog converter
type DAC interface {
	// Output sends a voltage on a given channel
	Output(int, float64) error
}

// Resetter can return the device to its power-on state, releasing every task
type Resetter interface {
	Reset() error
}

// Task is a running background output
type Task interface {
	// Stop halts output; the channel stays reserved until Close
	Stop() error

	// Close releases the channel
	Close() error
}

// ContinuousWriter loops a buffer on one channel until the task is stopped
type ContinuousWriter interface {
	StartContinuous(ch int, sampleRate float64, samples []float64) (Task, error)
}

// FiniteWriter plays a buffer once on one channel and returns when the
// device reports completion
type FiniteWriter interface {
	WriteFinite(ctx context.Context, ch int, sampleRate float64, samples []float64) error
}

// TriggeredWriter arms a multi-channel finite write on a digital edge and
// returns when the device reports completion.  block[i] is played on chs[i].
type TriggeredWriter interface {
	WriteTriggered(ctx context.Context, chs []int, sampleRate float64, trigger string, block [][]float64) error
}

// Device is everything the stimulation engine needs from the hardware
type Device interface {
	io.Closer
	DAC
	Resetter
	ContinuousWriter
	FiniteWriter
	TriggeredWriter
}

// Channels names the three analog outputs driven by the engine
type Channels struct {
	// Device is the card name, e.g. Dev1
	Device string `koanf:"Device" yaml:"Device" json:"device"`

	Intensity int `koanf:"Intensity" yaml:"Intensity" json:"intensity"`
	X         int `koanf:"X" yaml:"X" json:"x"`
	Y         int `koanf:"Y" yaml:"Y" json:"y"`
}

// DefaultChannels is ao0, ao1, ao2 on Dev1
func DefaultChannels() Channels {
	return Channels{Device: "Dev1", Intensity: 0, X: 1, Y: 2}
}

// List is the channel numbers in block row order: intensity, x, y
func (c Channels) List() []int {
	return []int{c.Intensity, c.X, c.Y}
}

// Name is the physical name of one channel, e.g. Dev1/ao0
func (c Channels) Name(ch int) string {
	return fmt.Sprintf("%s/ao%d", c.Device, ch)
}

// Names is the comma separated physical channel list, e.g.
// "Dev1/ao0, Dev1/ao1, Dev1/ao2"
func (c Channels) Names() string {
	l := c.List()
	names := make([]string, len(l))
	for i, ch := range l {
		names[i] = c.Name(ch)
	}
	return strings.Join(names, ", ")
}

// Zero drives all three channels to 0 V
func Zero(d DAC, c Channels) error {
	for _, ch := range c.List() {
		if err := d.Output(ch, 0); err != nil {
			return err
		}
	}
	return nil
}

func checkBlock(chs []int, block [][]float64) error {
	if len(chs) != len(block) {
		return fmt.Errorf("%w: %d channels, %d rows", ErrShapeMismatch, len(chs), len(block))
	}
	for i := range block {
		if len(block[i]) != len(block[0]) {
			return fmt.Errorf("%w: row %d has %d samples, row 0 has %d", ErrShapeMismatch, i, len(block[i]), len(block[0]))
		}
	}
	return nil
}
