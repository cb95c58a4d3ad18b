// Package manual implements the operator's direct write paths: holding a
// live intensity, positioning the scanner, and firing test pulses.
//
// A channel is owned by at most one continuous task.  Every write first
// releases whatever task holds its channel.
package manual

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/time/rate"

	"github.com/lampllab/optotarget/daq"
	"github.com/lampllab/optotarget/matrix"
	"github.com/lampllab/optotarget/status"
	"github.com/lampllab/optotarget/waveform"
)

// PulseParams describes a test pulse
type PulseParams struct {
	// Intensity scales the waveform
	Intensity float64 `json:"intensity"`

	// Duration of the pulse, ms.  The number of periods is truncated.
	Duration float64 `json:"duration"`

	// Taper applies the timing's taper to the end of the pulse
	Taper bool `json:"taper"`
}

// Console owns the manual write paths.  It is safe for concurrent use; calls
// are serialized.
type Console struct {
	Device   daq.Device
	Channels daq.Channels

	// Status, if not nil, receives a message on device failures
	Status *status.Channel

	// Limiter, if not nil, paces writes to the device
	Limiter *rate.Limiter

	mu        sync.Mutex
	timing    matrix.Timing
	tasks     map[int]daq.Task
	intensity float64
	constant  bool
}

// New returns a Console using timing for the waveform parameters
func New(d daq.Device, ch daq.Channels, timing matrix.Timing) *Console {
	return &Console{
		Device:   d,
		Channels: ch,
		timing:   timing,
		tasks:    map[int]daq.Task{},
	}
}

// SetTiming updates the waveform parameters used by later writes
func (c *Console) SetTiming(t matrix.Timing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timing = t
}

// Timing returns the waveform parameters
func (c *Console) Timing() matrix.Timing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timing
}

// Held returns the live intensity and whether it is held as a constant
func (c *Console) Held() (intensity float64, constant bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intensity, c.constant
}

func (c *Console) fail(err error) error {
	if err == nil {
		return nil
	}
	err = daq.Unavailable(err)
	if c.Status != nil {
		if err2 := c.Status.SetStatus(status.DeviceError); err2 != nil {
			log.Printf("error writing status, %q\n", err2)
		}
	}
	return err
}

func (c *Console) wait(ctx context.Context) error {
	if c.Limiter == nil {
		return nil
	}
	return c.Limiter.Wait(ctx)
}

// release stops and closes the continuous task on ch, if any
func (c *Console) release(ch int) error {
	t, ok := c.tasks[ch]
	if !ok {
		return nil
	}
	delete(c.tasks, ch)
	err := t.Stop()
	if err2 := t.Close(); err == nil {
		err = err2
	}
	return err
}

func (c *Console) setConstant(ctx context.Context, ch int, v float64) error {
	if err := c.release(ch); err != nil {
		return c.fail(err)
	}
	if err := c.wait(ctx); err != nil {
		return err
	}
	return c.fail(c.Device.Output(ch, v))
}

func (c *Console) streamContinuous(ctx context.Context, ch int, sampleRate float64, wave []float64) error {
	if err := c.release(ch); err != nil {
		return c.fail(err)
	}
	if err := c.wait(ctx); err != nil {
		return err
	}
	t, err := c.Device.StartContinuous(ch, sampleRate, wave)
	if err != nil {
		return c.fail(err)
	}
	c.tasks[ch] = t
	return nil
}

// applyHeld drives the intensity channel from the held state
func (c *Console) applyHeld(ctx context.Context) error {
	ch := c.Channels.Intensity
	if c.intensity == 0 || c.constant {
		return c.setConstant(ctx, ch, c.intensity)
	}
	t := c.timing
	wave := waveform.Scale(waveform.OnePeriod(t.StimFrequency, t.SampleRate, t.Kind, t.DutyCycle), c.intensity)
	if len(wave) == 0 {
		return fmt.Errorf("no samples in one period at %g Hz sampled at %g Hz", t.StimFrequency, t.SampleRate)
	}
	return c.streamContinuous(ctx, ch, t.SampleRate, wave)
}

// SetConstant writes one value to ch, stopping any continuous output there
func (c *Console) SetConstant(ctx context.Context, ch int, v float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setConstant(ctx, ch, v)
}

// StreamContinuous loops wave on ch until replaced, stopping any continuous
// output already there
func (c *Console) StreamContinuous(ctx context.Context, ch int, sampleRate float64, wave []float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamContinuous(ctx, ch, sampleRate, wave)
}

// EmitPulse plays wave tiled reps times on ch, optionally tapering the last
// taperPoints samples, and blocks until it is done.  If ch is the intensity
// channel the held intensity is restored afterwards.
func (c *Console) EmitPulse(ctx context.Context, ch int, sampleRate float64, wave []float64, reps, taperPoints int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emitPulse(ctx, ch, sampleRate, wave, reps, taperPoints)
}

func (c *Console) emitPulse(ctx context.Context, ch int, sampleRate float64, wave []float64, reps, taperPoints int) error {
	if err := c.release(ch); err != nil {
		return c.fail(err)
	}
	buf := waveform.Tile(wave, reps)
	waveform.Taper(buf, taperPoints)
	if err := c.wait(ctx); err != nil {
		return err
	}
	if len(buf) > 0 {
		if err := c.Device.WriteFinite(ctx, ch, sampleRate, buf); err != nil {
			if ctx.Err() != nil {
				return err
			}
			return c.fail(err)
		}
	}
	if ch == c.Channels.Intensity {
		return c.applyHeld(ctx)
	}
	return nil
}

// SetIntensity holds a new live intensity.  Zero, or constant mode, is a
// scalar write; anything else loops one period of the waveform scaled by v.
func (c *Console) SetIntensity(ctx context.Context, v float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intensity = v
	return c.applyHeld(ctx)
}

// SetConstantMode switches between holding the intensity as a constant and
// as a waveform
func (c *Console) SetConstantMode(ctx context.Context, constant bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.constant = constant
	return c.applyHeld(ctx)
}

// SetPosition moves the scanner
func (c *Console) SetPosition(ctx context.Context, x, y float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.setConstant(ctx, c.Channels.X, x); err != nil {
		return err
	}
	return c.setConstant(ctx, c.Channels.Y, y)
}

// Pulse fires a test pulse on the intensity channel: one period of the
// waveform scaled by p.Intensity, repeated for p.Duration
func (c *Console) Pulse(ctx context.Context, p PulseParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.timing
	wave := waveform.Scale(waveform.OnePeriod(t.StimFrequency, t.SampleRate, t.Kind, t.DutyCycle), p.Intensity)
	reps := int(p.Duration * t.StimFrequency / 1000)
	taper := 0
	if p.Taper {
		taper = t.TaperPoints()
	}
	return c.emitPulse(ctx, c.Channels.Intensity, t.SampleRate, wave, reps, taper)
}

// StopAll stops and releases every continuous task without touching the
// held state
func (c *Console) StopAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for ch := range c.tasks {
		if err := c.release(ch); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Zero drops the live intensity to 0 and drives every channel to 0
func (c *Console) Zero(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intensity = 0
	for _, ch := range c.Channels.List() {
		if err := c.setConstant(ctx, ch, 0); err != nil {
			return err
		}
	}
	return nil
}

// Forget drops task handles without stopping them.  Used after a device
// reset, which has already released every channel.
func (c *Console) Forget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = map[int]daq.Task{}
}
