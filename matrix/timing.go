package matrix

import (
	"errors"
	"fmt"

	"github.com/lampllab/optotarget/waveform"
)

// ErrInvalidTiming is wrapped by every error returned from Timing.Validate
var ErrInvalidTiming = errors.New("invalid timing")

// Timing holds the timing and synthesis parameters of a protocol waveform
type Timing struct {
	// OnDuration is the length of the stimulation before the taper, s
	OnDuration float64 `koanf:"OnDuration" yaml:"OnDuration" json:"onDuration"`

	// TaperDuration is the length of the linear fade to zero, s
	TaperDuration float64 `koanf:"TaperDuration" yaml:"TaperDuration" json:"taperDuration"`

	// SampleRate is the DAC update rate, Hz
	SampleRate float64 `koanf:"SampleRate" yaml:"SampleRate" json:"sampleRate"`

	// StimFrequency is the frequency of the waveform, Hz
	StimFrequency float64 `koanf:"StimFrequency" yaml:"StimFrequency" json:"stimFrequency"`

	Kind waveform.Kind `koanf:"Kind" yaml:"Kind" json:"kind"`

	// DutyCycle is the high fraction of a square wave, percent
	DutyCycle float64 `koanf:"DutyCycle" yaml:"DutyCycle" json:"dutyCycle"`

	// SwitchFrequency is the rate multi-site groups hop between targets, Hz
	SwitchFrequency float64 `koanf:"SwitchFrequency" yaml:"SwitchFrequency" json:"switchFrequency"`

	// SwitchDuration is the blanking window after each hop, ms
	SwitchDuration float64 `koanf:"SwitchDuration" yaml:"SwitchDuration" json:"switchDuration"`
}

// DefaultTiming mirrors the values the acquisition rig is normally run with
func DefaultTiming() Timing {
	return Timing{
		OnDuration:      1,
		TaperDuration:   0.2,
		SampleRate:      10000,
		StimFrequency:   40,
		Kind:            waveform.Sine,
		DutyCycle:       50,
		SwitchFrequency: 100,
		SwitchDuration:  1,
	}
}

// Validate checks that the timing produces a well formed, non-empty waveform
func (t Timing) Validate() error {
	switch {
	case !(t.SampleRate > 0):
		return fmt.Errorf("%w: sample rate must be positive, got %g", ErrInvalidTiming, t.SampleRate)
	case t.OnDuration < 0 || t.TaperDuration < 0:
		return fmt.Errorf("%w: durations must be non-negative, got on=%g taper=%g", ErrInvalidTiming, t.OnDuration, t.TaperDuration)
	case !(t.OnDuration+t.TaperDuration > 0):
		return fmt.Errorf("%w: on + taper duration must be positive", ErrInvalidTiming)
	case !(t.StimFrequency > 0):
		return fmt.Errorf("%w: stimulation frequency must be positive, got %g", ErrInvalidTiming, t.StimFrequency)
	case t.DutyCycle < 0 || t.DutyCycle > 100:
		return fmt.Errorf("%w: duty cycle must be in [0, 100], got %g", ErrInvalidTiming, t.DutyCycle)
	case !(t.SwitchFrequency > 0):
		return fmt.Errorf("%w: switch frequency must be positive, got %g", ErrInvalidTiming, t.SwitchFrequency)
	case t.SwitchDuration < 0:
		return fmt.Errorf("%w: switch duration must be non-negative, got %g", ErrInvalidTiming, t.SwitchDuration)
	case t.Points() < 1:
		return fmt.Errorf("%w: on + taper duration is shorter than one sample at %g Hz", ErrInvalidTiming, t.SampleRate)
	}
	return nil
}

// OnPoints is the number of samples before the taper, truncated
func (t Timing) OnPoints() int {
	return int(t.OnDuration * t.SampleRate)
}

// TaperPoints is the number of samples in the taper, truncated
func (t Timing) TaperPoints() int {
	return int(t.TaperDuration * t.SampleRate)
}

// Points is the length of every group's sample arrays
func (t Timing) Points() int {
	return t.OnPoints() + t.TaperPoints()
}

// CyclePoints is how long each site of a multi-site group is held, in samples
func (t Timing) CyclePoints() int {
	n := int(t.SampleRate / t.SwitchFrequency)
	if n < 1 {
		n = 1
	}
	return n
}

// SwitchPoints is the blanking window after a hop, in samples
func (t Timing) SwitchPoints() int {
	return int(t.SwitchDuration * t.SampleRate / 1000)
}

// Times is the time axis of the protocol waveform, N points over
// [0, On+Taper] inclusive
func (t Timing) Times() []float64 {
	return waveform.Linspace(0, t.OnDuration+t.TaperDuration, t.Points(), true)
}

// Waveform is the normalized, tapered protocol waveform.
// Multiply by an intensity to get the drive signal.
func (t Timing) Waveform() []float64 {
	w := waveform.Synthesize(t.Times(), t.StimFrequency, t.Kind, t.DutyCycle)
	waveform.Taper(w, t.TaperPoints())
	return w
}
