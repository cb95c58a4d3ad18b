// Package waveform synthesizes the normalized stimulation waveforms that are
// scaled by an intensity and written to the intensity channel of a DAC.
//
// Every synthesis function returns values in [0, 1]; callers scale by the
// desired intensity and apply any taper afterwards.
package waveform

import (
	"fmt"
	"math"
	"strings"
)

// Kind is the shape of a stimulation waveform
type Kind int

const (
	// Sine is a raised sinusoid, (sin(2πft)+1)/2
	Sine Kind = iota

	// Square is a raised square wave with a configurable duty cycle
	Square
)

var kindNames = map[Kind]string{
	Sine:   "sine",
	Square: "square",
}

// String returns "sine" or "square"
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind converts a (case-insensitive) name to a Kind.
// "sin" is accepted as an alias for sine.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sine", "sin":
		return Sine, nil
	case "square", "sq":
		return Square, nil
	}
	return Sine, fmt.Errorf("waveform kind %q is not one of sine, square", s)
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("invalid waveform kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *Kind) UnmarshalText(b []byte) error {
	kk, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = kk
	return nil
}

// MarshalYAML keeps the kind human readable in config and plan files
func (k Kind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

// UnmarshalYAML is the yaml.v2 counterpart to MarshalYAML
func (k *Kind) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return k.UnmarshalText([]byte(s))
}

// SquareWave returns +1 for the first duty fraction of every 2π period of
// phase and -1 otherwise.  duty is clamped to [0, 1].
func SquareWave(phase, duty float64) float64 {
	if duty < 0 {
		duty = 0
	} else if duty > 1 {
		duty = 1
	}
	// floored modulo so negative phase behaves like positive phase
	tmod := math.Mod(phase, 2*math.Pi)
	if tmod < 0 {
		tmod += 2 * math.Pi
	}
	if tmod < duty*2*math.Pi {
		return 1
	}
	return -1
}

// Synthesize produces one normalized waveform over times (seconds).
//
// dutyCycle is in percent and only used for Square.
// len(output) == len(times) and every value is in [0, 1].
func Synthesize(times []float64, frequency float64, kind Kind, dutyCycle float64) []float64 {
	out := make([]float64, len(times))
	w := 2 * math.Pi * frequency
	switch kind {
	case Square:
		duty := dutyCycle / 100
		for i, t := range times {
			out[i] = (SquareWave(w*t, duty) + 1) / 2
		}
	default:
		for i, t := range times {
			out[i] = (math.Sin(w*t) + 1) / 2
		}
	}
	return out
}

// OnePeriod returns a single period of the waveform sampled at sampleRate,
// floor(sampleRate/frequency) points over [0, 1/frequency).
// This is the buffer that is looped for continuous output.
func OnePeriod(frequency, sampleRate float64, kind Kind, dutyCycle float64) []float64 {
	if frequency <= 0 || sampleRate <= 0 {
		return []float64{}
	}
	n := int(math.Floor(sampleRate / frequency))
	times := Linspace(0, 1/frequency, n, false)
	return Synthesize(times, frequency, kind, dutyCycle)
}
