// Package matrix builds the per-group sample blocks that the protocol streams
// to the DAC: one intensity, one x, and one y array per group, all the same
// length.
//
// A group with a single target holds that target's position for the whole
// trial.  A group with several targets hops between their positions at the
// switch frequency and blanks the intensity around every hop so the light is
// off while the scanner moves.
package matrix

import (
	"errors"
	"fmt"
	"strings"

	"github.com/c2h5oh/datasize"

	"github.com/lampllab/optotarget/target"
	"github.com/lampllab/optotarget/waveform"
)

var (
	// ErrNegativeGroup is returned when a target has a group id below zero
	ErrNegativeGroup = errors.New("negative group id")

	// ErrBlockTooLarge is returned when one group's block exceeds the
	// configured maximum size
	ErrBlockTooLarge = errors.New("sample block exceeds maximum size")
)

// GroupMatrix is the output of one group.  The slices are not modified after
// Build returns.
type GroupMatrix struct {
	Group     int
	Region    string
	Intensity []float64
	X         []float64
	Y         []float64
}

// Output is the result of Build, indexed by group id
type Output struct {
	Groups []GroupMatrix
	n      int
	holes  []int
}

// Len is the number of samples in every array
func (o *Output) Len() int {
	return o.n
}

// NumGroups is max group + 1
func (o *Output) NumGroups() int {
	return len(o.Groups)
}

// Region returns the label of group g, or "" if g is out of range
func (o *Output) Region(g int) string {
	if g < 0 || g >= len(o.Groups) {
		return ""
	}
	return o.Groups[g].Region
}

// Block returns copies of the intensity, x, and y rows of group g, in that
// order, ready to be handed to a multi-channel write
func (o *Output) Block(g int) [][]float64 {
	gm := o.Groups[g]
	return [][]float64{
		append([]float64(nil), gm.Intensity...),
		append([]float64(nil), gm.X...),
		append([]float64(nil), gm.Y...),
	}
}

// Holes lists non-zero group ids that have no targets.  Their blocks are all
// zero and their region is empty.
func (o *Output) Holes() []int {
	return append([]int(nil), o.holes...)
}

type options struct {
	maxBlock datasize.ByteSize
}

// Option configures Build
type Option func(*options)

// WithMaxBlockSize limits the size of one group's block (3 rows of float64).
// Zero means unlimited.
func WithMaxBlockSize(sz datasize.ByteSize) Option {
	return func(o *options) {
		o.maxBlock = sz
	}
}

// Build computes the sample block of every group in [0, max group]
func Build(targets []target.Target, t Timing, opts ...Option) (*Output, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	for _, tgt := range targets {
		if tgt.Group < 0 {
			return nil, fmt.Errorf("%w: target %q has group %d", ErrNegativeGroup, tgt.Name, tgt.Group)
		}
	}
	n := t.Points()
	if o.maxBlock > 0 {
		sz := datasize.ByteSize(3 * n * 8)
		if sz > o.maxBlock {
			return nil, fmt.Errorf("%w: %s > %s", ErrBlockTooLarge, sz.HR(), o.maxBlock.HR())
		}
	}

	wave := t.Waveform()
	maxGroup := target.MaxGroup(targets)
	if maxGroup < 0 {
		maxGroup = 0
	}
	out := &Output{Groups: make([]GroupMatrix, maxGroup+1), n: n}
	for g := range out.Groups {
		members := target.Members(targets, g)
		gm := GroupMatrix{Group: g}
		switch len(members) {
		case 0:
			gm.Intensity = make([]float64, n)
			gm.X = make([]float64, n)
			gm.Y = make([]float64, n)
			if g != target.ControlGroup {
				out.holes = append(out.holes, g)
			}
		case 1:
			m := members[0]
			gm.Intensity = waveform.Scale(append([]float64(nil), wave...), m.Intensity)
			gm.X = waveform.Fill(n, m.X)
			gm.Y = waveform.Fill(n, m.Y)
		default:
			gm.Intensity = waveform.Scale(append([]float64(nil), wave...), meanIntensity(members))
			gm.X, gm.Y = alternate(members, n, t.CyclePoints())
			blank(gm.Intensity, gm.X, gm.Y, t.SwitchPoints())
		}
		gm.Region = regionLabel(members)
		out.Groups[g] = gm
	}
	return out, nil
}

func meanIntensity(ts []target.Target) float64 {
	var sum float64
	for _, t := range ts {
		sum += t.Intensity
	}
	return sum / float64(len(ts))
}

func regionLabel(ts []target.Target) string {
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = t.Name
	}
	return strings.Join(names, ", ")
}

// alternate holds each member's position for cycle samples, round robin,
// truncated to n
func alternate(members []target.Target, n, cycle int) (x, y []float64) {
	x = make([]float64, n)
	y = make([]float64, n)
	for i := 0; i < n; i++ {
		m := members[(i/cycle)%len(members)]
		x[i] = m.X
		y[i] = m.Y
	}
	return x, y
}

// blank zeroes intensity over [i, i+1+switchPts) for every i where the
// position changes between i and i+1.  Windows only ever add zeros.
func blank(intensity, x, y []float64, switchPts int) {
	n := len(intensity)
	for i := 0; i+1 < n; i++ {
		if x[i] == x[i+1] && y[i] == y[i+1] {
			continue
		}
		end := i + 1 + switchPts
		if end > n {
			end = n
		}
		for j := i; j < end; j++ {
			intensity[j] = 0
		}
	}
}
