package protocol

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/lampllab/optotarget/daq"
	"github.com/lampllab/optotarget/matrix"
	"github.com/lampllab/optotarget/status"
)

// Trial is one completed stimulation
type Trial struct {
	Session string
	Group   int
	Region  string
	At      time.Time
}

// TrialRecorder stores completed trials somewhere durable
type TrialRecorder interface {
	RecordTrial(ctx context.Context, t Trial) error
}

// Runtime is the trial loop.  It runs until its context is cancelled or the
// device fails; it never times out waiting for a trigger.
type Runtime struct {
	Device daq.TriggeredWriter
	Status *status.Channel

	// Recorder, if not nil, is told about every completed trial
	Recorder TrialRecorder

	Output *matrix.Output
	Plan   Plan

	// Stdout receives one line per completed trial; nil means os.Stdout
	Stdout io.Writer

	// Now replaces time.Now when not nil
	Now func() time.Time

	mu      sync.Mutex
	current int
	running bool
}

// NewRuntime builds the output matrix of p and returns a Runtime for it
func NewRuntime(p Plan, d daq.TriggeredWriter, ch *status.Channel, opts ...matrix.Option) (*Runtime, error) {
	out, err := matrix.Build(p.Targets, p.Timing, opts...)
	if err != nil {
		return nil, err
	}
	return &Runtime{Device: d, Status: ch, Output: out, Plan: p}, nil
}

// Current returns the group of the trial in progress
func (r *Runtime) Current() (group int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.running
}

func (r *Runtime) setCurrent(g int, ok bool) {
	r.mu.Lock()
	r.current, r.running = g, ok
	r.mu.Unlock()
}

func (r *Runtime) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runtime) publish(err error) {
	if err != nil {
		log.Printf("error writing status, %q\n", err)
	}
}

// Run loops over trials.  The returned error is ctx.Err() after
// cancellation, otherwise the device error that stopped the loop.
func (r *Runtime) Run(ctx context.Context) error {
	seed := r.Plan.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	sel := Selector{
		StimProbability: r.Plan.StimProbability,
		NumGroups:       r.Output.NumGroups(),
		Rand:            rand.New(rand.NewSource(seed)),
	}
	stdout := r.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	chs := r.Plan.Channels.List()
	defer r.setCurrent(0, false)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		g := sel.Next()
		region := r.Output.Region(g)
		label := region
		if g == 0 {
			label = ""
		}
		r.setCurrent(g, true)
		r.publish(r.Status.SetStatus(status.WaitingFor(label)))

		err := r.Device.WriteTriggered(ctx, chs, r.Plan.SampleRate(), r.Plan.Trigger, r.Output.Block(g))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.publish(r.Status.SetStatus(status.DeviceError))
			return fmt.Errorf("trial of group %d: %w", g, daq.Unavailable(err))
		}

		at := r.now()
		r.setCurrent(0, false)
		r.publish(r.Status.SetLastStimulation(region))
		r.publish(r.Status.AppendLog(region, at))
		fmt.Fprintf(stdout, "%s: %s stimulation given.\n", at.Format(status.TimeFormat), region)
		if r.Recorder != nil {
			trial := Trial{Session: r.Plan.Session, Group: g, Region: region, At: at}
			if err := r.Recorder.RecordTrial(ctx, trial); err != nil {
				log.Printf("error recording trial, %q\n", err)
			}
		}
	}
}
