package protocol

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lampllab/optotarget/daq"
	"github.com/lampllab/optotarget/matrix"
	"github.com/lampllab/optotarget/status"
	"github.com/lampllab/optotarget/target"
	"github.com/lampllab/optotarget/util"
)

// State is the controller's view of the protocol
type State int

const (
	// Idle means no runtime is launched
	Idle State = iota

	// Validating means a start request is being checked
	Validating

	// Running means a runtime is launched
	Running

	// Faulted means the device failed; the controller returns to Idle
	// right after
	Faulted
)

var stateNames = [...]string{"idle", "validating", "running", "faulted"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown protocol state %q", string(b))
}

// DefaultZeroDelay is how long after a stop the outputs are zeroed
const DefaultZeroDelay = 200 * time.Millisecond

var (
	// ErrAlreadyRunning is returned by Start unless the controller is Idle
	ErrAlreadyRunning = errors.New("protocol already running")

	// ErrNotRunning is returned by Stop when nothing is running
	ErrNotRunning = errors.New("protocol not running")
)

// Request is what the operator asks for when starting a protocol
type Request struct {
	Targets         []target.Target
	Timing          matrix.Timing
	Channels        daq.Channels
	Trigger         string
	StimProbability float64
	Seed            int64
}

// Archiver saves the matrix of each started run and returns where it went,
// or "" if it saved nothing
type Archiver interface {
	Archive(out *matrix.Output, t matrix.Timing) (string, error)
}

// Snapshot is the externally visible protocol state
type Snapshot struct {
	State               State  `json:"state"`
	Running             bool   `json:"running"`
	Session             string `json:"session,omitempty"`
	CurrentRegion       string `json:"currentRegion,omitempty"`
	CurrentGroup        *int   `json:"currentGroup,omitempty"`
	LastCompletedRegion string `json:"lastCompletedRegion"`
	LastStatus          string `json:"lastStatus"`
}

// Controller starts and stops one runtime at a time and owns the device
// between runs
type Controller struct {
	Device   daq.Device
	Status   *status.Channel
	Launcher Launcher

	// Archiver, if not nil, saves every started run's matrix
	Archiver Archiver

	// BuildOptions are passed to matrix.Build
	BuildOptions []matrix.Option

	// Template supplies the plan fields a Request does not carry
	// (device config, status dir, trial DSN)
	Template Plan

	// BeforeStart, if not nil, runs before the device is reset; the manual
	// console uses it to drop its continuous output
	BeforeStart func() error

	// AfterZero, if not nil, runs after the outputs are zeroed on stop
	AfterZero func()

	// ZeroDelay defaults to DefaultZeroDelay
	ZeroDelay time.Duration

	mu      sync.Mutex
	state   State
	history []State
	handle  Handle
	exited  chan struct{}
	session string
	outputs daq.Channels
	regions map[string]int
}

func (c *Controller) setState(s State) {
	c.state = s
	c.history = append(c.history, s)
}

func (c *Controller) publish(s string) {
	if err := c.Status.SetStatus(s); err != nil {
		log.Printf("error writing status, %q\n", err)
	}
}

// fault records a device failure and returns to Idle.  Caller holds c.mu.
func (c *Controller) fault(err error) error {
	c.setState(Faulted)
	c.publish(status.DeviceError)
	c.setState(Idle)
	return fmt.Errorf("starting protocol: %w", daq.Unavailable(err))
}

// Start validates req, puts the device in a known state, and launches a
// runtime.  An invalid request returns a *ConfigError; a device failure
// returns an error wrapping daq.ErrDeviceUnavailable.  Either way the
// reason is on the status line and the controller is Idle.
func (c *Controller) Start(ctx context.Context, req Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return ErrAlreadyRunning
	}
	c.setState(Validating)
	if err := Validate(req.Targets); err != nil {
		var cerr *ConfigError
		if errors.As(err, &cerr) {
			c.publish(cerr.Message)
		}
		c.setState(Idle)
		return err
	}
	if c.BeforeStart != nil {
		if err := c.BeforeStart(); err != nil {
			return c.fault(err)
		}
	}
	if err := c.Device.Reset(); err != nil {
		return c.fault(err)
	}
	if err := daq.Zero(c.Device, req.Channels); err != nil {
		return c.fault(err)
	}
	out, err := matrix.Build(req.Targets, req.Timing, c.BuildOptions...)
	if err != nil {
		c.publish(err.Error())
		c.setState(Idle)
		return err
	}
	c.publish(status.Ready)

	p := c.Template
	p.Session = NewSession()
	p.Channels = req.Channels
	p.Trigger = req.Trigger
	p.StimProbability = util.Clamp(req.StimProbability, 0, 100)
	p.Targets = append([]target.Target(nil), req.Targets...)
	p.Timing = req.Timing
	p.Seed = req.Seed
	p.StatusDir = c.Status.Dir

	if c.Archiver != nil {
		path, err := c.Archiver.Archive(out, req.Timing)
		if err != nil {
			log.Printf("error archiving protocol matrix, %q\n", err)
		} else if path != "" {
			log.Printf("protocol %s matrix archived to %s\n", p.Session, path)
		}
	}

	h, err := c.Launcher.Launch(ctx, p)
	if err != nil {
		c.publish("Protocol stopped: " + err.Error())
		c.setState(Idle)
		return fmt.Errorf("launching protocol: %w", err)
	}
	c.handle = h
	c.exited = make(chan struct{})
	c.session = p.Session
	c.outputs = req.Channels
	c.regions = regionGroups(out)
	c.setState(Running)
	log.Printf("protocol %s started\n", p.Session)
	go c.watch(h, c.exited)
	return nil
}

// watch returns the controller to Idle if the runtime exits on its own
func (c *Controller) watch(h Handle, exited chan struct{}) {
	err := <-h.Done()
	close(exited)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != h {
		return
	}
	c.handle = nil
	if err == nil {
		err = errors.New("runtime exited")
	}
	log.Printf("protocol %s stopped unexpectedly, %q\n", c.session, err)
	// the runtime publishes the device error itself before it exits
	last, _ := c.Status.Status()
	if errors.Is(err, daq.ErrDeviceUnavailable) || last == status.DeviceError {
		c.setState(Faulted)
		c.publish(status.DeviceError)
	} else {
		c.publish("Protocol stopped: " + err.Error())
	}
	c.setState(Idle)
}

// Stop kills the runtime, resets the trial state and the device, and after
// ZeroDelay drives every output to zero
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running || c.handle == nil {
		return ErrNotRunning
	}
	h, exited := c.handle, c.exited
	c.handle = nil
	if err := h.Kill(); err != nil {
		log.Printf("error killing protocol runtime, %q\n", err)
	}
	<-exited
	log.Printf("protocol %s stopped\n", c.session)

	if err := c.Status.SetLastStimulation(status.None); err != nil {
		log.Printf("error writing status, %q\n", err)
	}
	c.publish(status.Ready)
	var devErr error
	if err := c.Device.Reset(); err != nil {
		c.publish(status.DeviceError)
		devErr = daq.Unavailable(err)
	}
	delay := c.ZeroDelay
	if delay == 0 {
		delay = DefaultZeroDelay
	}
	time.Sleep(delay)
	if err := daq.Zero(c.Device, c.outputs); err != nil && devErr == nil {
		c.publish(status.DeviceError)
		devErr = daq.Unavailable(err)
	}
	if c.AfterZero != nil {
		c.AfterZero()
	}
	c.setState(Idle)
	return devErr
}

// State is the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Running reports whether a runtime is launched
func (c *Controller) Running() bool {
	return c.State() == Running
}

// History returns every state the controller has entered, oldest first
func (c *Controller) History() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]State(nil), c.history...)
}

// Snapshot combines the controller state with the status files
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{State: c.state, Running: c.state == Running}
	regions := c.regions
	if s.Running {
		s.Session = c.session
	}
	c.mu.Unlock()
	s.LastStatus, _ = c.Status.Status()
	s.LastCompletedRegion, _ = c.Status.LastStimulation()
	if s.Running {
		s.CurrentRegion = waitingRegion(s.LastStatus)
		if g, ok := regions[s.CurrentRegion]; ok && s.CurrentRegion != "" {
			s.CurrentGroup = &g
		}
	}
	return s
}

// regionGroups maps the region names on the status line back to group ids.
// Group 0 is announced as "control"; a region shared by two groups maps to
// the lower one.
func regionGroups(out *matrix.Output) map[string]int {
	m := map[string]int{"control": 0}
	for g := 1; g < out.NumGroups(); g++ {
		r := out.Region(g)
		if _, ok := m[r]; !ok && r != "" {
			m[r] = g
		}
	}
	return m
}

func waitingRegion(line string) string {
	const pre, suf = "Waiting to apply ", " stimulation."
	if strings.HasPrefix(line, pre) && strings.HasSuffix(line, suf) {
		return strings.TrimSuffix(strings.TrimPrefix(line, pre), suf)
	}
	return ""
}
