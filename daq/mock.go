package daq

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Write is one operation recorded by a Mock
type Write struct {
	Op         string // "output", "continuous", "finite", or "triggered"
	Channels   []int
	SampleRate float64
	Trigger    string
	Samples    [][]float64
}

// Mock is an in-memory Device.  It records every write, enforces one
// reservation per channel, and releases triggered writes either when Fire is
// called or after AutoTrigger.
type Mock struct {
	// AutoTrigger, when positive, fires the trigger this long after a
	// triggered write is armed
	AutoTrigger time.Duration

	// FailReset, when set, is returned (wrapped) by Reset
	FailReset error

	// FailOutput, when set, is returned (wrapped) by every write
	FailOutput error

	mu       sync.Mutex
	values   map[int]float64
	writes   []Write
	resets   int
	reserved map[int]*mockTask
	trig     chan struct{}
	armed    int
	closed   bool
}

// NewMock returns a ready to use mock
func NewMock() *Mock {
	return &Mock{
		values:   map[int]float64{},
		reserved: map[int]*mockTask{},
		trig:     make(chan struct{}),
	}
}

func (m *Mock) fail() error {
	if m.closed {
		return Unavailable(fmt.Errorf("mock device closed"))
	}
	if m.FailOutput != nil {
		return Unavailable(m.FailOutput)
	}
	return nil
}

func (m *Mock) reservedErr(ch int) error {
	if _, ok := m.reserved[ch]; ok {
		return fmt.Errorf("channel %d: %w", ch, ErrChannelReserved)
	}
	return nil
}

// Output sets the value of a channel
func (m *Mock) Output(ch int, v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	if err := m.reservedErr(ch); err != nil {
		return err
	}
	m.values[ch] = v
	m.writes = append(m.writes, Write{Op: "output", Channels: []int{ch}, Samples: [][]float64{{v}}})
	return nil
}

// Reset releases every task and counts the reset
func (m *Mock) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailReset != nil {
		return Unavailable(m.FailReset)
	}
	for ch, t := range m.reserved {
		t.stopped = true
		delete(m.reserved, ch)
	}
	m.resets++
	return nil
}

// StartContinuous reserves ch and records the looped buffer
func (m *Mock) StartContinuous(ch int, sampleRate float64, samples []float64) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	if err := m.reservedErr(ch); err != nil {
		return nil, err
	}
	t := &mockTask{m: m, ch: ch}
	m.reserved[ch] = t
	m.writes = append(m.writes, Write{Op: "continuous", Channels: []int{ch}, SampleRate: sampleRate, Samples: [][]float64{copyRow(samples)}})
	if len(samples) > 0 {
		m.values[ch] = samples[len(samples)-1]
	}
	return t, nil
}

// WriteFinite records the buffer and returns immediately
func (m *Mock) WriteFinite(ctx context.Context, ch int, sampleRate float64, samples []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	if err := m.reservedErr(ch); err != nil {
		return err
	}
	m.writes = append(m.writes, Write{Op: "finite", Channels: []int{ch}, SampleRate: sampleRate, Samples: [][]float64{copyRow(samples)}})
	if len(samples) > 0 {
		m.values[ch] = samples[len(samples)-1]
	}
	return ctx.Err()
}

// WriteTriggered arms the block and waits for Fire, AutoTrigger, or ctx
func (m *Mock) WriteTriggered(ctx context.Context, chs []int, sampleRate float64, trigger string, block [][]float64) error {
	if err := checkBlock(chs, block); err != nil {
		return err
	}
	m.mu.Lock()
	if err := m.fail(); err != nil {
		m.mu.Unlock()
		return err
	}
	for _, ch := range chs {
		if err := m.reservedErr(ch); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	m.armed++
	auto := m.AutoTrigger
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.armed--
		m.mu.Unlock()
	}()
	var after <-chan time.Time
	if auto > 0 {
		timer := time.NewTimer(auto)
		defer timer.Stop()
		after = timer.C
	}
	select {
	case <-m.trig:
	case <-after:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([][]float64, len(block))
	for i := range block {
		rows[i] = copyRow(block[i])
		if n := len(block[i]); n > 0 {
			m.values[chs[i]] = block[i][n-1]
		}
	}
	m.writes = append(m.writes, Write{Op: "triggered", Channels: append([]int(nil), chs...), SampleRate: sampleRate, Trigger: trigger, Samples: rows})
	return nil
}

// Fire delivers one trigger edge.  It returns false if no write was armed to
// receive it, like a real edge arriving before the task is started.
func (m *Mock) Fire() bool {
	select {
	case m.trig <- struct{}{}:
		return true
	default:
		return false
	}
}

// Armed is the number of triggered writes waiting for an edge
func (m *Mock) Armed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed
}

// Close marks the device closed; later writes fail
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Value is the last value written to ch
func (m *Mock) Value(ch int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[ch]
}

// Writes returns a copy of the write log
func (m *Mock) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Write(nil), m.writes...)
}

// Resets is the number of successful resets
func (m *Mock) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

// Reserved reports whether a continuous task holds ch
func (m *Mock) Reserved(ch int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.reserved[ch]
	return ok
}

type mockTask struct {
	m       *Mock
	ch      int
	stopped bool
}

func (t *mockTask) Stop() error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.stopped = true
	return nil
}

func (t *mockTask) Close() error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.stopped = true
	if t.m.reserved[t.ch] == t {
		delete(t.m.reserved, t.ch)
	}
	return nil
}

func copyRow(r []float64) []float64 {
	return append([]float64(nil), r...)
}
