package protocol

import "math/rand"

// Selector draws the group of each trial.
//
// With probability StimProbability percent a stimulation group is chosen,
// uniformly from 1..NumGroups-1; otherwise the control group 0 is chosen.
// With only the control group, 0 is always chosen.
type Selector struct {
	// StimProbability is in percent
	StimProbability float64

	// NumGroups is max group + 1
	NumGroups int

	// Rand is the source of randomness; nil uses the global source
	Rand *rand.Rand
}

func (s *Selector) float() float64 {
	if s.Rand == nil {
		return rand.Float64()
	}
	return s.Rand.Float64()
}

func (s *Selector) intn(n int) int {
	if s.Rand == nil {
		return rand.Intn(n)
	}
	return s.Rand.Intn(n)
}

// Next returns the group of the next trial
func (s *Selector) Next() int {
	r := 100 * s.float()
	if r > s.StimProbability {
		return 0
	}
	if s.NumGroups <= 1 {
		return 0
	}
	return 1 + s.intn(s.NumGroups-1)
}
