package protocol

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"github.com/lampllab/optotarget/daq"
	"github.com/lampllab/optotarget/matrix"
	"github.com/lampllab/optotarget/target"
)

// Plan is everything an isolated runtime needs to run a protocol.  It is
// written to disk as YAML and read back by the worker process.
type Plan struct {
	// Session identifies one protocol run in logs and the trial database
	Session string `yaml:"Session"`

	Device   daq.Config   `yaml:"Device"`
	Channels daq.Channels `yaml:"Channels"`

	// Trigger is the digital edge the trial waits on, e.g. /Dev1/PFI0
	Trigger string `yaml:"Trigger"`

	// StimProbability is the chance, in percent, of a stimulation trial
	StimProbability float64 `yaml:"StimProbability"`

	Targets []target.Target `yaml:"Targets"`
	Timing  matrix.Timing   `yaml:"Timing"`

	// Seed seeds trial selection; 0 picks a seed from the clock
	Seed int64 `yaml:"Seed"`

	// StatusDir holds status.txt, stim.txt, and log.txt
	StatusDir string `yaml:"StatusDir"`

	// TrialDSN, if not empty, is the MySQL DSN trials are recorded to
	TrialDSN string `yaml:"TrialDSN,omitempty"`
}

// SampleRate is the DAC update rate of the plan
func (p Plan) SampleRate() float64 {
	return p.Timing.SampleRate
}

// NewSession returns a fresh session id
func NewSession() string {
	return uuid.NewString()
}

// WritePlan saves p to path
func WritePlan(path string, p Plan) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(f)
	err = enc.Encode(p)
	if err == nil {
		err = enc.Close()
	}
	if err2 := f.Close(); err == nil {
		err = err2
	}
	return err
}

// ReadPlan loads a plan saved by WritePlan
func ReadPlan(path string) (Plan, error) {
	var p Plan
	f, err := os.Open(path)
	if err != nil {
		return p, err
	}
	defer f.Close()
	if err = yaml.NewDecoder(f).Decode(&p); err != nil {
		return p, fmt.Errorf("reading plan %s: %w", path, err)
	}
	return p, nil
}
