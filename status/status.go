/*Package status is the file based channel the protocol runtime uses to talk
to the controller.

Three small text files live in one directory:

	status.txt	the latest human readable status line, overwritten
	stim.txt	the region of the last completed stimulation, or "none"
	log.txt		one "<region> at <timestamp>" line per completed trial

The runtime writes, the controller polls.  Files survive a killed runtime, so
the controller always sees the last thing published.
*/
package status

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// None is written to stim.txt when no stimulation has been given
	None = "none"

	// Ready is the idle status line
	Ready = "Ready."

	// DeviceError is published whenever the hardware cannot be reached
	DeviceError = "Could not connect to device. Please set name and press test."

	// TimeFormat is the layout of timestamps in log.txt and on stdout
	TimeFormat = "2006-01-02 15:04:05.000000"

	// StatusFile is the name of the status line file
	StatusFile = "status.txt"

	// StimFile is the name of the last stimulation file
	StimFile = "stim.txt"

	// LogFile is the name of the trial log
	LogFile = "log.txt"
)

// Channel reads and writes the status files in Dir.  A zero Dir means the
// current working directory.
type Channel struct {
	Dir string

	mu sync.Mutex
}

// New returns a Channel rooted at dir, creating dir if needed
func New(dir string) (*Channel, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return nil, err
		}
	}
	return &Channel{Dir: dir}, nil
}

func (c *Channel) path(name string) string {
	return filepath.Join(c.Dir, name)
}

// overwrite replaces a file via a temp file and rename so a concurrent reader
// sees either the old or the new contents
func (c *Channel) overwrite(name, contents string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tmp, err := os.CreateTemp(filepath.Dir(c.path(name)), "."+name+".*")
	if err != nil {
		return err
	}
	if _, err = tmp.WriteString(contents); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), c.path(name))
}

func (c *Channel) read(name string) (string, error) {
	b, err := os.ReadFile(c.path(name))
	if os.IsNotExist(err) {
		return "", nil
	}
	return string(b), err
}

// SetStatus overwrites status.txt
func (c *Channel) SetStatus(s string) error {
	return c.overwrite(StatusFile, s)
}

// SetLastStimulation overwrites stim.txt
func (c *Channel) SetLastStimulation(region string) error {
	return c.overwrite(StimFile, region)
}

// AppendLog adds "<region> at <t>" to log.txt
func (c *Channel) AppendLog(region string, t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := os.OpenFile(c.path(LogFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(f, "%s at %s\n", region, t.Format(TimeFormat))
	if err2 := f.Close(); err == nil {
		err = err2
	}
	return err
}

// Status returns the contents of status.txt, "" if it does not exist
func (c *Channel) Status() (string, error) {
	return c.read(StatusFile)
}

// LastStimulation returns the contents of stim.txt, "" if it does not exist
func (c *Channel) LastStimulation() (string, error) {
	return c.read(StimFile)
}

// Log returns the lines of log.txt
func (c *Channel) Log() ([]string, error) {
	s, err := c.read(LogFile)
	if err != nil || s == "" {
		return nil, err
	}
	return strings.Split(strings.TrimRight(s, "\n"), "\n"), nil
}

// Reset clears the trial state: stim.txt becomes "none" and the status line
// "Ready."
func (c *Channel) Reset() error {
	if err := c.SetLastStimulation(None); err != nil {
		return err
	}
	return c.SetStatus(Ready)
}

// WaitingFor is the status line published before a trial
func WaitingFor(region string) string {
	if region == "" {
		region = "control"
	}
	return fmt.Sprintf("Waiting to apply %s stimulation.", region)
}
