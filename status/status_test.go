package status

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func ExampleWaitingFor() {
	fmt.Println(WaitingFor("B, C"))
	fmt.Println(WaitingFor(""))
	// Output:
	// Waiting to apply B, C stimulation.
	// Waiting to apply control stimulation.
}

func TestMissingFilesReadEmpty(t *testing.T) {
	c := &Channel{Dir: t.TempDir()}
	s, err := c.Status()
	if err != nil || s != "" {
		t.Errorf("expected empty status and no error, got %q, %v", s, err)
	}
	lines, err := c.Log()
	if err != nil || len(lines) != 0 {
		t.Errorf("expected empty log, got %v, %v", lines, err)
	}
}

func TestOverwriteAndReset(t *testing.T) {
	c, err := New(t.TempDir() + "/nested")
	if err != nil {
		t.Fatal(err)
	}
	c.SetStatus("first")
	c.SetStatus("second")
	if s, _ := c.Status(); s != "second" {
		t.Errorf("expected status to be overwritten, got %q", s)
	}
	c.SetLastStimulation("B, C")
	if s, _ := c.LastStimulation(); s != "B, C" {
		t.Errorf("expected last stimulation \"B, C\", got %q", s)
	}
	if err := c.Reset(); err != nil {
		t.Fatal(err)
	}
	st, _ := c.Status()
	stim, _ := c.LastStimulation()
	if st != Ready || stim != None {
		t.Errorf("expected Ready./none after reset, got %q/%q", st, stim)
	}
}

func TestZeroDirWritesInWorkingDir(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err = os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	t.Setenv("TMPDIR", filepath.Join(dir, "missing"))

	c := &Channel{}
	if err := c.SetStatus(Ready); err != nil {
		t.Fatalf("SetStatus with a zero Dir: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, StatusFile))
	if err != nil || string(b) != Ready {
		t.Errorf("expected %q in %s, got %q, %v", Ready, StatusFile, b, err)
	}
}

func TestAppendLog(t *testing.T) {
	c := &Channel{Dir: t.TempDir()}
	ts := time.Date(2021, 3, 4, 5, 6, 7, 891234000, time.UTC)
	c.AppendLog("A", ts)
	c.AppendLog("B, C", ts.Add(time.Second))
	lines, err := c.Log()
	if err != nil {
		t.Fatal(err)
	}
	expected := []string{"A at 2021-03-04 05:06:07.891234", "B, C at 2021-03-04 05:06:08.891234"}
	if strings.Join(lines, "|") != strings.Join(expected, "|") {
		t.Errorf("expected %v, got %v", expected, lines)
	}
}

func TestPollerSeesUpdates(t *testing.T) {
	c := &Channel{Dir: t.TempDir()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[string]bool{}
	done := make(chan error)
	go func() {
		done <- Poller{Channel: c, Interval: 5 * time.Millisecond}.Run(ctx, func(s string) {
			mu.Lock()
			seen[s] = true
			mu.Unlock()
		})
	}()
	c.SetStatus("Waiting to apply A stimulation.")
	time.Sleep(50 * time.Millisecond)
	c.SetStatus(Ready)
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, s := range []string{"Waiting to apply A stimulation.", Ready} {
		if !seen[s] {
			t.Errorf("poller never saw %q", s)
		}
	}
}
