package protocol

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/lampllab/optotarget/daq"
)

// PlanFile is the name of the plan handed to a worker process
const PlanFile = "plan.yml"

// ExitDeviceUnavailable is the worker's exit code when the device fails.
// A ProcessLauncher handle reports it as daq.ErrDeviceUnavailable.
const ExitDeviceUnavailable = 3

// Handle is a launched runtime
type Handle interface {
	// Kill terminates the runtime without giving it a chance to clean up
	Kill() error

	// Done yields exactly one value, the runtime's exit error, when it ends
	Done() <-chan error
}

// Launcher starts a runtime for a plan in its own isolation boundary.
// ctx bounds the launch, not the lifetime of the runtime.
type Launcher interface {
	Launch(ctx context.Context, p Plan) (Handle, error)
}

// InProcessLauncher runs the runtime on a goroutine under its own context
type InProcessLauncher struct {
	Factory func(Plan) (*Runtime, error)
}

type goroutineHandle struct {
	cancel context.CancelFunc
	done   chan error
}

func (h *goroutineHandle) Kill() error {
	h.cancel()
	return nil
}

func (h *goroutineHandle) Done() <-chan error {
	return h.done
}

// Launch builds the runtime and starts it
func (l InProcessLauncher) Launch(ctx context.Context, p Plan) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rt, err := l.Factory(p)
	if err != nil {
		return nil, err
	}
	rctx, cancel := context.WithCancel(context.Background())
	h := &goroutineHandle{cancel: cancel, done: make(chan error, 1)}
	go func() {
		h.done <- rt.Run(rctx)
	}()
	return h, nil
}

// ProcessLauncher runs the runtime as a child process:
//
//	<Executable> <Args...> worker <Dir>/plan.yml
//
// Kill sends SIGKILL.  A worker exiting with ExitDeviceUnavailable is
// delivered on Done as an error wrapping daq.ErrDeviceUnavailable.
type ProcessLauncher struct {
	// Executable defaults to the running binary
	Executable string

	// Args come before the worker subcommand
	Args []string

	// Dir is where the plan is written
	Dir string
}

type processHandle struct {
	cmd  *exec.Cmd
	done chan error
}

func (h *processHandle) Kill() error {
	err := h.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (h *processHandle) Done() <-chan error {
	return h.done
}

// Launch writes the plan and starts the worker
func (l ProcessLauncher) Launch(ctx context.Context, p Plan) (Handle, error) {
	exe := l.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return nil, err
		}
	}
	if l.Dir != "" {
		if err := os.MkdirAll(l.Dir, 0777); err != nil {
			return nil, err
		}
	}
	path := filepath.Join(l.Dir, PlanFile)
	if err := WritePlan(path, p); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	args := append(append([]string(nil), l.Args...), "worker", path)
	cmd := exec.Command(exe, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &processHandle{cmd: cmd, done: make(chan error, 1)}
	go func() {
		h.done <- exitError(cmd.Wait())
	}()
	return h, nil
}

func exitError(err error) error {
	var eerr *exec.ExitError
	if errors.As(err, &eerr) && eerr.ExitCode() == ExitDeviceUnavailable {
		return daq.Unavailable(err)
	}
	return err
}
