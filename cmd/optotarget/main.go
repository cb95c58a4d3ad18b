package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"

	"github.com/lampllab/optotarget/archive"
	"github.com/lampllab/optotarget/daq"
	"github.com/lampllab/optotarget/manual"
	"github.com/lampllab/optotarget/matrix"
	"github.com/lampllab/optotarget/protocol"
	"github.com/lampllab/optotarget/server"
	"github.com/lampllab/optotarget/status"
	"github.com/lampllab/optotarget/target"
	"github.com/lampllab/optotarget/trialdb"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "optotarget.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	var err error
	k, err = loadConfig(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
}

func config() Config {
	c, err := unmarshal(k)
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `optotarget drives a galvo scanner and a light source through an analog
output device to deliver randomized, trigger-locked optogenetic stimulation
to groups of targets, and exposes the target table, the manual controls, and
the protocol over HTTP.

Usage:
	optotarget <command>

Commands:
	run
	worker <plan.yml>
	watch
	validate <targets.csv>
	export <targets.csv> <matrix.fits>
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `optotarget is amenable to configuration via its .yml file, ` + ConfigFileName + `.
For a primer on YAML, see https://yaml.org/start.html

Any key may be overridden from the environment with the ` + EnvPrefix + ` prefix,
with _ separating levels, e.g. ` + EnvPrefix + `DEVICE_ADDR=10.0.0.5:5025

Device types:
- "mock": in-memory device, triggers never arrive on their own
- "remote": DAQ bridge at Addr over TCP, or a serial port if Serial is true

Isolation:
- "process": each protocol run is a worker subprocess (optotarget worker),
  stopped by killing it
- "goroutine": each protocol run is a goroutine, stopped by cancellation.
  Mock devices always use this.

Status files (status.txt, stim.txt, log.txt) are written to WorkDir.
Setting Archive.Root saves each run's output matrix as FITS, and setting
TrialDB.DSN records every trial to MySQL.`
	fmt.Println(str)
}

func mkconf() {
	c := config()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := config()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("optotarget version %v\n", Version)
}

// openRecorder returns the trial database, or nil if none is configured
func openRecorder(dsn string) protocol.TrialRecorder {
	if dsn == "" {
		return nil
	}
	db, err := trialdb.Open(dsn)
	if err != nil {
		log.Println("error opening trial database, trials will not be recorded", err)
		return nil
	}
	if err = db.EnsureSchema(context.Background()); err != nil {
		log.Println("error preparing trial database, trials will not be recorded", err)
		db.Close()
		return nil
	}
	return db
}

func run() {
	c := config()
	opts, err := c.BuildOptions()
	if err != nil {
		log.Fatal(err)
	}
	if err = c.Timing.Validate(); err != nil {
		log.Fatal(err)
	}
	dev, err := daq.Open(c.Device)
	if err != nil {
		log.Fatal(err)
	}
	ch, err := status.New(c.WorkDir)
	if err != nil {
		log.Fatal(err)
	}

	table := target.NewTable(nil)
	if c.Targets != "" {
		rows, err := target.Load(c.Targets)
		if err != nil {
			log.Println("error loading targets, starting with an empty table", err)
		} else {
			table.Replace(rows)
		}
	}

	console := manual.New(dev, c.Channels, c.Timing)
	console.Status = ch
	console.Limiter = c.Limiter()

	var launcher protocol.Launcher
	if c.inProcess() {
		trials := openRecorder(c.TrialDB.DSN)
		launcher = protocol.InProcessLauncher{Factory: func(p protocol.Plan) (*protocol.Runtime, error) {
			rt, err := protocol.NewRuntime(p, dev, ch, opts...)
			if err != nil {
				return nil, err
			}
			rt.Recorder = trials
			return rt, nil
		}}
		log.Println("protocol runs will execute in process")
	} else {
		launcher = protocol.ProcessLauncher{Dir: c.WorkDir, Args: []string{}}
		log.Println("protocol runs will execute in a worker process")
	}

	rec := archive.New(c.Archive.Root, c.Archive.Prefix)
	ctl := &protocol.Controller{
		Device:       dev,
		Status:       ch,
		Launcher:     launcher,
		Archiver:     rec,
		BuildOptions: opts,
		Template:     protocol.Plan{Device: c.Device, TrialDSN: c.TrialDB.DSN},
		ZeroDelay:    c.zeroDelay(),
	}
	srv := server.New(dev, c.Channels, table, console, ctl, server.Settings{
		Trigger:         c.Trigger,
		StimProbability: c.StimProbability,
		Seed:            c.Seed,
	})
	srv.Archive = rec
	if err = srv.Startup(); err != nil {
		log.Println("device not ready; set the device and POST /test", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGABRT, syscall.SIGTERM, os.Interrupt)
	go func() {
		<-sig
		if ctl.Running() {
			if err := ctl.Stop(); err != nil {
				log.Println("error stopping protocol", err)
			}
		}
		if err := console.Zero(context.Background()); err != nil {
			log.Println("error zeroing outputs", err)
		}
		dev.Close()
		os.Exit(0)
	}()
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, srv.Router()))
}

// worker runs one protocol from a plan file until it is killed
func worker(path string) {
	p, err := protocol.ReadPlan(path)
	if err != nil {
		log.Fatal(err)
	}
	opts, err := config().BuildOptions()
	if err != nil {
		log.Fatal(err)
	}
	dev, err := daq.Open(p.Device)
	if err != nil {
		workerExit(daq.Unavailable(err))
	}
	defer dev.Close()
	ch, err := status.New(p.StatusDir)
	if err != nil {
		log.Fatal(err)
	}
	rt, err := protocol.NewRuntime(p, dev, ch, opts...)
	if err != nil {
		log.Fatal(err)
	}
	rt.Recorder = openRecorder(p.TrialDSN)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()
	log.Printf("protocol %s running, %d groups\n", p.Session, rt.Output.NumGroups())
	err = rt.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		dev.Close()
		workerExit(err)
	}
}

// workerExit ends a worker, with protocol.ExitDeviceUnavailable if the
// device failed so the controller reports a fault
func workerExit(err error) {
	log.Println(err)
	if errors.Is(err, daq.ErrDeviceUnavailable) {
		os.Exit(protocol.ExitDeviceUnavailable)
	}
	os.Exit(1)
}

// watch shows the status line on a spinner until interrupted
func watch() {
	c := config()
	ch := &status.Channel{Dir: c.WorkDir}
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:     100 * time.Millisecond,
		CharSet:       yacspin.CharSets[14],
		Suffix:        " ",
		StopCharacter: "✓",
		StopMessage:   "done",
	})
	if err != nil {
		log.Fatal(err)
	}
	if err = spinner.Start(); err != nil {
		log.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()
	p := status.Poller{Channel: ch, Interval: c.pollInterval()}
	p.Run(ctx, func(line string) {
		last, _ := ch.LastStimulation()
		spinner.Message(fmt.Sprintf("%s (last: %s)", line, last))
	})
	spinner.Stop()
}

func loadAndBuild(path string, t matrix.Timing, opts []matrix.Option) ([]target.Target, *matrix.Output) {
	rows, err := target.Load(path)
	if err != nil {
		log.Fatal(err)
	}
	out, err := matrix.Build(rows, t, opts...)
	if err != nil {
		log.Fatal(err)
	}
	return rows, out
}

// validate checks a target table the way a protocol start would
func validate(path string) {
	c := config()
	opts, err := c.BuildOptions()
	if err != nil {
		log.Fatal(err)
	}
	rows, out := loadAndBuild(path, c.Timing, opts)
	for g := 0; g < out.NumGroups(); g++ {
		fmt.Printf("group %d: %s\n", g, out.Region(g))
	}
	if holes := out.Holes(); len(holes) > 0 {
		fmt.Printf("empty groups: %v\n", holes)
	}
	fmt.Printf("%d samples per trial at %g Hz\n", out.Len(), c.Timing.SampleRate)
	if err = protocol.Validate(rows); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

// export writes the output matrix of a target table to a FITS file
func export(path, dst string) {
	c := config()
	opts, err := c.BuildOptions()
	if err != nil {
		log.Fatal(err)
	}
	_, out := loadAndBuild(path, c.Timing, opts)
	if err = os.MkdirAll(filepath.Dir(dst), 0777); err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(dst)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err = matrix.WriteFITS(f, out, c.Timing); err != nil {
		log.Fatal(err)
	}
}

func needArgs(args []string, n int) {
	if len(args) < n {
		root()
		os.Exit(2)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "worker":
		needArgs(args, 3)
		worker(args[2])
		return
	case "watch":
		watch()
		return
	case "validate":
		needArgs(args, 3)
		validate(args[2])
		return
	case "export":
		needArgs(args, 4)
		export(args[2], args[3])
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
