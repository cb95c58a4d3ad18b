// Package server exposes the target table, the manual write paths, and the
// protocol controller over HTTP.
package server

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/lampllab/optotarget/archive"
	"github.com/lampllab/optotarget/daq"
	"github.com/lampllab/optotarget/manual"
	"github.com/lampllab/optotarget/matrix"
	"github.com/lampllab/optotarget/protocol"
	"github.com/lampllab/optotarget/server/middleware/locker"
	"github.com/lampllab/optotarget/status"
	"github.com/lampllab/optotarget/target"
)

// FloatT is a {"f64": value} payload
type FloatT struct {
	F64 float64 `json:"f64"`
}

// BoolT is a {"bool": value} payload
type BoolT = locker.BoolT

// StrT is a {"str": value} payload
type StrT struct {
	Str string `json:"str"`
}

// IntT is an {"int": value} payload
type IntT struct {
	Int int `json:"int"`
}

// Settings are the protocol parameters that are not part of the table or
// the timing
type Settings struct {
	Trigger         string  `json:"trigger"`
	StimProbability float64 `json:"stimProbability"`
	Seed            int64   `json:"seed"`
}

// Server holds everything the control API touches
type Server struct {
	Device     daq.Device
	Channels   daq.Channels
	Table      *target.Table
	Console    *manual.Console
	Controller *protocol.Controller
	Status     *status.Channel
	Lock       *locker.Locker

	// BuildOptions are used for the matrix export
	BuildOptions []matrix.Option

	// Archive, if not nil, gets its /archive routes
	Archive *archive.Recorder

	mu       sync.Mutex
	settings Settings
}

// New returns a Server.  The manual console is dropped before every protocol
// start and forgotten after every stop, and the manual routes are locked
// while the protocol runs.
func New(d daq.Device, ch daq.Channels, table *target.Table, console *manual.Console, ctl *protocol.Controller, settings Settings) *Server {
	lock := locker.New()
	lock.Held = ctl.Running
	ctl.BeforeStart = console.StopAll
	ctl.AfterZero = console.Forget
	return &Server{
		Device:       d,
		Channels:     ch,
		Table:        table,
		Console:      console,
		Controller:   ctl,
		Status:       ctl.Status,
		Lock:         lock,
		BuildOptions: ctl.BuildOptions,
		settings:     settings,
	}
}

// Settings returns the protocol settings
func (s *Server) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// SetSettings replaces the protocol settings
func (s *Server) SetSettings(st Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = st
}

// Router builds the chi router.  GET /endpoints lists every route.
func (s *Server) Router() chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)

	root.Get("/targets", s.getTargets)
	root.Post("/targets", s.newTarget)
	root.Delete("/targets", s.deleteAll)
	root.Delete("/targets/selected", s.deleteSelected)
	root.Patch("/targets/selected", s.editSelected)
	root.Post("/targets/select", s.selectTarget)
	root.Get("/targets/csv", s.getCSV)
	root.Post("/targets/csv", s.postCSV)

	root.Get("/timing", s.getTiming)
	root.Put("/timing", s.putTiming)
	root.Get("/preview", s.preview)
	root.Get("/matrix.fits", s.matrixFITS)

	root.Get("/protocol/settings", s.getSettings)
	root.Put("/protocol/settings", s.putSettings)
	root.Post("/protocol/start", s.start)
	root.Post("/protocol/stop", s.stop)
	root.Get("/protocol/state", s.state)

	if s.Archive != nil {
		s.Archive.Inject(root)
	}

	root.Get("/status", s.getStatus)
	root.Get("/status/log", s.getLog)

	root.Group(func(r chi.Router) {
		r.Use(s.Lock.Check)
		locker.Inject(r, s.Lock)
		r.Post("/intensity", s.setIntensity)
		r.Get("/intensity", s.getHeld)
		r.Post("/constant", s.setConstant)
		r.Post("/position", s.setPosition)
		r.Post("/pulse", s.pulse)
		r.Post("/zero", s.zero)
		r.Post("/test", s.test)
		r.Post("/daq/output", daq.Output(s.Device))
	})

	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		routes := []string{}
		err := chi.Walk(root, func(method, route string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) error {
			routes = append(routes, method+" "+route)
			return nil
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		sort.Strings(routes)
		respond(w, routes)
	})
	return root
}

func respond(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		log.Printf("error encoding response to json, %q\n", err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// httpStatus maps the package errors to response codes
func httpStatus(err error) int {
	var (
		perr   *target.ParseError
		cerr   *protocol.ConfigError
		csvErr *csv.ParseError
	)
	switch {
	case errors.As(err, &perr), errors.As(err, &cerr), errors.As(err, &csvErr),
		errors.Is(err, target.ErrFieldCount),
		errors.Is(err, target.ErrUnknownField),
		errors.Is(err, target.ErrNoSelection),
		errors.Is(err, matrix.ErrInvalidTiming),
		errors.Is(err, matrix.ErrBlockTooLarge),
		errors.Is(err, matrix.ErrNegativeGroup):
		return http.StatusBadRequest
	case errors.Is(err, protocol.ErrAlreadyRunning), errors.Is(err, protocol.ErrNotRunning):
		return http.StatusConflict
	}
	return daq.HTTPStatus(err)
}

func fail(w http.ResponseWriter, err error) {
	var cerr *protocol.ConfigError
	msg := err.Error()
	if errors.As(err, &cerr) {
		msg = cerr.Message
	}
	http.Error(w, msg, httpStatus(err))
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	line, err := s.Status.Status()
	if err != nil {
		fail(w, err)
		return
	}
	last, err := s.Status.LastStimulation()
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, struct {
		Status          string `json:"status"`
		LastStimulation string `json:"lastStimulation"`
	}{line, last})
}

func (s *Server) getLog(w http.ResponseWriter, r *http.Request) {
	lines, err := s.Status.Log()
	if err != nil {
		fail(w, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	respond(w, lines)
}

// Startup puts the device in the state the panel expects on launch: reset,
// status "Ready." or the connect error, no last stimulation, intensity 0
func (s *Server) Startup() error {
	if err := s.Status.SetLastStimulation(status.None); err != nil {
		return err
	}
	var devErr error
	if err := s.Device.Reset(); err != nil {
		devErr = fmt.Errorf("resetting device: %w", daq.Unavailable(err))
	} else if err := daq.Zero(s.Device, s.Channels); err != nil {
		devErr = fmt.Errorf("zeroing outputs: %w", daq.Unavailable(err))
	}
	line := status.Ready
	if devErr != nil {
		line = status.DeviceError
	}
	if err := s.Status.SetStatus(line); err != nil {
		return err
	}
	return devErr
}
