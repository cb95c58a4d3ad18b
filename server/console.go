package server

import (
	"log"
	"net/http"

	"github.com/lampllab/optotarget/daq"
	"github.com/lampllab/optotarget/manual"
	"github.com/lampllab/optotarget/status"
)

type position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type held struct {
	Intensity float64 `json:"intensity"`
	Constant  bool    `json:"constant"`
}

func (s *Server) getHeld(w http.ResponseWriter, r *http.Request) {
	i, c := s.Console.Held()
	respond(w, held{i, c})
}

func (s *Server) setIntensity(w http.ResponseWriter, r *http.Request) {
	f := FloatT{}
	if !decode(w, r, &f) {
		return
	}
	if err := s.Console.SetIntensity(r.Context(), f.F64); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) setConstant(w http.ResponseWriter, r *http.Request) {
	b := BoolT{}
	if !decode(w, r, &b) {
		return
	}
	if err := s.Console.SetConstantMode(r.Context(), b.Bool); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) setPosition(w http.ResponseWriter, r *http.Request) {
	p := position{}
	if !decode(w, r, &p) {
		return
	}
	if err := s.Console.SetPosition(r.Context(), p.X, p.Y); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) pulse(w http.ResponseWriter, r *http.Request) {
	p := manual.PulseParams{}
	if !decode(w, r, &p) {
		return
	}
	if err := s.Console.Pulse(r.Context(), p); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// zero sets every protocol intensity in the table and the live intensity to 0
func (s *Server) zero(w http.ResponseWriter, r *http.Request) {
	s.Table.Zero()
	if err := s.Console.SetIntensity(r.Context(), 0); err != nil {
		fail(w, err)
		return
	}
	respond(w, s.view())
}

// test resets the device and reports the outcome on the status line
func (s *Server) test(w http.ResponseWriter, r *http.Request) {
	s.Console.Forget()
	err := s.Device.Reset()
	line := status.Ready
	if err != nil {
		line = status.DeviceError
		err = daq.Unavailable(err)
	}
	if err2 := s.Status.SetStatus(line); err2 != nil {
		log.Printf("error writing status, %q\n", err2)
	}
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, StrT{Str: line})
}
