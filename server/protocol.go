package server

import (
	"net/http"

	"github.com/lampllab/optotarget/protocol"
	"github.com/lampllab/optotarget/util"
)

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	respond(w, s.Settings())
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	st := s.Settings()
	if !decode(w, r, &st) {
		return
	}
	st.StimProbability = util.Clamp(st.StimProbability, 0, 100)
	s.SetSettings(st)
	respond(w, st)
}

// request assembles a start request from the current table, timing, and
// settings
func (s *Server) request() protocol.Request {
	st := s.Settings()
	return protocol.Request{
		Targets:         s.Table.Targets(),
		Timing:          s.Console.Timing(),
		Channels:        s.Channels,
		Trigger:         st.Trigger,
		StimProbability: st.StimProbability,
		Seed:            st.Seed,
	}
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	if err := s.Controller.Start(r.Context(), s.request()); err != nil {
		fail(w, err)
		return
	}
	respond(w, s.Controller.Snapshot())
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	if err := s.Controller.Stop(); err != nil {
		fail(w, err)
		return
	}
	respond(w, s.Controller.Snapshot())
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	respond(w, s.Controller.Snapshot())
}
