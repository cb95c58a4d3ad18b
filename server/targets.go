package server

import (
	"net/http"

	"github.com/lampllab/optotarget/matrix"
	"github.com/lampllab/optotarget/target"
)

type tableView struct {
	Targets  []target.Target `json:"targets"`
	Selected int             `json:"selected"`
}

type fieldEdit struct {
	Field target.Field `json:"field"`
	Value string       `json:"value"`
}

func (s *Server) view() tableView {
	idx, _, _ := s.Table.Selected()
	rows := s.Table.Targets()
	if rows == nil {
		rows = []target.Target{}
	}
	return tableView{Targets: rows, Selected: idx}
}

func (s *Server) getTargets(w http.ResponseWriter, r *http.Request) {
	respond(w, s.view())
}

func (s *Server) newTarget(w http.ResponseWriter, r *http.Request) {
	s.Table.New()
	respond(w, s.view())
}

func (s *Server) deleteSelected(w http.ResponseWriter, r *http.Request) {
	if err := s.Table.DeleteSelected(); err != nil {
		fail(w, err)
		return
	}
	respond(w, s.view())
}

func (s *Server) deleteAll(w http.ResponseWriter, r *http.Request) {
	s.Table.DeleteAll()
	respond(w, s.view())
}

// follow drives the scanner to a row when nothing else owns the outputs
func (s *Server) follow(r *http.Request, row target.Target) error {
	if s.Controller.Running() {
		return nil
	}
	return s.Console.SetPosition(r.Context(), row.X, row.Y)
}

func (s *Server) selectTarget(w http.ResponseWriter, r *http.Request) {
	idx := IntT{}
	if !decode(w, r, &idx) {
		return
	}
	if err := s.Table.Select(idx.Int); err != nil {
		fail(w, err)
		return
	}
	if _, row, ok := s.Table.Selected(); ok {
		if err := s.follow(r, row); err != nil {
			fail(w, err)
			return
		}
	}
	respond(w, s.view())
}

func (s *Server) editSelected(w http.ResponseWriter, r *http.Request) {
	edit := fieldEdit{}
	if !decode(w, r, &edit) {
		return
	}
	row, err := s.Table.Edit(edit.Field, edit.Value)
	if err != nil {
		fail(w, err)
		return
	}
	if edit.Field == target.FieldX || edit.Field == target.FieldY {
		if err := s.follow(r, row); err != nil {
			fail(w, err)
			return
		}
	}
	respond(w, row)
}

func (s *Server) getCSV(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="targets.csv"`)
	if err := target.WriteCSV(w, s.Table.Targets()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) postCSV(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	rows, err := target.ReadCSV(r.Body)
	if err != nil {
		fail(w, err)
		return
	}
	s.Table.Replace(rows)
	respond(w, s.view())
}

func (s *Server) getTiming(w http.ResponseWriter, r *http.Request) {
	respond(w, s.Console.Timing())
}

func (s *Server) putTiming(w http.ResponseWriter, r *http.Request) {
	t := s.Console.Timing()
	if !decode(w, r, &t) {
		return
	}
	if err := t.Validate(); err != nil {
		fail(w, err)
		return
	}
	s.Console.SetTiming(t)
	respond(w, t)
}

func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	t := s.Console.Timing()
	if err := t.Validate(); err != nil {
		fail(w, err)
		return
	}
	respond(w, struct {
		Time   []float64 `json:"time"`
		Signal []float64 `json:"signal"`
	}{t.Times(), t.Waveform()})
}

func (s *Server) matrixFITS(w http.ResponseWriter, r *http.Request) {
	t := s.Console.Timing()
	out, err := matrix.Build(s.Table.Targets(), t, s.BuildOptions...)
	if err != nil {
		fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/fits")
	w.Header().Set("Content-Disposition", `attachment; filename="matrix.fits"`)
	if err := matrix.WriteFITS(w, out, t); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
