package server_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/google/go-cmp/cmp"

	"github.com/lampllab/optotarget/daq"
	"github.com/lampllab/optotarget/manual"
	"github.com/lampllab/optotarget/matrix"
	"github.com/lampllab/optotarget/protocol"
	"github.com/lampllab/optotarget/server"
	"github.com/lampllab/optotarget/status"
	"github.com/lampllab/optotarget/target"
	"github.com/lampllab/optotarget/waveform"
)

type fixture struct {
	srv  *server.Server
	mock *daq.Mock
	ch   *status.Channel
	h    http.Handler
}

func testTiming() matrix.Timing {
	return matrix.Timing{
		OnDuration:      0.05,
		TaperDuration:   0.01,
		SampleRate:      1000,
		StimFrequency:   40,
		Kind:            waveform.Square,
		DutyCycle:       50,
		SwitchFrequency: 100,
		SwitchDuration:  2,
	}
}

func scenario() []target.Target {
	return []target.Target{
		{Name: "A", Intensity: 5, X: 1, Y: 1, Group: 0},
		{Name: "B", Intensity: 10, X: 2, Y: 2, Group: 1},
		{Name: "C", Intensity: 10, X: -2, Y: 2, Group: 1},
	}
}

func newFixture(t *testing.T) *fixture {
	ch := &status.Channel{Dir: t.TempDir()}
	mock := daq.NewMock()
	chs := daq.DefaultChannels()
	console := manual.New(mock, chs, testTiming())
	console.Status = ch
	ctl := &protocol.Controller{
		Device:    mock,
		Status:    ch,
		ZeroDelay: time.Millisecond,
		Launcher: protocol.InProcessLauncher{Factory: func(p protocol.Plan) (*protocol.Runtime, error) {
			rt, err := protocol.NewRuntime(p, mock, ch)
			if rt != nil {
				rt.Stdout = &bytes.Buffer{}
			}
			return rt, err
		}},
	}
	srv := server.New(mock, chs, target.NewTable(scenario()), console, ctl, server.Settings{Trigger: "/Dev1/PFI0", StimProbability: 50})
	return &fixture{srv: srv, mock: mock, ch: ch, h: srv.Router()}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	f.h.ServeHTTP(w, req)
	return w
}

type tableView struct {
	Targets  []target.Target `json:"targets"`
	Selected int             `json:"selected"`
}

func decodeView(t *testing.T, w *httptest.ResponseRecorder) tableView {
	t.Helper()
	var v tableView
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestTargetEditing(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/targets", "")
	v := decodeView(t, w)
	if len(v.Targets) != 4 || v.Selected != 3 || v.Targets[3].Name != "new" {
		t.Fatalf("expected a selected \"new\" row, got %+v", v)
	}

	w = f.do(t, http.MethodPatch, "/targets/selected", `{"field":"x","value":"1.5"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 editing x, got %d %s", w.Code, w.Body)
	}
	if f.mock.Value(1) != 1.5 {
		t.Errorf("expected an x edit to drive the position channel, got %f", f.mock.Value(1))
	}

	w = f.do(t, http.MethodPatch, "/targets/selected", `{"field":"group","value":"two"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a malformed group, got %d", w.Code)
	}
	_, row, _ := f.srv.Table.Selected()
	if row.Group != 0 || row.X != 1.5 {
		t.Errorf("expected the row unchanged by a failed edit, got %+v", row)
	}

	w = f.do(t, http.MethodPost, "/targets/select", `{"int":-1}`)
	if v := decodeView(t, w); v.Selected != target.NoSelection {
		t.Errorf("expected -1 to clear the selection, got %d", v.Selected)
	}
	if w := f.do(t, http.MethodDelete, "/targets/selected", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 deleting with nothing selected, got %d", w.Code)
	}
	w = f.do(t, http.MethodDelete, "/targets", "")
	if v := decodeView(t, w); len(v.Targets) != 0 {
		t.Errorf("expected an empty table, got %+v", v)
	}
}

func TestCSVRoutes(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/targets/csv", "")
	want := "A,5,1,1,0,\nB,10,2,2,1,\nC,10,-2,2,1,\n"
	if w.Body.String() != want {
		t.Errorf("expected csv %q, got %q", want, w.Body.String())
	}
	w = f.do(t, http.MethodPost, "/targets/csv", "X,1,0,0,0\nY,2,1,1,1\n")
	v := decodeView(t, w)
	expected := []target.Target{
		{Name: "X", Intensity: 1, Group: 0},
		{Name: "Y", Intensity: 2, X: 1, Y: 1, Group: 1},
	}
	if diff := cmp.Diff(expected, v.Targets); diff != "" {
		t.Errorf("table mismatch after load (-want +got):\n%s", diff)
	}
	for _, body := range []string{"X,abc,0,0,0\n", "X,1,0\n", "\"X,1,0,0,0\n"} {
		if w := f.do(t, http.MethodPost, "/targets/csv", body); w.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for malformed csv %q, got %d", body, w.Code)
		}
	}
	if got := f.srv.Table.Len(); got != 2 {
		t.Errorf("expected a failed load to leave the table alone, got %d rows", got)
	}
}

func TestTimingRoutes(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPut, "/timing", `{"sampleRate": -1}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a negative sample rate, got %d", w.Code)
	}
	w = f.do(t, http.MethodGet, "/preview", "")
	var p struct {
		Time   []float64 `json:"time"`
		Signal []float64 `json:"signal"`
	}
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatal(err)
	}
	if len(p.Time) != 60 || len(p.Signal) != 60 {
		t.Errorf("expected 60 preview points, got %d/%d", len(p.Time), len(p.Signal))
	}
	if p.Signal[len(p.Signal)-1] != 0 {
		t.Errorf("expected the preview to taper to 0, got %f", p.Signal[len(p.Signal)-1])
	}

	w = f.do(t, http.MethodGet, "/matrix.fits", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 exporting the matrix, got %d %s", w.Code, w.Body)
	}
	fits, err := fitsio.Open(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer fits.Close()
	if axes := fits.HDU(0).Header().Axes(); !cmp.Equal(axes, []int{60, 3, 2}) {
		t.Errorf("expected axes [60 3 2], got %v", axes)
	}
}

func TestManualRoutesLockedWhileRunning(t *testing.T) {
	f := newFixture(t)
	if w := f.do(t, http.MethodPost, "/intensity", `{"f64": 2}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200 setting the intensity, got %d %s", w.Code, w.Body)
	}
	if !f.mock.Reserved(0) {
		t.Fatal("expected a live intensity task")
	}
	w := f.do(t, http.MethodPost, "/protocol/start", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 starting, got %d %s", w.Code, w.Body)
	}
	if f.mock.Reserved(0) {
		t.Error("expected the live intensity to be dropped before the run")
	}
	if w := f.do(t, http.MethodPost, "/pulse", `{"intensity":1,"duration":100}`); w.Code != http.StatusLocked {
		t.Errorf("expected 423 pulsing during a run, got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/protocol/start", ""); w.Code != http.StatusConflict {
		t.Errorf("expected 409 starting twice, got %d", w.Code)
	}
	w = f.do(t, http.MethodGet, "/protocol/state", "")
	var snap protocol.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if !snap.Running || snap.Session == "" {
		t.Errorf("expected a running snapshot, got %+v", snap)
	}
	if w := f.do(t, http.MethodPost, "/protocol/stop", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200 stopping, got %d %s", w.Code, w.Body)
	}
	if w := f.do(t, http.MethodPost, "/pulse", `{"intensity":1,"duration":100}`); w.Code != http.StatusOK {
		t.Errorf("expected the manual routes to unlock after stop, got %d %s", w.Code, w.Body)
	}
	if w := f.do(t, http.MethodPost, "/protocol/stop", ""); w.Code != http.StatusConflict {
		t.Errorf("expected 409 stopping twice, got %d", w.Code)
	}
}

func TestStartRefusesInvalidTable(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/targets/csv", "A,1,0,0,0\nB,1,0,0,2\n")
	w := f.do(t, http.MethodPost, "/protocol/start", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "group values are not consecutive" {
		t.Errorf("expected the operator message, got %q", got)
	}
	w = f.do(t, http.MethodGet, "/status", "")
	var st struct {
		Status string `json:"status"`
	}
	json.NewDecoder(w.Body).Decode(&st)
	if st.Status != "group values are not consecutive" {
		t.Errorf("expected the refusal on the status line, got %q", st.Status)
	}
}

func TestDeviceTest(t *testing.T) {
	f := newFixture(t)
	f.mock.FailReset = errors.New("no such device")
	if w := f.do(t, http.MethodPost, "/test", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 for a missing device, got %d", w.Code)
	}
	if s, _ := f.ch.Status(); s != status.DeviceError {
		t.Errorf("expected the connect error on the status line, got %q", s)
	}
	f.mock.FailReset = nil
	if w := f.do(t, http.MethodPost, "/test", ""); w.Code != http.StatusOK {
		t.Errorf("expected 200 once the device answers, got %d", w.Code)
	}
	if s, _ := f.ch.Status(); s != status.Ready {
		t.Errorf("expected Ready. after a good test, got %q", s)
	}
}

func TestStartup(t *testing.T) {
	f := newFixture(t)
	f.mock.Output(0, 3)
	if err := f.srv.Startup(); err != nil {
		t.Fatal(err)
	}
	st, _ := f.ch.Status()
	stim, _ := f.ch.LastStimulation()
	if st != status.Ready || stim != status.None || f.mock.Value(0) != 0 {
		t.Errorf("unexpected startup state %q/%q/%f", st, stim, f.mock.Value(0))
	}
}

func TestZeroRoute(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/intensity", `{"f64": 2}`)
	v := decodeView(t, f.do(t, http.MethodPost, "/zero", ""))
	for _, row := range v.Targets {
		if row.Intensity != 0 {
			t.Errorf("expected every intensity zeroed, got %+v", row)
		}
	}
	if i, _ := f.srv.Console.Held(); i != 0 || f.mock.Value(0) != 0 {
		t.Errorf("expected the live intensity zeroed, got %f", i)
	}
}

func TestEndpoints(t *testing.T) {
	f := newFixture(t)
	var routes []string
	if err := json.NewDecoder(f.do(t, http.MethodGet, "/endpoints", "").Body).Decode(&routes); err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(routes, "\n")
	for _, want := range []string{"POST /protocol/start", "GET /status", "POST /pulse", "GET /lock"} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected %q among the endpoints", want)
		}
	}
}
