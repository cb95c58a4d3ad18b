package matrix_test

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/c2h5oh/datasize"
	"github.com/google/go-cmp/cmp"

	"github.com/lampllab/optotarget/matrix"
	"github.com/lampllab/optotarget/target"
	"github.com/lampllab/optotarget/waveform"
)

func scenario() ([]target.Target, matrix.Timing) {
	targets := []target.Target{
		{Name: "A", Intensity: 5, X: 1, Y: 1, Group: 0},
		{Name: "B", Intensity: 10, X: 2, Y: 2, Group: 1},
		{Name: "C", Intensity: 10, X: -2, Y: 2, Group: 1},
	}
	tm := matrix.Timing{
		OnDuration:      1,
		TaperDuration:   0,
		SampleRate:      1000,
		StimFrequency:   40,
		Kind:            waveform.Sine,
		SwitchFrequency: 100,
		SwitchDuration:  2,
	}
	return targets, tm
}

func ExampleBuild() {
	targets, tm := scenario()
	out, _ := matrix.Build(targets, tm)
	fmt.Println(out.NumGroups(), out.Len())
	fmt.Printf("%q %q\n", out.Region(0), out.Region(1))
	fmt.Println(out.Groups[1].X[8:12])
	// Output:
	// 2 1000
	// "A" "B, C"
	// [2 2 -2 -2]
}

func TestBuildScenario(t *testing.T) {
	targets, tm := scenario()
	out, err := matrix.Build(targets, tm)
	if err != nil {
		t.Fatal(err)
	}
	g1 := out.Groups[1]
	// 10 samples per site, 2 ms = 2 samples of blanking
	for i, x := range g1.X {
		want := 2.
		if (i/10)%2 == 1 {
			want = -2
		}
		if x != want {
			t.Fatalf("x[%d] = %f, expected %f", i, x, want)
		}
		if g1.Y[i] != 2 {
			t.Fatalf("y[%d] = %f, expected 2", i, g1.Y[i])
		}
	}
	wave := tm.Waveform()
	for i, v := range g1.Intensity {
		// hops at 9, 19, ... 989; the last sample has no successor
		blanked := i >= 9 && i < 999 && (i-9)%10 <= 2
		if blanked {
			if v != 0 {
				t.Errorf("intensity[%d] = %f, expected blanking", i, v)
			}
			continue
		}
		if math.Abs(v-10*wave[i]) > 1e-12 {
			t.Errorf("intensity[%d] = %f, expected %f", i, v, 10*wave[i])
		}
	}
	g0 := out.Groups[0]
	if g0.X[0] != 1 || g0.Y[999] != 1 {
		t.Error("expected the control group to hold A's position")
	}
	if len(out.Holes()) != 0 {
		t.Errorf("expected no holes, got %v", out.Holes())
	}
}

func TestBuildUniformLength(t *testing.T) {
	targets := []target.Target{
		{Name: "A", Intensity: 1, Group: 0},
		{Name: "B", Intensity: 2, X: 1, Group: 1},
		{Name: "C", Intensity: 3, X: 2, Group: 2},
		{Name: "D", Intensity: 4, X: 3, Y: 1, Group: 2},
		{Name: "E", Intensity: 4, X: 4, Y: 1, Group: 2},
	}
	timings := []matrix.Timing{
		{OnDuration: 1, TaperDuration: 0.2, SampleRate: 1000, StimFrequency: 40, SwitchFrequency: 100, SwitchDuration: 1},
		{OnDuration: 0.333, TaperDuration: 0.0505, SampleRate: 777, StimFrequency: 13, Kind: waveform.Square, DutyCycle: 20, SwitchFrequency: 33, SwitchDuration: 5},
		{OnDuration: 0, TaperDuration: 0.5, SampleRate: 2000, StimFrequency: 5, SwitchFrequency: 10000, SwitchDuration: 0},
	}
	for _, tm := range timings {
		out, err := matrix.Build(targets, tm)
		if err != nil {
			t.Fatal(err)
		}
		n := int(math.Floor(tm.OnDuration*tm.SampleRate)) + int(math.Floor(tm.TaperDuration*tm.SampleRate))
		if out.Len() != n {
			t.Errorf("expected N=%d, got %d", n, out.Len())
		}
		for _, gm := range out.Groups {
			if len(gm.Intensity) != n || len(gm.X) != n || len(gm.Y) != n {
				t.Errorf("group %d: lengths %d/%d/%d, expected %d", gm.Group, len(gm.Intensity), len(gm.X), len(gm.Y), n)
			}
		}
	}
}

func TestBlankingCoversEveryHop(t *testing.T) {
	targets := []target.Target{
		{Name: "ctl", Group: 0},
		{Name: "L", Intensity: 3, X: 0, Y: 1, Group: 1},
		{Name: "R", Intensity: 5, X: 0, Y: -1, Group: 1},
		{Name: "M", Intensity: 7, X: 1, Y: 0, Group: 1},
	}
	tm := matrix.Timing{OnDuration: 0.5, TaperDuration: 0.1, SampleRate: 3000, StimFrequency: 20, Kind: waveform.Square, DutyCycle: 90, SwitchFrequency: 170, SwitchDuration: 1.5}
	out, err := matrix.Build(targets, tm)
	if err != nil {
		t.Fatal(err)
	}
	gm := out.Groups[1]
	sw := tm.SwitchPoints()
	hops := 0
	for i := 0; i+1 < len(gm.X); i++ {
		if gm.X[i] == gm.X[i+1] && gm.Y[i] == gm.Y[i+1] {
			continue
		}
		hops++
		for j := i; j <= i+sw && j < len(gm.Intensity); j++ {
			if gm.Intensity[j] != 0 {
				t.Fatalf("hop at %d: intensity[%d] = %f, expected 0", i, j, gm.Intensity[j])
			}
		}
	}
	if hops == 0 {
		t.Fatal("expected the group to hop between sites")
	}
	if gm.Region != "L, R, M" {
		t.Errorf("expected region \"L, R, M\", got %q", gm.Region)
	}
}

func TestTaperOnSingleTarget(t *testing.T) {
	targets := []target.Target{{Name: "A", Group: 0}, {Name: "B", Intensity: 4, Group: 1}}
	tm := matrix.Timing{OnDuration: 0.1, TaperDuration: 0.05, SampleRate: 1000, StimFrequency: 10, Kind: waveform.Square, DutyCycle: 100, SwitchFrequency: 1}
	out, err := matrix.Build(targets, tm)
	if err != nil {
		t.Fatal(err)
	}
	in := out.Groups[1].Intensity
	for i := 0; i < 100; i++ {
		if in[i] != 4 {
			t.Fatalf("expected a flat 4 before the taper, intensity[%d] = %f", i, in[i])
		}
	}
	for i := 101; i < len(in); i++ {
		if in[i] > in[i-1] {
			t.Errorf("taper rises at %d", i)
		}
	}
	if in[len(in)-1] != 0 {
		t.Errorf("expected taper to end at 0, got %f", in[len(in)-1])
	}
}

func TestHolesAndEmptyControl(t *testing.T) {
	targets := []target.Target{{Name: "B", Intensity: 1, Group: 1}, {Name: "D", Intensity: 1, Group: 3}}
	tm := matrix.DefaultTiming()
	tm.OnDuration, tm.TaperDuration = 0.01, 0
	out, err := matrix.Build(targets, tm)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2}, out.Holes()); diff != "" {
		t.Errorf("holes mismatch (-want +got):\n%s", diff)
	}
	for _, g := range []int{0, 2} {
		if out.Region(g) != "" {
			t.Errorf("expected empty region for group %d", g)
		}
		for _, v := range out.Groups[g].Intensity {
			if v != 0 {
				t.Fatalf("expected zero baseline for group %d", g)
			}
		}
	}
}

func TestBuildErrors(t *testing.T) {
	_, tm := scenario()
	if _, err := matrix.Build([]target.Target{{Name: "bad", Group: -1}}, tm); !errors.Is(err, matrix.ErrNegativeGroup) {
		t.Errorf("expected ErrNegativeGroup, got %v", err)
	}
	bad := tm
	bad.SampleRate = 0
	if _, err := matrix.Build(nil, bad); !errors.Is(err, matrix.ErrInvalidTiming) {
		t.Errorf("expected ErrInvalidTiming, got %v", err)
	}
	// 3 rows * 1000 samples * 8 bytes = 24000 bytes
	_, err := matrix.Build(nil, tm, matrix.WithMaxBlockSize(10*datasize.KB))
	if !errors.Is(err, matrix.ErrBlockTooLarge) {
		t.Errorf("expected ErrBlockTooLarge, got %v", err)
	}
	if _, err = matrix.Build(nil, tm, matrix.WithMaxBlockSize(24*datasize.KB)); err != nil {
		t.Errorf("expected a 24000 byte block to fit in 24KB, got %v", err)
	}
}

func TestBlockIsACopy(t *testing.T) {
	targets, tm := scenario()
	out, _ := matrix.Build(targets, tm)
	blk := out.Block(1)
	if len(blk) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(blk))
	}
	blk[1][0] = 99
	if out.Groups[1].X[0] == 99 {
		t.Error("mutating a block changed the built matrix")
	}
}

func TestTimingValidate(t *testing.T) {
	good := matrix.DefaultTiming()
	if err := good.Validate(); err != nil {
		t.Fatalf("default timing invalid: %v", err)
	}
	mutations := map[string]func(*matrix.Timing){
		"zero sample rate":   func(t *matrix.Timing) { t.SampleRate = 0 },
		"zero duration":      func(t *matrix.Timing) { t.OnDuration, t.TaperDuration = 0, 0 },
		"negative taper":     func(t *matrix.Timing) { t.TaperDuration = -1 },
		"zero frequency":     func(t *matrix.Timing) { t.StimFrequency = 0 },
		"duty over 100":      func(t *matrix.Timing) { t.DutyCycle = 101 },
		"zero switch freq":   func(t *matrix.Timing) { t.SwitchFrequency = 0 },
		"negative switch ms": func(t *matrix.Timing) { t.SwitchDuration = -0.1 },
		"under one sample": func(t *matrix.Timing) {
			t.SampleRate, t.OnDuration, t.TaperDuration = 1000, 0.0004, 0
		},
	}
	for name, mut := range mutations {
		tm := good
		mut(&tm)
		if err := tm.Validate(); !errors.Is(err, matrix.ErrInvalidTiming) {
			t.Errorf("%s: expected ErrInvalidTiming, got %v", name, err)
		}
	}
}

func TestWriteFITS(t *testing.T) {
	targets, tm := scenario()
	out, _ := matrix.Build(targets, tm)
	buf := &bytes.Buffer{}
	if err := matrix.WriteFITS(buf, out, tm); err != nil {
		t.Fatal(err)
	}
	f, err := fitsio.Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	hdr := f.HDU(0).Header()
	if diff := cmp.Diff([]int{1000, 3, 2}, hdr.Axes()); diff != "" {
		t.Errorf("axes mismatch (-want +got):\n%s", diff)
	}
	card := hdr.Get("REG1")
	if card == nil || card.Value != "B, C" {
		t.Errorf("expected REG1 = \"B, C\", got %v", card)
	}
}
