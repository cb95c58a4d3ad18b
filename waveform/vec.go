package waveform

// Linspace returns n evenly spaced samples over [start, stop].
// If endpoint is false, stop is excluded and the spacing is (stop-start)/n.
// n <= 0 returns an empty slice; n == 1 returns []float64{start}.
func Linspace(start, stop float64, n int, endpoint bool) []float64 {
	if n <= 0 {
		return []float64{}
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	div := float64(n)
	if endpoint {
		div = float64(n - 1)
	}
	step := (stop - start) / div
	for i := 0; i < n; i++ {
		out[i] = start + float64(i)*step
	}
	if endpoint {
		out[n-1] = stop
	}
	return out
}

// Taper multiplies the last n samples of vec in place by a linear ramp
// from 1 to 0.  n <= 0 is a no-op, n > len(vec) tapers the whole vector.
func Taper(vec []float64, n int) {
	if n <= 0 {
		return
	}
	if n > len(vec) {
		n = len(vec)
	}
	ramp := Linspace(1, 0, n, true)
	off := len(vec) - n
	for i := 0; i < n; i++ {
		vec[off+i] *= ramp[i]
	}
}

// Tile concatenates reps copies of vec.  reps <= 0 yields an empty slice.
func Tile(vec []float64, reps int) []float64 {
	if reps <= 0 {
		return []float64{}
	}
	out := make([]float64, 0, len(vec)*reps)
	for i := 0; i < reps; i++ {
		out = append(out, vec...)
	}
	return out
}

// Scale multiplies every element of vec by k, in place, and returns vec
func Scale(vec []float64, k float64) []float64 {
	for i := range vec {
		vec[i] *= k
	}
	return vec
}

// Fill returns a slice of length n with every element equal to v
func Fill(n int, v float64) []float64 {
	out := make([]float64, n)
	if v != 0 {
		for i := range out {
			out[i] = v
		}
	}
	return out
}
