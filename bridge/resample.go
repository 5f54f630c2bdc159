package bridge

import "math"

// Resampler converts 16-bit signed PCM between two sample rates with a
// polyphase rational filter: up = target/gcd, down = source/gcd, a
// Hamming-windowed sinc prototype lowpass, and clipping back to int16 range.
// Filter state persists across Process calls so consecutive chunks of one TTS
// session stay seam-free; Reset drops it at session boundaries.
type Resampler struct {
	up    int
	down  int
	taps  []float64
	delay int

	// pending input samples; t is the next output position on the upsampled
	// grid, relative to buf[0]
	buf []float64
	t   int
}

// NewResampler builds a resampler from sourceRate to targetRate.
func NewResampler(sourceRate, targetRate int) *Resampler {
	g := gcd(targetRate, sourceRate)
	up := targetRate / g
	down := sourceRate / g
	taps := designLowpass(up, down)
	return &Resampler{
		up:    up,
		down:  down,
		taps:  taps,
		delay: (len(taps) - 1) / 2,
	}
}

// designLowpass returns the prototype anti-aliasing filter at the upsampled
// rate: cutoff pi/max(up,down), Hamming window, gain up to compensate for
// zero stuffing.
func designLowpass(up, down int) []float64 {
	m := up
	if down > m {
		m = down
	}
	half := 10 * m
	taps := make([]float64, 2*half+1)
	for i := range taps {
		n := float64(i - half)
		var v float64
		if n == 0 {
			v = 1.0 / float64(m)
		} else {
			v = math.Sin(math.Pi*n/float64(m)) / (math.Pi * n)
		}
		w := 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(len(taps)-1))
		taps[i] = v * w * float64(up)
	}
	return taps
}

// Ratio reports the rational conversion factor.
func (r *Resampler) Ratio() (up, down int) { return r.up, r.down }

// Process converts a chunk of samples, carrying filter state to the next
// call. Output order follows input order; every sample is clipped to the
// int16 range.
func (r *Resampler) Process(in []int16) []int16 {
	for _, s := range in {
		r.buf = append(r.buf, float64(s))
	}

	avail := (len(r.buf) - 1) * r.up
	if len(r.buf) == 0 {
		avail = -1
	}
	out := make([]int16, 0, outputEstimate(len(in), r.up, r.down))
	for r.t+r.delay <= avail {
		center := r.t + r.delay
		acc := 0.0
		for k := center % r.up; k < len(r.taps); k += r.up {
			i := (center - k) / r.up
			if i < 0 {
				break // samples before the stream start are zero
			}
			acc += r.taps[k] * r.buf[i]
		}
		out = append(out, clampPCM(acc))
		r.t += r.down
	}

	// Drop input the filter window can no longer reach.
	if lowest := r.t - r.delay; lowest > 0 {
		drop := lowest / r.up
		if drop > len(r.buf) {
			drop = len(r.buf)
		}
		if drop > 0 {
			copy(r.buf, r.buf[drop:])
			r.buf = r.buf[:len(r.buf)-drop]
			r.t -= drop * r.up
		}
	}
	return out
}

// Flush pads the stream with silence to drain the filter tail. Call at the
// end of a session; the resampler must be Reset before reuse.
func (r *Resampler) Flush() []int16 {
	pad := make([]int16, r.delay/r.up+1)
	return r.Process(pad)
}

// Reset discards all filter state.
func (r *Resampler) Reset() {
	r.buf = r.buf[:0]
	r.t = 0
}

func outputEstimate(n, up, down int) int {
	return n*up/down + 1
}

func clampPCM(v float64) int16 {
	s := math.Round(v)
	if s > 32767 {
		return 32767
	}
	if s < -32768 {
		return -32768
	}
	return int16(s)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// bytesToPCM decodes little-endian 16-bit samples. A trailing odd byte is
// dropped.
func bytesToPCM(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return out
}

// pcmToBytes encodes samples as little-endian 16-bit PCM.
func pcmToBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		out[2*i] = byte(uint16(v))
		out[2*i+1] = byte(uint16(v) >> 8)
	}
	return out
}
