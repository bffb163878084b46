// Package resample implements the linear resampler shared by the
// audio-capture and mic-playback pipelines, transcribed from the
// original implementation's LinearResampler<T> template (fractional
// accumulator, per-channel previous-sample state carried across
// calls for continuity at chunk boundaries).
package resample

// Sample is the set of sample types the resampler supports.
type Sample interface {
	int16 | float32
}

// LinearResampler converts PCM between two sample rates with a given
// channel count, using linear interpolation and carrying the last
// input sample per channel across Process calls.
type LinearResampler[T Sample] struct {
	srcRate  int
	dstRate  int
	channels int
	ratio    float64
	accum    float64
	prev     []T
	primed   bool
}

// New constructs a resampler from srcRate to dstRate for the given
// channel count.
func New[T Sample](srcRate, dstRate, channels int) *LinearResampler[T] {
	return &LinearResampler[T]{
		srcRate:  srcRate,
		dstRate:  dstRate,
		channels: channels,
		ratio:    float64(srcRate) / float64(dstRate),
		prev:     make([]T, channels),
	}
}

// Process resamples an interleaved multi-channel buffer. At equal
// rates it is the identity function (src == dst ⇒ ratio == 1 ⇒ one
// output frame per input frame at zero fractional drift).
func (r *LinearResampler[T]) Process(input []T) []T {
	if r.channels <= 0 || len(input) == 0 {
		return nil
	}
	frames := len(input) / r.channels
	if frames == 0 {
		return nil
	}

	if r.srcRate == r.dstRate {
		out := make([]T, len(input))
		copy(out, input)
		// Still advance the continuity state so a later rate change
		// resumes smoothly.
		last := input[(frames-1)*r.channels : frames*r.channels]
		copy(r.prev, last)
		r.primed = true
		return out
	}

	var out []T
	pos := r.accum
	for {
		frameIdx := int(pos)
		frac := pos - float64(frameIdx)
		if frameIdx >= frames-1 {
			break
		}
		for ch := 0; ch < r.channels; ch++ {
			var a T
			if frameIdx == 0 && !r.primed {
				a = input[ch]
			} else if frameIdx == 0 {
				a = r.prev[ch]
			} else {
				a = input[(frameIdx-1)*r.channels+ch]
			}
			b := input[frameIdx*r.channels+ch]
			out = append(out, lerp(a, b, frac))
		}
		pos += r.ratio
	}
	r.accum = pos - float64(frames-1)
	if r.accum < 0 {
		r.accum = 0
	}
	last := input[(frames-1)*r.channels : frames*r.channels]
	copy(r.prev, last)
	r.primed = true
	return out
}

// ProcessMono resamples a single-channel buffer; a thin convenience
// wrapper matching the original's ProcessMono entry point.
func (r *LinearResampler[T]) ProcessMono(input []T) []T {
	return r.Process(input)
}

func lerp[T Sample](a, b T, frac float64) T {
	return T(float64(a) + (float64(b)-float64(a))*frac)
}
