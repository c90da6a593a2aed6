// ABOUTME: Streaming mono resampler for converting device rates to the wire rate
// ABOUTME: Linear interpolation with cross-chunk carry so output stays continuous
package format

// StreamResampler converts a mono float32 stream from one sample rate to
// another. Input arrives in arbitrarily sized chunks; output is buffered
// internally until the caller can take a full frame. The last input sample of
// each chunk is carried over so interpolation is continuous across chunk
// boundaries.
type StreamResampler struct {
	inputRate  int
	outputRate int
	ratio      float64 // input frames consumed per output frame

	// pos is the fractional read position into the pending input, measured
	// in input samples.
	pos float64

	// pending holds unconsumed input: the carry sample(s) from the previous
	// chunk plus whatever the interpolator has not yet walked past.
	pending []float32

	// out buffers produced samples until a frame's worth is available.
	out []float32
}

// NewStreamResampler creates a resampler from inputRate to outputRate.
func NewStreamResampler(inputRate, outputRate int) *StreamResampler {
	return &StreamResampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		ratio:      float64(inputRate) / float64(outputRate),
	}
}

// Push feeds a chunk of mono samples at the input rate and converts as much
// as possible into the internal output buffer.
func (r *StreamResampler) Push(chunk []float32) {
	if len(chunk) == 0 {
		return
	}
	r.pending = append(r.pending, chunk...)
	r.convert()
}

// convert walks the pending input, producing interpolated output samples
// until fewer than two input samples remain ahead of the read position.
func (r *StreamResampler) convert() {
	for {
		idx := int(r.pos)
		if idx >= len(r.pending)-1 {
			break
		}
		frac := float32(r.pos - float64(idx))
		s := r.pending[idx]*(1-frac) + r.pending[idx+1]*frac
		r.out = append(r.out, s)
		r.pos += r.ratio
	}

	// Discard input the read position has fully passed, keeping one sample
	// behind it for interpolation.
	drop := int(r.pos) - 1
	if drop > 0 {
		if drop > len(r.pending) {
			drop = len(r.pending)
		}
		r.pending = r.pending[:copy(r.pending, r.pending[drop:])]
		r.pos -= float64(drop)
	}
}

// Buffered reports how many converted samples are waiting to be read.
func (r *StreamResampler) Buffered() int {
	return len(r.out)
}

// ReadFrame copies exactly len(dst) converted samples into dst. It returns
// false, leaving dst untouched, when not enough data has accumulated yet;
// the caller should push another chunk and retry. Not an error condition.
func (r *StreamResampler) ReadFrame(dst []float32) bool {
	if len(r.out) < len(dst) {
		return false
	}
	copy(dst, r.out[:len(dst)])
	r.out = r.out[:copy(r.out, r.out[len(dst):])]
	return true
}

// Read copies up to len(dst) converted samples into dst and returns how many
// were copied. Used on the render path where the device dictates the count.
func (r *StreamResampler) Read(dst []float32) int {
	n := copy(dst, r.out)
	r.out = r.out[:copy(r.out, r.out[n:])]
	return n
}

// Flush emits any trailing partial output, holding the final input sample
// flat past the end of the stream, and resets the resampler.
func (r *StreamResampler) Flush() []float32 {
	if len(r.pending) > 0 {
		last := r.pending[len(r.pending)-1]
		// One extra flat sample lets the interpolator drain up to the
		// final real input sample.
		r.pending = append(r.pending, last)
		r.convert()
	}
	tail := r.out
	r.out = nil
	r.pending = nil
	r.pos = 0
	return tail
}

// Reset discards all buffered input and output.
func (r *StreamResampler) Reset() {
	r.out = r.out[:0]
	r.pending = r.pending[:0]
	r.pos = 0
}
