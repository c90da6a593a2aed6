// ABOUTME: Channel downmix/upmix for adapting device layouts to the wire format
// ABOUTME: Pure per-sample arithmetic, no allocation beyond the result slice
package format

// DownmixInt16 folds interleaved multi-channel PCM into mono by arithmetic
// mean. The mean is computed in int32 and rounded half away from zero, so
// full-scale input can never wrap. A mono or empty frame is returned as-is.
func DownmixInt16(frame []int16, channels int) []int16 {
	if channels <= 1 || len(frame) == 0 {
		return frame
	}
	n := len(frame) / channels
	mono := make([]int16, n)
	for i := 0; i < n; i++ {
		var sum int32
		for ch := 0; ch < channels; ch++ {
			sum += int32(frame[i*channels+ch])
		}
		mono[i] = roundedDiv(sum, int32(channels))
	}
	return mono
}

// Downmix is the float32 variant used on the capture path before resampling.
func Downmix(frame []float32, channels int, dst []float32) []float32 {
	if channels <= 1 {
		return frame
	}
	n := len(frame) / channels
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	inv := 1.0 / float32(channels)
	for i := 0; i < n; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += frame[i*channels+ch]
		}
		dst[i] = sum * inv
	}
	return dst
}

// Upmix replicates a mono frame to every channel of an interleaved layout,
// writing into dst which must hold len(mono)*channels samples.
func Upmix(mono []float32, channels int, dst []float32) {
	if channels == 1 {
		copy(dst, mono)
		return
	}
	for i, s := range mono {
		base := i * channels
		for ch := 0; ch < channels; ch++ {
			dst[base+ch] = s
		}
	}
}

// roundedDiv divides with rounding half away from zero and clamps to the
// int16 range.
func roundedDiv(sum, div int32) int16 {
	var q int32
	if sum >= 0 {
		q = (sum + div/2) / div
	} else {
		q = (sum - div/2) / div
	}
	if q > 32767 {
		return 32767
	}
	if q < -32768 {
		return -32768
	}
	return int16(q)
}
