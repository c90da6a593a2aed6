// ABOUTME: Wire-format constants and sample conversion helpers
// ABOUTME: Defines the fixed protocol format all codec and network paths assume
package audio

import "time"

// Wire format: every frame that crosses a component boundary is mono int16
// at one of these two rates, exactly one frame duration long.
const (
	// CaptureRate is the sample rate of microphone audio on the wire.
	CaptureRate = 16000

	// RenderRate is the sample rate of playback audio on the wire.
	RenderRate = 24000

	// Channels is the wire channel count. Device-native layouts are
	// downmixed/upmixed at the edges.
	Channels = 1

	// FrameDuration is the fixed length of one codec unit.
	FrameDuration = 60 * time.Millisecond

	// CaptureFrameSize is samples per capture frame (16 kHz × 60 ms).
	CaptureFrameSize = CaptureRate * 60 / 1000

	// RenderFrameSize is samples per render frame (24 kHz × 60 ms).
	RenderFrameSize = RenderRate * 60 / 1000

	// MaxDeviceChannels caps how many native channels we open on exotic
	// multi-channel hardware.
	MaxDeviceChannels = 8

	// PlaybackQueueCapacity bounds the shared render queue, in frames.
	PlaybackQueueCapacity = 100
)

// FrameSizeAt returns the per-channel frame size for a device running at the
// given sample rate.
func FrameSizeAt(sampleRate int) int {
	return sampleRate * int(FrameDuration/time.Millisecond) / 1000
}

// Int16ToFloat32 converts a PCM sample to the [-1, 1) float range.
func Int16ToFloat32(s int16) float32 {
	return float32(s) / 32768.0
}

// Float32ToInt16 converts a float sample to int16, clamping out-of-range
// input instead of wrapping.
func Float32ToInt16(s float32) int16 {
	v := s * 32768.0
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// Int16SliceToFloat32 converts in place into dst, which must be at least as
// long as src. Returns the filled prefix of dst.
func Int16SliceToFloat32(src []int16, dst []float32) []float32 {
	d := dst[:len(src)]
	for i, s := range src {
		d[i] = Int16ToFloat32(s)
	}
	return d
}

// Float32SliceToInt16 converts into dst, which must be at least as long as
// src. Returns the filled prefix of dst.
func Float32SliceToInt16(src []float32, dst []int16) []int16 {
	d := dst[:len(src)]
	for i, s := range src {
		d[i] = Float32ToInt16(s)
	}
	return d
}
