// ABOUTME: Robot voice effect chain for playback audio
// ABOUTME: Ring modulation, bitcrusher, metallic echo, and optional pitch shift
package effects

import (
	"log"
	"math"
	"sync"

	"github.com/Openhalo-Project/halo-go/pkg/audio"
)

// RobotVoiceConfig tunes the effect chain. Zero values fall back to the
// documented defaults via Normalize.
type RobotVoiceConfig struct {
	SampleRate int `yaml:"sample_rate"`

	// PitchShiftSemitones shifts pitch by resampling within the frame;
	// 0 disables the stage.
	PitchShiftSemitones float64 `yaml:"pitch_shift_semitones"`

	// RingModFreq is the carrier frequency in Hz; higher sounds more
	// mechanical.
	RingModFreq float64 `yaml:"ring_mod_freq"`

	// RingModDepth is the dry/wet mix in [0, 1].
	RingModDepth float64 `yaml:"ring_mod_depth"`

	// BitDepth is the simulated quantization depth, clamped to 4..16.
	BitDepth int `yaml:"bit_depth"`

	// MetallicEcho enables the short feedback delay line.
	MetallicEcho bool    `yaml:"metallic_echo"`
	EchoDelayMs  float64 `yaml:"echo_delay_ms"`
	EchoDecay    float64 `yaml:"echo_decay"`
}

// Normalize fills defaults and clamps out-of-range values.
func (c *RobotVoiceConfig) Normalize() {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.RenderRate
	}
	if c.RingModFreq <= 0 {
		c.RingModFreq = 30
	}
	if c.RingModDepth <= 0 || c.RingModDepth > 1 {
		c.RingModDepth = 0.3
	}
	if c.BitDepth == 0 {
		c.BitDepth = 12
	}
	if c.BitDepth < 4 {
		c.BitDepth = 4
	}
	if c.BitDepth > 16 {
		c.BitDepth = 16
	}
	if c.EchoDelayMs <= 0 {
		c.EchoDelayMs = 50
	}
	if c.EchoDecay <= 0 || c.EchoDecay >= 1 {
		c.EchoDecay = 0.3
	}
}

// RobotVoice applies a robot-style effect chain to int16 frames. State (ring
// modulator phase, echo delay line) persists across frames so the effect is
// continuous over a stream.
type RobotVoice struct {
	mu      sync.Mutex
	cfg     RobotVoiceConfig
	enabled bool

	phase float64
	echo  []float32
	echoW int

	scratch []float32
}

// NewRobotVoice creates the processor. It starts enabled.
func NewRobotVoice(cfg RobotVoiceConfig) *RobotVoice {
	cfg.Normalize()
	r := &RobotVoice{cfg: cfg, enabled: true}
	r.resizeEcho()
	log.Printf("Robot voice ready: ring=%.0fHz depth=%.2f bits=%d echo=%v",
		cfg.RingModFreq, cfg.RingModDepth, cfg.BitDepth, cfg.MetallicEcho)
	return r
}

func (r *RobotVoice) resizeEcho() {
	n := int(float64(r.cfg.SampleRate) * r.cfg.EchoDelayMs / 1000)
	if n < 1 {
		n = 1
	}
	r.echo = make([]float32, n)
	r.echoW = 0
}

// SetEnabled toggles the whole chain; a disabled processor passes frames
// through untouched.
func (r *RobotVoice) SetEnabled(enabled bool) {
	r.mu.Lock()
	r.enabled = enabled
	r.mu.Unlock()
}

// Enabled reports whether the chain is active.
func (r *RobotVoice) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Update replaces the configuration, resizing the delay line if the echo
// delay changed.
func (r *RobotVoice) Update(cfg RobotVoiceConfig) {
	cfg.Normalize()
	r.mu.Lock()
	defer r.mu.Unlock()
	resize := cfg.EchoDelayMs != r.cfg.EchoDelayMs || cfg.SampleRate != r.cfg.SampleRate
	r.cfg = cfg
	if resize {
		r.resizeEcho()
	}
}

// Process runs the chain over one frame and returns the processed samples.
// The input slice is not modified.
func (r *RobotVoice) Process(frame []int16) []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled || len(frame) == 0 {
		return frame
	}

	if cap(r.scratch) < len(frame) {
		r.scratch = make([]float32, len(frame))
	}
	buf := r.scratch[:len(frame)]
	for i, s := range frame {
		buf[i] = audio.Int16ToFloat32(s)
	}

	r.ringModulate(buf)
	r.bitcrush(buf)
	if r.cfg.MetallicEcho {
		r.metallicEcho(buf)
	}
	if r.cfg.PitchShiftSemitones != 0 {
		r.pitchShift(buf)
	}

	out := make([]int16, len(buf))
	for i, s := range buf {
		out[i] = audio.Float32ToInt16(s)
	}
	return out
}

// ringModulate mixes the signal with a low-frequency sine carrier. The phase
// accumulator carries across frames.
func (r *RobotVoice) ringModulate(buf []float32) {
	inc := 2 * math.Pi * r.cfg.RingModFreq / float64(r.cfg.SampleRate)
	depth := float32(r.cfg.RingModDepth)
	for i := range buf {
		carrier := float32(math.Sin(r.phase))
		buf[i] = buf[i]*(1-depth) + buf[i]*carrier*depth
		r.phase += inc
	}
	r.phase = math.Mod(r.phase, 2*math.Pi)
}

// bitcrush quantizes to the simulated bit depth.
func (r *RobotVoice) bitcrush(buf []float32) {
	steps := float64(int(1) << uint(r.cfg.BitDepth))
	for i := range buf {
		buf[i] = float32(math.Round(float64(buf[i])*steps) / steps)
	}
}

// metallicEcho is a short feedback delay line.
func (r *RobotVoice) metallicEcho(buf []float32) {
	decay := float32(r.cfg.EchoDecay)
	for i := range buf {
		delayed := r.echo[r.echoW]
		buf[i] += delayed * decay
		r.echo[r.echoW] = buf[i]
		r.echoW = (r.echoW + 1) % len(r.echo)
	}
}

// pitchShift resamples within the frame, padding or trimming back to the
// original length. Naive by design: it alters duration per frame rather than
// using a phase vocoder, which is audibly fine for a robot effect.
func (r *RobotVoice) pitchShift(buf []float32) {
	ratio := math.Pow(2, r.cfg.PitchShiftSemitones/12)
	n := int(float64(len(buf)) / ratio)
	if n <= 0 {
		return
	}
	shifted := make([]float32, n)
	for i := 0; i < n; i++ {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(buf)-1 {
			shifted[i] = buf[len(buf)-1]
			continue
		}
		frac := float32(pos - float64(j))
		shifted[i] = buf[j]*(1-frac) + buf[j+1]*frac
	}
	for i := range buf {
		if i < n {
			buf[i] = shifted[i]
		} else {
			buf[i] = 0
		}
	}
}
