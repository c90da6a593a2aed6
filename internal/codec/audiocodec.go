// ABOUTME: AudioCodec orchestrator: device streams, resampling, Opus framing,
// ABOUTME: listener fan-out, and the shared playback queue
package codec

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Openhalo-Project/halo-go/internal/device"
	"github.com/Openhalo-Project/halo-go/pkg/audio"
	"github.com/Openhalo-Project/halo-go/pkg/audio/format"
)

// pcmWriteTimeout bounds how long a direct PCM writer waits for queue room.
const pcmWriteTimeout = 2 * time.Second

// VoiceCodec compresses outbound capture frames and expands inbound packets.
type VoiceCodec interface {
	Encode(pcm []int16) ([]byte, error)
	Decode(packet []byte) ([]int16, error)
}

// AudioListener receives every capture frame in wire format (mono 16kHz
// int16). Called on the capture thread; implementations must not block.
type AudioListener interface {
	OnAudioFrame(samples []int16)
}

// EncodedCallback ships one encoded capture frame. An error drops the frame.
type EncodedCallback func(packet []byte) error

// PlaybackFilter transforms decoded voice PCM before it is queued, e.g. for
// voice effects. It may return its input unchanged.
type PlaybackFilter func(pcm []int16) []int16

// Options configures AudioCodec. Zero-valued profiles are auto-detected.
type Options struct {
	CaptureProfile device.Profile
	RenderProfile  device.Profile
}

// AudioCodec owns both hardware streams and the conversion chain between
// device-native audio and the fixed wire format.
type AudioCodec struct {
	mu      sync.Mutex
	backend device.Backend
	vc      VoiceCodec

	captureProfile device.Profile
	renderProfile  device.Profile

	inResampler  *format.StreamResampler // native -> 16k, nil when rates match
	outResampler *format.StreamResampler // 24k -> native, nil when rates match
	resamplerMu  sync.Mutex

	queue *FrameQueue

	captureStream device.Stream
	renderStream  device.Stream

	listenersMu sync.Mutex
	listeners   map[AudioListener]struct{}
	listenerSet atomic.Value // []AudioListener snapshot for the capture thread

	onEncoded      atomic.Value // EncodedCallback
	playbackFilter atomic.Value // PlaybackFilter
	muteCapture    atomic.Bool

	// capture-thread scratch, touched only from the capture callback
	capMono      []float32
	capResampled []float32
	capFrame     []int16

	// render-thread scratch, touched only from the render callback
	renderMono  []float32
	renderFloat []float32

	// unplayed tail of a popped frame, carried across render periods
	// shorter than one wire frame (guarded by resamplerMu)
	renderPending []int16

	initialized bool
	closed      bool
}

// NewAudioCodec creates an uninitialized codec. Call Initialize before use.
func NewAudioCodec(backend device.Backend, vc VoiceCodec, opts Options) *AudioCodec {
	c := &AudioCodec{
		backend:        backend,
		vc:             vc,
		captureProfile: opts.CaptureProfile,
		renderProfile:  opts.RenderProfile,
		queue:          NewFrameQueue(audio.PlaybackQueueCapacity),
		listeners:      make(map[AudioListener]struct{}),
	}
	c.listenerSet.Store([]AudioListener(nil))
	return c
}

// Initialize resolves device profiles, opens both streams in their native
// formats, and starts them. Idempotent; a failure rolls back everything
// opened so far.
func (c *AudioCodec) Initialize(ctx context.Context) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.initialized {
		return nil
	}

	if !c.captureProfile.Valid() {
		c.captureProfile, err = device.ResolveProfile(c.backend, device.Capture)
		if err != nil {
			return fmt.Errorf("resolve capture profile: %w", err)
		}
	}
	if !c.renderProfile.Valid() {
		c.renderProfile, err = device.ResolveProfile(c.backend, device.Render)
		if err != nil {
			return fmt.Errorf("resolve render profile: %w", err)
		}
	}
	log.Printf("Audio devices: capture=%s render=%s", c.captureProfile, c.renderProfile)

	if c.captureProfile.SampleRate != audio.CaptureRate {
		c.inResampler = format.NewStreamResampler(c.captureProfile.SampleRate, audio.CaptureRate)
	}
	if c.renderProfile.SampleRate != audio.RenderRate {
		c.outResampler = format.NewStreamResampler(audio.RenderRate, c.renderProfile.SampleRate)
	}

	c.capMono = make([]float32, c.captureProfile.FrameSize)
	c.capResampled = make([]float32, audio.CaptureFrameSize)
	c.capFrame = make([]int16, audio.CaptureFrameSize)
	c.renderMono = make([]float32, c.renderProfile.FrameSize)
	c.renderFloat = make([]float32, audio.RenderFrameSize)

	defer func() {
		if err != nil {
			c.teardownLocked()
		}
	}()

	c.captureStream, err = c.backend.OpenCapture(c.captureProfile, c.onCapture)
	if err != nil {
		return fmt.Errorf("open capture stream: %w", err)
	}
	c.renderStream, err = c.backend.OpenRender(c.renderProfile, c.onRender)
	if err != nil {
		return fmt.Errorf("open render stream: %w", err)
	}
	if err = c.captureStream.Start(); err != nil {
		return fmt.Errorf("start capture stream: %w", err)
	}
	if err = c.renderStream.Start(); err != nil {
		return fmt.Errorf("start render stream: %w", err)
	}

	c.initialized = true
	return nil
}

// Profiles returns the resolved device profiles so callers can persist them.
func (c *AudioCodec) Profiles() (capture, render device.Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captureProfile, c.renderProfile
}

// onCapture runs on the capture thread for each native-format frame.
func (c *AudioCodec) onCapture(samples []float32, channels int) {
	mono := format.Downmix(samples, channels, c.capMono)

	if c.inResampler != nil {
		c.resamplerMu.Lock()
		c.inResampler.Push(mono)
		c.resamplerMu.Unlock()
		for {
			c.resamplerMu.Lock()
			ok := c.inResampler.ReadFrame(c.capResampled)
			c.resamplerMu.Unlock()
			if !ok {
				return
			}
			c.emitCaptureFrame(c.capResampled)
		}
	}

	if len(mono) != audio.CaptureFrameSize {
		// Device delivered a partial period; nothing downstream can use it.
		return
	}
	c.emitCaptureFrame(mono)
}

// emitCaptureFrame converts one wire-rate mono frame, fans it out to
// listeners, and encodes it for the network unless capture is muted.
func (c *AudioCodec) emitCaptureFrame(mono []float32) {
	audio.Float32SliceToInt16(mono, c.capFrame)

	listeners := c.listenerSet.Load().([]AudioListener)
	for _, l := range listeners {
		c.callListener(l, c.capFrame)
	}

	if c.muteCapture.Load() {
		return
	}
	cb, _ := c.onEncoded.Load().(EncodedCallback)
	if cb == nil {
		return
	}
	packet, err := c.vc.Encode(c.capFrame)
	if err != nil {
		log.Printf("Encode error, dropping frame: %v", err)
		return
	}
	if err := cb(packet); err != nil {
		log.Printf("Send callback error, dropping frame: %v", err)
	}
}

// callListener isolates one listener so a panic never kills the capture
// thread or starves the other listeners.
func (c *AudioCodec) callListener(l AudioListener, frame []int16) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Audio listener panic recovered: %v", r)
		}
	}()
	l.OnAudioFrame(frame)
}

// onRender runs on the render thread; it must fill dst or leave silence.
func (c *AudioCodec) onRender(dst []float32, channels int) {
	need := len(dst) / channels
	if need > len(c.renderMono) {
		need = len(c.renderMono)
	}
	mono := c.renderMono[:need]
	for i := range mono {
		mono[i] = 0
	}

	if c.outResampler == nil {
		c.fillDirect(mono)
	} else {
		c.fillResampled(mono)
	}
	format.Upmix(mono, channels, dst)
}

// fillDirect copies queued frames straight into mono. When the device period
// is shorter than one wire frame the unplayed tail is kept for the next
// callback instead of being discarded.
func (c *AudioCodec) fillDirect(mono []float32) {
	c.resamplerMu.Lock()
	defer c.resamplerMu.Unlock()

	filled := 0
	for filled < len(mono) {
		if len(c.renderPending) == 0 {
			f, ok := c.queue.TryPop()
			if !ok {
				return
			}
			if f.EOS {
				continue
			}
			c.renderPending = f.Samples
		}
		n := len(c.renderPending)
		if n > len(mono)-filled {
			n = len(mono) - filled
		}
		audio.Int16SliceToFloat32(c.renderPending[:n], mono[filled:filled+n])
		c.renderPending = c.renderPending[n:]
		filled += n
	}
}

// fillResampled drains buffered resampler output first, pulling new queue
// frames through the resampler until mono is full or the queue runs dry.
func (c *AudioCodec) fillResampled(mono []float32) {
	c.resamplerMu.Lock()
	defer c.resamplerMu.Unlock()

	filled := c.outResampler.Read(mono)
	for filled < len(mono) {
		f, ok := c.queue.TryPop()
		if !ok {
			return
		}
		if f.EOS {
			continue
		}
		audio.Int16SliceToFloat32(f.Samples, c.renderFloat[:len(f.Samples)])
		c.outResampler.Push(c.renderFloat[:len(f.Samples)])
		filled += c.outResampler.Read(mono[filled:])
	}
}

// WriteAudio decodes one network packet and queues it for playback. The
// queue drops its oldest frame on overflow: voice is paced by the network,
// so a backlog means the oldest audio is already stale.
func (c *AudioCodec) WriteAudio(packet []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	pcm, err := c.vc.Decode(packet)
	if err != nil {
		return fmt.Errorf("decode packet: %w", err)
	}
	if len(pcm) != audio.RenderFrameSize {
		log.Printf("Dropping decoded frame with unexpected length %d", len(pcm))
		return nil
	}
	if filter, _ := c.playbackFilter.Load().(PlaybackFilter); filter != nil {
		if out := filter(pcm); len(out) == len(pcm) {
			pcm = out
		}
	}
	frame := Frame{Samples: make([]int16, len(pcm))}
	copy(frame.Samples, pcm)
	if dropped := c.queue.PutDropOldest(frame); dropped > 0 {
		log.Printf("Playback queue full, dropped %d oldest frame(s)", dropped)
	}
	return nil
}

// WritePCMDirect queues raw wire-format PCM, padding or truncating to the
// frame size. Music producers use this path; it waits for room instead of
// evicting voice frames, returning ErrQueueFull if the queue stays full.
func (c *AudioCodec) WritePCMDirect(ctx context.Context, samples []int16) error {
	if c.isClosed() {
		return ErrClosed
	}
	frame := Frame{Samples: make([]int16, audio.RenderFrameSize)}
	copy(frame.Samples, samples)
	if err := c.queue.Put(ctx, frame, pcmWriteTimeout); err != nil {
		return fmt.Errorf("write pcm: %w", err)
	}
	return nil
}

// AddListener registers a capture listener. Adding twice is a no-op.
func (c *AudioCodec) AddListener(l AudioListener) {
	if l == nil {
		return
	}
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	if _, ok := c.listeners[l]; ok {
		return
	}
	c.listeners[l] = struct{}{}
	c.snapshotListenersLocked()
}

// RemoveListener unregisters a capture listener. Removing twice is a no-op.
func (c *AudioCodec) RemoveListener(l AudioListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	if _, ok := c.listeners[l]; !ok {
		return
	}
	delete(c.listeners, l)
	c.snapshotListenersLocked()
}

func (c *AudioCodec) snapshotListenersLocked() {
	snapshot := make([]AudioListener, 0, len(c.listeners))
	for l := range c.listeners {
		snapshot = append(snapshot, l)
	}
	c.listenerSet.Store(snapshot)
}

// SetEncodedCallback installs the network send hook for capture frames.
func (c *AudioCodec) SetEncodedCallback(cb EncodedCallback) {
	c.onEncoded.Store(cb)
}

// SetPlaybackFilter installs a transform on decoded voice audio. Direct PCM
// writes (music) bypass it. Pass nil to remove.
func (c *AudioCodec) SetPlaybackFilter(f PlaybackFilter) {
	c.playbackFilter.Store(f)
}

// SetMuteCapture suppresses encoded sends without stopping the stream;
// listeners keep receiving frames.
func (c *AudioCodec) SetMuteCapture(mute bool) {
	c.muteCapture.Store(mute)
}

// CaptureMuted reports whether encoded sends are currently suppressed.
func (c *AudioCodec) CaptureMuted() bool {
	return c.muteCapture.Load()
}

// QueueLen reports the current playback queue depth.
func (c *AudioCodec) QueueLen() int {
	return c.queue.Len()
}

// QueueCap reports the playback queue capacity.
func (c *AudioCodec) QueueCap() int {
	return c.queue.Cap()
}

// ClearQueue discards pending playback frames and any resampler carry,
// returning the number of frames removed.
func (c *AudioCodec) ClearQueue() int {
	n := c.queue.Drain()
	c.resamplerMu.Lock()
	c.renderPending = nil
	if c.inResampler != nil {
		c.inResampler.Reset()
	}
	if c.outResampler != nil {
		c.outResampler.Reset()
	}
	c.resamplerMu.Unlock()
	return n
}

// ReinitializeStream tears down and reopens one direction using the
// last-known profile. The other direction keeps running.
func (c *AudioCodec) ReinitializeStream(dir device.Direction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.initialized {
		return fmt.Errorf("reinitialize %s: codec not initialized", dir)
	}

	switch dir {
	case device.Capture:
		if c.captureStream != nil {
			if err := c.captureStream.Close(); err != nil {
				log.Printf("Warning: closing capture stream: %v", err)
			}
			c.captureStream = nil
		}
		stream, err := c.backend.OpenCapture(c.captureProfile, c.onCapture)
		if err != nil {
			return fmt.Errorf("reopen capture stream: %w", err)
		}
		if err := stream.Start(); err != nil {
			stream.Close()
			return fmt.Errorf("restart capture stream: %w", err)
		}
		c.captureStream = stream
	case device.Render:
		if c.renderStream != nil {
			if err := c.renderStream.Close(); err != nil {
				log.Printf("Warning: closing render stream: %v", err)
			}
			c.renderStream = nil
		}
		stream, err := c.backend.OpenRender(c.renderProfile, c.onRender)
		if err != nil {
			return fmt.Errorf("reopen render stream: %w", err)
		}
		if err := stream.Start(); err != nil {
			stream.Close()
			return fmt.Errorf("restart render stream: %w", err)
		}
		c.renderStream = stream
	default:
		return fmt.Errorf("unknown stream direction %d", dir)
	}
	log.Printf("Reinitialized %s stream: %s", dir, c.profileFor(dir))
	return nil
}

func (c *AudioCodec) profileFor(dir device.Direction) device.Profile {
	if dir == device.Capture {
		return c.captureProfile
	}
	return c.renderProfile
}

func (c *AudioCodec) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close shuts the codec down in order: streams first so no callback fires
// into freed state, then callbacks and listeners, then queued audio.
// Idempotent, and safe to call after a failed Initialize.
func (c *AudioCodec) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.teardownLocked()
	return nil
}

func (c *AudioCodec) teardownLocked() {
	if c.captureStream != nil {
		if err := c.captureStream.Close(); err != nil {
			log.Printf("Warning: closing capture stream: %v", err)
		}
		c.captureStream = nil
	}
	if c.renderStream != nil {
		if err := c.renderStream.Close(); err != nil {
			log.Printf("Warning: closing render stream: %v", err)
		}
		c.renderStream = nil
	}

	c.onEncoded.Store(EncodedCallback(nil))
	c.playbackFilter.Store(PlaybackFilter(nil))
	c.listenersMu.Lock()
	c.listeners = make(map[AudioListener]struct{})
	c.listenerSet.Store([]AudioListener(nil))
	c.listenersMu.Unlock()

	c.queue.Drain()
	c.resamplerMu.Lock()
	c.renderPending = nil
	if c.inResampler != nil {
		c.inResampler.Reset()
	}
	if c.outResampler != nil {
		c.outResampler.Reset()
	}
	c.resamplerMu.Unlock()

	c.initialized = false
}
