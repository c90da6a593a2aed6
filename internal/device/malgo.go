// ABOUTME: Malgo (miniaudio) backend: full-duplex float32 streams with
// ABOUTME: device enumeration and preallocated byte<->float32 conversion
package device

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

// MalgoBackend drives real hardware through miniaudio. It is the primary
// backend: the only one in the tree that can capture.
type MalgoBackend struct {
	mu  sync.Mutex
	ctx *malgo.AllocatedContext
}

// NewMalgoBackend initializes a miniaudio context.
func NewMalgoBackend() (*MalgoBackend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init malgo context: %w", err)
	}
	return &MalgoBackend{ctx: ctx}, nil
}

// Enumerate lists devices for one direction. Devices that report no native
// format fall back to 48kHz stereo.
func (b *MalgoBackend) Enumerate(dir Direction) ([]Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return nil, fmt.Errorf("backend closed")
	}

	deviceType := malgo.Capture
	if dir == Render {
		deviceType = malgo.Playback
	}
	devices, err := b.ctx.Devices(deviceType)
	if err != nil {
		return nil, fmt.Errorf("list %s devices: %w", dir, err)
	}

	infos := make([]Info, 0, len(devices))
	for _, d := range devices {
		info := Info{
			ID:         d.Name(),
			Name:       d.Name(),
			IsDefault:  d.IsDefault != 0,
			SampleRate: 48000,
			Channels:   2,
		}
		if len(d.Formats) > 0 {
			if rate := int(d.Formats[0].SampleRate); rate > 0 {
				info.SampleRate = rate
			}
			if ch := int(d.Formats[0].Channels); ch > 0 {
				info.Channels = ch
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// OpenCapture opens a float32 capture stream in the device's native format.
func (b *MalgoBackend) OpenCapture(p Profile, fn CaptureFunc) (Stream, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid capture profile: %s", p)
	}

	config := malgo.DefaultDeviceConfig(malgo.Capture)
	config.Capture.Format = malgo.FormatF32
	config.Capture.Channels = uint32(p.Channels)
	config.SampleRate = uint32(p.SampleRate)
	config.PeriodSizeInFrames = uint32(p.FrameSize)
	config.Alsa.NoMMap = 1
	if id, ok := b.deviceID(malgo.Capture, p.ID); ok {
		config.Capture.DeviceID = id.Pointer()
	}

	scratch := make([]float32, p.FrameSize*p.Channels)
	channels := p.Channels
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			n := int(frameCount) * channels
			if n > len(scratch) {
				n = len(scratch)
			}
			bytesToFloat32(input, scratch[:n])
			fn(scratch[:n], channels)
		},
	}

	dev, err := malgo.InitDevice(b.ctx.Context, config, callbacks)
	if err != nil {
		return nil, fmt.Errorf("init capture device %q: %w", p.Name, err)
	}
	log.Printf("Capture stream opened: %s", p)
	return &malgoStream{device: dev}, nil
}

// OpenRender opens a float32 render stream in the device's native format.
func (b *MalgoBackend) OpenRender(p Profile, fn RenderFunc) (Stream, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid render profile: %s", p)
	}

	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.Playback.Format = malgo.FormatF32
	config.Playback.Channels = uint32(p.Channels)
	config.SampleRate = uint32(p.SampleRate)
	config.PeriodSizeInFrames = uint32(p.FrameSize)
	config.Alsa.NoMMap = 1
	if id, ok := b.deviceID(malgo.Playback, p.ID); ok {
		config.Playback.DeviceID = id.Pointer()
	}

	scratch := make([]float32, p.FrameSize*p.Channels)
	channels := p.Channels
	callbacks := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frameCount uint32) {
			n := int(frameCount) * channels
			if n > len(scratch) {
				n = len(scratch)
			}
			buf := scratch[:n]
			for i := range buf {
				buf[i] = 0
			}
			fn(buf, channels)
			float32ToBytes(buf, output)
		},
	}

	dev, err := malgo.InitDevice(b.ctx.Context, config, callbacks)
	if err != nil {
		return nil, fmt.Errorf("init render device %q: %w", p.Name, err)
	}
	log.Printf("Render stream opened: %s", p)
	return &malgoStream{device: dev}, nil
}

// deviceID resolves an enumerated device name back to its native ID. A miss
// falls back to the system default device.
func (b *MalgoBackend) deviceID(deviceType malgo.DeviceType, name string) (malgo.DeviceID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil || name == "" {
		return malgo.DeviceID{}, false
	}
	devices, err := b.ctx.Devices(deviceType)
	if err != nil {
		log.Printf("Warning: device lookup failed, using default: %v", err)
		return malgo.DeviceID{}, false
	}
	for i := range devices {
		if devices[i].Name() == name {
			return devices[i].ID, true
		}
	}
	return malgo.DeviceID{}, false
}

// Close frees the miniaudio context. Open streams must be closed first.
func (b *MalgoBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return nil
	}
	if err := b.ctx.Uninit(); err != nil {
		log.Printf("Warning: malgo context uninit error: %v", err)
	}
	b.ctx.Free()
	b.ctx = nil
	return nil
}

type malgoStream struct {
	mu     sync.Mutex
	device *malgo.Device
}

func (s *malgoStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return fmt.Errorf("stream closed")
	}
	if s.device.IsStarted() {
		return nil
	}
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("start device: %w", err)
	}
	return nil
}

func (s *malgoStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil || !s.device.IsStarted() {
		return nil
	}
	if err := s.device.Stop(); err != nil {
		return fmt.Errorf("stop device: %w", err)
	}
	return nil
}

func (s *malgoStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return nil
	}
	if s.device.IsStarted() {
		if err := s.device.Stop(); err != nil {
			log.Printf("Warning: device stop error: %v", err)
		}
	}
	s.device.Uninit()
	s.device = nil
	return nil
}

func bytesToFloat32(src []byte, dst []float32) {
	for i := range dst {
		off := i * 4
		if off+4 > len(src) {
			dst[i] = 0
			continue
		}
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[off:]))
	}
}

func float32ToBytes(src []float32, dst []byte) {
	for i, s := range src {
		off := i * 4
		if off+4 > len(dst) {
			return
		}
		binary.LittleEndian.PutUint32(dst[off:], math.Float32bits(s))
	}
}
