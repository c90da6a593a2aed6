// ABOUTME: Device I/O abstraction: profiles, stream interfaces, and backends
// ABOUTME: Real-time callbacks run on backend threads and must never block
package device

import (
	"errors"
	"fmt"

	"github.com/Openhalo-Project/halo-go/pkg/audio"
)

// Direction selects one of the two hardware streams.
type Direction int

const (
	Capture Direction = iota
	Render
)

func (d Direction) String() string {
	if d == Capture {
		return "capture"
	}
	return "render"
}

var (
	// ErrNoDevice indicates enumeration found nothing usable.
	ErrNoDevice = errors.New("no usable audio device")

	// ErrCaptureUnsupported is returned by render-only backends.
	ErrCaptureUnsupported = errors.New("backend does not support capture")
)

// Profile describes one direction's device in its native format. It is
// immutable once a stream is open; device reselection replaces it wholesale.
type Profile struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	FrameSize  int    `yaml:"frame_size"`
}

// Valid reports whether the profile can open a stream.
func (p Profile) Valid() bool {
	return p.SampleRate > 0 && p.Channels > 0 && p.FrameSize > 0
}

func (p Profile) String() string {
	return fmt.Sprintf("%s (%dHz %dch frame=%d)", p.Name, p.SampleRate, p.Channels, p.FrameSize)
}

// Info is one enumerated device as reported by a backend.
type Info struct {
	ID         string
	Name       string
	IsDefault  bool
	SampleRate int
	Channels   int
}

// CaptureFunc receives one native-format interleaved float32 frame on the
// capture thread. The slice is reused between calls.
type CaptureFunc func(samples []float32, channels int)

// RenderFunc fills dst with native-format interleaved float32 samples on the
// render thread. dst is pre-zeroed; leaving it untouched plays silence.
type RenderFunc func(dst []float32, channels int)

// Stream is one open hardware stream.
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// Backend opens hardware streams. Callbacks fire on a dedicated real-time
// thread owned by the backend; implementations convert to/from float32 with
// preallocated scratch so the callback path stays allocation-light.
type Backend interface {
	Enumerate(dir Direction) ([]Info, error)
	OpenCapture(p Profile, fn CaptureFunc) (Stream, error)
	OpenRender(p Profile, fn RenderFunc) (Stream, error)
	Close() error
}

// ResolveProfile picks a device from enumeration and derives its native
// frame size. Wire format is never forced on hardware; conversion happens in
// the adapters.
func ResolveProfile(b Backend, dir Direction) (Profile, error) {
	infos, err := b.Enumerate(dir)
	if err != nil {
		return Profile{}, fmt.Errorf("enumerate %s devices: %w", dir, err)
	}
	info, err := SelectDevice(infos)
	if err != nil {
		return Profile{}, fmt.Errorf("select %s device: %w", dir, err)
	}

	channels := info.Channels
	if channels > audio.MaxDeviceChannels {
		channels = audio.MaxDeviceChannels
	}
	if channels < 1 {
		channels = 1
	}
	rate := info.SampleRate
	if rate <= 0 {
		rate = 48000
	}
	return Profile{
		ID:         info.ID,
		Name:       info.Name,
		SampleRate: rate,
		Channels:   channels,
		FrameSize:  audio.FrameSizeAt(rate),
	}, nil
}
