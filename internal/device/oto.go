// ABOUTME: Oto backend: render-only fallback when miniaudio is unavailable
// ABOUTME: Pulls frames through an io.Reader feeding oto's float32 pipeline
package device

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// OtoBackend plays audio through oto. It cannot capture and cannot enumerate
// hardware, so it reports a single synthetic default render device.
type OtoBackend struct{}

func NewOtoBackend() *OtoBackend {
	return &OtoBackend{}
}

func (b *OtoBackend) Enumerate(dir Direction) ([]Info, error) {
	if dir == Capture {
		return nil, ErrCaptureUnsupported
	}
	return []Info{{
		ID:         "oto-default",
		Name:       "System Default Output",
		IsDefault:  true,
		SampleRate: 48000,
		Channels:   2,
	}}, nil
}

func (b *OtoBackend) OpenCapture(Profile, CaptureFunc) (Stream, error) {
	return nil, ErrCaptureUnsupported
}

func (b *OtoBackend) OpenRender(p Profile, fn RenderFunc) (Stream, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid render profile: %s", p)
	}

	op := &oto.NewContextOptions{
		SampleRate:   p.SampleRate,
		ChannelCount: p.Channels,
		Format:       oto.FormatFloat32LE,
	}
	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("create oto context: %w", err)
	}
	select {
	case <-readyChan:
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("oto context not ready after 5s")
	}

	src := &renderReader{
		fn:       fn,
		channels: p.Channels,
		frame:    make([]float32, p.FrameSize*p.Channels),
	}
	player := ctx.NewPlayer(src)
	log.Printf("Render stream opened: %s (oto)", p)
	return &otoStream{player: player, src: src}, nil
}

func (b *OtoBackend) Close() error {
	// oto contexts cannot be torn down; the process owns them for life.
	return nil
}

type otoStream struct {
	mu     sync.Mutex
	player *oto.Player
	src    *renderReader
}

func (s *otoStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player == nil {
		return fmt.Errorf("stream closed")
	}
	if !s.player.IsPlaying() {
		s.player.Play()
	}
	return nil
}

func (s *otoStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player == nil || !s.player.IsPlaying() {
		return nil
	}
	s.player.Pause()
	return nil
}

func (s *otoStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player == nil {
		return nil
	}
	s.src.close()
	err := s.player.Close()
	s.player = nil
	if err != nil {
		return fmt.Errorf("close oto player: %w", err)
	}
	return nil
}

// renderReader adapts the pull-model RenderFunc to oto's io.Reader. Each
// Read serves at most one frame so the render callback keeps frame cadence.
type renderReader struct {
	mu       sync.Mutex
	fn       RenderFunc
	channels int
	frame    []float32
	pending  []byte
	closed   bool
}

func (r *renderReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		// Keep feeding silence so oto never treats shutdown as EOF mid-close.
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	if len(r.pending) == 0 {
		for i := range r.frame {
			r.frame[i] = 0
		}
		r.fn(r.frame, r.channels)
		r.pending = r.encode()
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *renderReader) encode() []byte {
	buf := make([]byte, len(r.frame)*4)
	for i, s := range r.frame {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

func (r *renderReader) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}
