// ABOUTME: Application composition root: wires codec, music player, wake
// ABOUTME: word detector, and effects, and arbitrates speech vs capture
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Openhalo-Project/halo-go/internal/codec"
	"github.com/Openhalo-Project/halo-go/internal/config"
	"github.com/Openhalo-Project/halo-go/internal/device"
	"github.com/Openhalo-Project/halo-go/internal/music"
	"github.com/Openhalo-Project/halo-go/internal/wakeword"
	"github.com/Openhalo-Project/halo-go/pkg/audio/effects"
)

// Transport ships encoded capture frames upstream. The network layer lives
// outside this module; tests and the CLI use stand-ins.
type Transport interface {
	SendAudio(ctx context.Context, packet []byte) error
}

// NopTransport discards frames. Used when running without a server.
type NopTransport struct{}

func (NopTransport) SendAudio(context.Context, []byte) error { return nil }

// App owns the audio client's moving parts and their lifecycle.
type App struct {
	cfg       *config.Config
	codec     *codec.AudioCodec
	player    *music.Player
	library   *music.Library
	detector  *wakeword.Detector
	robot     *effects.RobotVoice
	transport Transport

	sendSem  *semaphore.Weighted
	sendCtx  context.Context
	sendStop context.CancelFunc

	mu          sync.Mutex
	listening   bool
	silenceTime *time.Timer
	onWake      func(keyword string)
}

// New wires an App from its parts. classifier may be nil to run without
// wake word detection even when the config enables it.
func New(cfg *config.Config, backend device.Backend, vc codec.VoiceCodec, transport Transport, classifier wakeword.Classifier) *App {
	if transport == nil {
		transport = NopTransport{}
	}
	sendCtx, sendStop := context.WithCancel(context.Background())
	a := &App{
		cfg: cfg,
		codec: codec.NewAudioCodec(backend, vc, codec.Options{
			CaptureProfile: cfg.Devices.Input,
			RenderProfile:  cfg.Devices.Output,
		}),
		library:   music.NewLibrary(cfg.Music.CacheDir),
		transport: transport,
		sendSem:   semaphore.NewWeighted(int64(cfg.App.MaxConcurrentSends)),
		sendCtx:   sendCtx,
		sendStop:  sendStop,
	}
	a.player = music.NewPlayer(a.codec)

	if cfg.Effects.RobotVoiceEnabled {
		a.robot = effects.NewRobotVoice(cfg.Effects.RobotVoice)
		a.robot.SetEnabled(true)
		a.codec.SetPlaybackFilter(a.robot.Process)
	}
	if cfg.WakeWord.Enabled && classifier != nil {
		a.detector = wakeword.NewDetector(classifier, a.handleWakeWord)
	}
	return a
}

// Run initializes the pipeline and blocks until ctx is cancelled, then
// shuts everything down in order.
func (a *App) Run(ctx context.Context) error {
	if err := a.codec.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize audio: %w", err)
	}
	// Persisting the resolved devices makes the next startup deterministic.
	capture, render := a.codec.Profiles()
	a.cfg.Devices.Input = capture
	a.cfg.Devices.Output = render

	a.codec.SetEncodedCallback(a.sendEncoded)
	// Capture stays muted until the app explicitly enters listening.
	a.codec.SetMuteCapture(true)

	g, runCtx := errgroup.WithContext(ctx)
	if a.detector != nil {
		a.codec.AddListener(a.detector)
		if err := a.detector.Start(runCtx); err != nil {
			// The codec streams are already live; tear down in order.
			a.shutdown()
			return fmt.Errorf("start wake word detector: %w", err)
		}
	}
	g.Go(func() error {
		<-runCtx.Done()
		return runCtx.Err()
	})

	err := g.Wait()
	a.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdown tears down in dependency order: producers first, then the codec.
func (a *App) shutdown() {
	a.mu.Lock()
	if a.silenceTime != nil {
		a.silenceTime.Stop()
		a.silenceTime = nil
	}
	a.mu.Unlock()

	a.sendStop()
	if a.detector != nil {
		a.codec.RemoveListener(a.detector)
		a.detector.Stop()
	}
	if err := a.player.Close(); err != nil {
		log.Printf("Warning: closing player: %v", err)
	}
	if err := a.codec.Close(); err != nil {
		log.Printf("Warning: closing codec: %v", err)
	}
}

// sendEncoded hands one encoded frame to the transport. It runs on the
// capture thread, so it never blocks: when all send slots are busy the
// frame is dropped.
func (a *App) sendEncoded(packet []byte) error {
	if !a.sendSem.TryAcquire(1) {
		return fmt.Errorf("all send slots busy")
	}
	cp := make([]byte, len(packet))
	copy(cp, packet)
	go func() {
		defer a.sendSem.Release(1)
		if err := a.transport.SendAudio(a.sendCtx, cp); err != nil && a.sendCtx.Err() == nil {
			log.Printf("Send failed: %v", err)
		}
	}()
	return nil
}

// handleWakeWord runs on the detector goroutine.
func (a *App) handleWakeWord(keyword string) {
	log.Printf("Wake word: %q", keyword)
	a.mu.Lock()
	cb := a.onWake
	a.mu.Unlock()
	if cb != nil {
		cb(keyword)
	}
	a.EnterListening()
}

// SetWakeCallback installs a hook fired on each wake word detection.
func (a *App) SetWakeCallback(fn func(keyword string)) {
	a.mu.Lock()
	a.onWake = fn
	a.mu.Unlock()
}

// SpeechStart marks the beginning of assistant speech: music ducks out and
// the microphone is muted so the device does not hear itself.
func (a *App) SpeechStart() {
	a.mu.Lock()
	a.listening = false
	if a.silenceTime != nil {
		a.silenceTime.Stop()
		a.silenceTime = nil
	}
	a.mu.Unlock()

	a.codec.SetMuteCapture(true)
	a.player.OnSpeechStart()
}

// SpeechStop marks the end of assistant speech: any stale assistant audio
// is flushed, deferred or speech-paused music comes back, and the client
// re-enters listening.
func (a *App) SpeechStop() {
	if n := a.codec.ClearQueue(); n > 0 {
		log.Printf("Flushed %d leftover speech frame(s)", n)
	}
	a.player.OnSpeechStop()
	a.EnterListening()
}

// EnterListening arms capture after the configured silence window. The
// window lets the playback tail drain so the assistant's own last syllables
// are not captured and sent back.
func (a *App) EnterListening() {
	window := a.cfg.App.SilenceWindow.Std()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.listening = true
	if a.silenceTime != nil {
		a.silenceTime.Stop()
	}
	if window <= 0 {
		a.codec.SetMuteCapture(false)
		return
	}
	a.silenceTime = time.AfterFunc(window, func() {
		a.mu.Lock()
		armed := a.listening
		a.mu.Unlock()
		if armed {
			a.codec.SetMuteCapture(false)
		}
	})
}

// StopListening mutes capture immediately.
func (a *App) StopListening() {
	a.mu.Lock()
	a.listening = false
	if a.silenceTime != nil {
		a.silenceTime.Stop()
		a.silenceTime = nil
	}
	a.mu.Unlock()
	a.codec.SetMuteCapture(true)
}

// WriteAudio feeds one incoming voice packet to the playback path.
func (a *App) WriteAudio(packet []byte) error {
	return a.codec.WriteAudio(packet)
}

// Player exposes music transport controls.
func (a *App) Player() *music.Player { return a.player }

// Library exposes the local track catalog.
func (a *App) Library() *music.Library { return a.library }

// Codec exposes the audio codec, mainly for device reinitialization.
func (a *App) Codec() *codec.AudioCodec { return a.codec }
