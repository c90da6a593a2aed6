// ABOUTME: Music player state machine: play/pause/resume/seek over the
// ABOUTME: decoder, with speech arbitration and wall-clock position tracking
package music

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Openhalo-Project/halo-go/internal/codec"
	"github.com/Openhalo-Project/halo-go/pkg/audio"
)

// Pause sources. A later pause from the other source retags the existing
// pause (last writer wins); a speech pause never survives as manual.
const (
	PauseManual = "manual"
	PauseSpeech = "speech"
)

// State is the player's internal state.
type State int

const (
	Stopped State = iota
	Playing
	PausedManual
	PausedForSpeech
	DeferredPending
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case PausedManual:
		return "paused"
	case PausedForSpeech:
		return "paused-for-speech"
	case DeferredPending:
		return "deferred"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is the externally visible playback state. Speech pauses and
// deferred starts report Playing so an automated controller never mistakes
// transient speech arbitration for a user pause.
type Status int

const (
	StatusStopped Status = iota
	StatusPlaying
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	default:
		return "stopped"
	}
}

// PCMWriter is the shared playback sink, satisfied by the audio codec.
type PCMWriter interface {
	WritePCMDirect(ctx context.Context, samples []int16) error
	ClearQueue() int
}

// trackDecoder is one decode run; satisfied by Decoder, faked in tests.
type trackDecoder interface {
	Start(ctx context.Context, path string, queue *codec.FrameQueue, offset time.Duration) error
	Stop()
}

// session is one decode-and-drain run tied to a single track start. The
// UUID lets late drain-task events detect they belong to a dead session.
type session struct {
	id        uuid.UUID
	path      string
	decoder   trackDecoder
	queue     *codec.FrameQueue
	cancel    context.CancelFunc
	drainDone chan struct{}
}

// Player owns the music pipeline between track files and the shared codec
// queue. All public methods are safe for concurrent use.
type Player struct {
	out        PCMWriter
	newDecoder func() trackDecoder
	now        func() time.Time

	// tmu serializes whole transport transitions. Tearing down the old
	// session and installing the next one must be atomic, or two drain
	// tasks could write the shared queue at once.
	tmu sync.Mutex

	mu           sync.Mutex
	state        State
	session      *session
	path         string
	duration     time.Duration
	startTime    time.Time     // position zero-point while Playing
	pausedPos    time.Duration // frozen position while paused
	pauseSource  string
	speechActive bool
	deferredPath string
	deferredAt   time.Duration
	closed       bool
}

// NewPlayer creates a stopped player writing into out.
func NewPlayer(out PCMWriter) *Player {
	return &Player{
		out:        out,
		newDecoder: func() trackDecoder { return NewDecoder() },
		now:        time.Now,
	}
}

// Play starts path at offset, replacing any current track. While speech is
// active the request is deferred and starts when speech ends.
func (p *Player) Play(path string, offset time.Duration) error {
	p.tmu.Lock()
	defer p.tmu.Unlock()
	if offset < 0 {
		offset = 0
	}
	p.stopSession(false)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return codec.ErrClosed
	}

	if p.speechActive {
		p.state = DeferredPending
		p.deferredPath = path
		p.deferredAt = offset
		p.path = path
		log.Printf("Speech active, deferring playback of %s", path)
		return nil
	}
	return p.startLocked(path, offset)
}

// startLocked begins a session and enters Playing. Caller holds p.mu and
// has already stopped any previous session.
func (p *Player) startLocked(path string, offset time.Duration) error {
	dur, err := ProbeDuration(path)
	if err != nil {
		log.Printf("Duration probe failed for %s: %v", path, err)
		dur = 0
	}
	if dur > 0 && offset >= dur {
		offset = 0
	}

	if err := p.openSessionLocked(path, offset); err != nil {
		p.state = Stopped
		return err
	}
	p.state = Playing
	p.path = path
	p.duration = dur
	p.startTime = p.now().Add(-offset)
	p.pauseSource = ""
	p.deferredPath = ""
	p.deferredAt = 0
	log.Printf("Playing %s from %s", path, offset)
	return nil
}

// openSessionLocked spawns the decoder and drain task for one run.
func (p *Player) openSessionLocked(path string, offset time.Duration) error {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:        uuid.New(),
		path:      path,
		decoder:   p.newDecoder(),
		queue:     codec.NewFrameQueue(audio.PlaybackQueueCapacity),
		cancel:    cancel,
		drainDone: make(chan struct{}),
	}
	if err := s.decoder.Start(ctx, path, s.queue, offset); err != nil {
		cancel()
		return fmt.Errorf("start decoder: %w", err)
	}
	p.session = s
	go p.runDrain(ctx, s)
	return nil
}

// runDrain moves frames from the session queue into the shared codec queue
// until EOS or cancellation. Each session has exactly one drain task, and
// every transition awaits it, so the shared queue never sees two writers.
func (p *Player) runDrain(ctx context.Context, s *session) {
	defer close(s.drainDone)
	for {
		f, err := s.queue.Pop(ctx)
		if err != nil {
			return
		}
		if f.EOS {
			p.trackFinished(s.id)
			return
		}
		if err := p.out.WritePCMDirect(ctx, f.Samples); err != nil {
			if errors.Is(err, codec.ErrQueueFull) {
				log.Printf("Shared queue saturated, dropping music frame")
				continue
			}
			return
		}
	}
}

// trackFinished ends the session after the decoder reached end of file.
// Ignored when the session has already been replaced.
func (p *Player) trackFinished(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil || p.session.id != id {
		return
	}
	log.Printf("Track finished: %s", p.path)
	p.session = nil
	p.state = Stopped
	p.pausedPos = 0
	p.pauseSource = ""
}

// stopSession tears down the current session and waits for its drain task.
// With clearShared it also flushes frames already handed to the codec.
func (p *Player) stopSession(clearShared bool) {
	p.mu.Lock()
	s := p.session
	p.session = nil
	p.mu.Unlock()

	if s != nil {
		s.decoder.Stop()
		s.cancel()
		<-s.drainDone
		s.queue.Drain()
	}
	if clearShared {
		if n := p.out.ClearQueue(); n > 0 {
			log.Printf("Cleared %d pending playback frame(s)", n)
		}
	}
}

// Pause halts playback, recording the elapsed position. Only valid while
// Playing, except that a pause from the other source retags an existing
// pause without touching position.
func (p *Player) Pause(source string) error {
	if source != PauseManual && source != PauseSpeech {
		return fmt.Errorf("unknown pause source %q", source)
	}
	p.tmu.Lock()
	defer p.tmu.Unlock()

	p.mu.Lock()
	switch p.state {
	case PausedManual, PausedForSpeech:
		p.pauseSource = source
		p.state = pauseState(source)
		p.mu.Unlock()
		return nil
	case Playing:
	default:
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("cannot pause while %s", state)
	}

	p.pausedPos = p.elapsedLocked()
	pos := p.pausedPos
	p.pauseSource = source
	p.state = pauseState(source)
	p.mu.Unlock()

	// Leaves the shared queue alone: the already-queued tail plays out.
	p.stopSession(false)
	log.Printf("Paused (%s) at %s", source, pos)
	return nil
}

func pauseState(source string) State {
	if source == PauseSpeech {
		return PausedForSpeech
	}
	return PausedManual
}

// Resume continues from the recorded pause position, rebasing the start
// timestamp so elapsed time is continuous across the gap.
func (p *Player) Resume() error {
	p.tmu.Lock()
	defer p.tmu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return codec.ErrClosed
	}
	if p.state != PausedManual && p.state != PausedForSpeech {
		return fmt.Errorf("cannot resume while %s", p.state)
	}
	if p.path == "" {
		return fmt.Errorf("no track to resume")
	}
	return p.startLocked(p.path, p.pausedPos)
}

// Seek jumps to pos within the current track. Only valid while Playing.
// Both the session queue and the shared codec queue are flushed so the jump
// is audible immediately.
func (p *Player) Seek(pos time.Duration) error {
	p.tmu.Lock()
	defer p.tmu.Unlock()

	p.mu.Lock()
	if p.state != Playing {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("cannot seek while %s", state)
	}
	path := p.path
	if pos < 0 {
		pos = 0
	}
	if p.duration > 0 && pos >= p.duration {
		pos = p.duration - time.Second
		if pos < 0 {
			pos = 0
		}
	}
	p.mu.Unlock()

	p.stopSession(true)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return codec.ErrClosed
	}
	return p.startLocked(path, pos)
}

// Stop ends playback entirely and resets position. Valid from any state.
func (p *Player) Stop() error {
	p.tmu.Lock()
	defer p.tmu.Unlock()
	p.stopSession(true)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Stopped
	p.pausedPos = 0
	p.pauseSource = ""
	p.deferredPath = ""
	p.deferredAt = 0
	return nil
}

// OnSpeechStart pauses music for the duration of assistant speech. A manual
// pause already in place is left untouched.
func (p *Player) OnSpeechStart() {
	p.mu.Lock()
	p.speechActive = true
	playing := p.state == Playing
	p.mu.Unlock()

	if playing {
		if err := p.Pause(PauseSpeech); err != nil {
			log.Printf("Speech pause failed: %v", err)
		}
	}
}

// OnSpeechStop resumes speech-paused music or starts a deferred track.
// Manual pauses are never auto-resumed.
func (p *Player) OnSpeechStop() {
	p.mu.Lock()
	p.speechActive = false
	state := p.state
	source := p.pauseSource
	deferredPath := p.deferredPath
	deferredAt := p.deferredAt
	p.mu.Unlock()

	switch {
	case state == DeferredPending && deferredPath != "":
		if err := p.Play(deferredPath, deferredAt); err != nil {
			log.Printf("Deferred playback failed: %v", err)
		}
	case state == PausedForSpeech && source == PauseSpeech:
		if err := p.Resume(); err != nil {
			log.Printf("Speech resume failed: %v", err)
		}
	}
}

// elapsedLocked returns the current play position. Caller holds p.mu.
func (p *Player) elapsedLocked() time.Duration {
	var pos time.Duration
	switch p.state {
	case Playing:
		pos = p.now().Sub(p.startTime)
	case PausedManual, PausedForSpeech:
		pos = p.pausedPos
	case DeferredPending:
		pos = p.deferredAt
	}
	if pos < 0 {
		pos = 0
	}
	if p.duration > 0 && pos > p.duration {
		pos = p.duration
	}
	return pos
}

// Position returns the current play position within the track.
func (p *Player) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elapsedLocked()
}

// Duration returns the probed track length, zero when unknown.
func (p *Player) Duration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duration
}

// StateInternal returns the raw state, for logs and tests.
func (p *Player) StateInternal() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Status returns the collapsed external state.
func (p *Player) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case Playing, PausedForSpeech, DeferredPending:
		return StatusPlaying
	case PausedManual:
		return StatusPaused
	default:
		return StatusStopped
	}
}

// StatusString formats the player state for display, e.g.
// "playing: Artist - Title [1:23/4:05]".
func (p *Player) StatusString() string {
	p.mu.Lock()
	path := p.path
	dur := p.duration
	p.mu.Unlock()

	status := p.Status()
	if status == StatusStopped || path == "" {
		return "stopped"
	}
	artist, title := parseTrackName(path)
	name := title
	if artist != "" {
		name = artist + " - " + title
	}
	if dur > 0 {
		return fmt.Sprintf("%s: %s [%s/%s]", status, name, formatClock(p.Position()), formatClock(dur))
	}
	return fmt.Sprintf("%s: %s [%s]", status, name, formatClock(p.Position()))
}

func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

// Close stops playback and rejects further transport commands.
func (p *Player) Close() error {
	p.tmu.Lock()
	defer p.tmu.Unlock()
	p.stopSession(true)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.state = Stopped
	return nil
}
