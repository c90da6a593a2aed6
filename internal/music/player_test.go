// ABOUTME: Tests for the music player state machine using fake decoders, a
// ABOUTME: fake PCM sink, and a manual clock
package music

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Openhalo-Project/halo-go/internal/codec"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeTrackDecoder records its start parameters and lets the test feed the
// session queue directly.
type fakeTrackDecoder struct {
	mu      sync.Mutex
	path    string
	offset  time.Duration
	queue   *codec.FrameQueue
	stopped bool
}

func (f *fakeTrackDecoder) Start(_ context.Context, path string, queue *codec.FrameQueue, offset time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.path = path
	f.offset = offset
	f.queue = queue
	return nil
}

func (f *fakeTrackDecoder) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeTrackDecoder) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakeSink struct {
	mu      sync.Mutex
	frames  [][]int16
	cleared int
}

func (s *fakeSink) WritePCMDirect(_ context.Context, samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]int16, len(samples))
	copy(cp, samples)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *fakeSink) ClearQueue() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
	return 0
}

func (s *fakeSink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSink) clearCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleared
}

type testRig struct {
	player   *Player
	sink     *fakeSink
	clock    *fakeClock
	mu       sync.Mutex
	decoders []*fakeTrackDecoder
}

func newTestRig() *testRig {
	rig := &testRig{sink: &fakeSink{}, clock: newFakeClock()}
	rig.player = NewPlayer(rig.sink)
	rig.player.now = rig.clock.Now
	rig.player.newDecoder = func() trackDecoder {
		d := &fakeTrackDecoder{}
		rig.mu.Lock()
		rig.decoders = append(rig.decoders, d)
		rig.mu.Unlock()
		return d
	}
	return rig
}

func (r *testRig) decoder(i int) *fakeTrackDecoder {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.decoders) {
		return nil
	}
	return r.decoders[i]
}

func (r *testRig) decoderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.decoders)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	for start := time.Now(); time.Since(start) < 2*time.Second; {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPlayStartsDecoderAndDrains(t *testing.T) {
	rig := newTestRig()
	defer rig.player.Close()

	if err := rig.player.Play("/music/a - b.mp3", 0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if rig.player.StateInternal() != Playing {
		t.Fatalf("state = %v, want playing", rig.player.StateInternal())
	}
	dec := rig.decoder(0)
	if dec == nil || dec.path != "/music/a - b.mp3" || dec.offset != 0 {
		t.Fatalf("decoder start = %+v", dec)
	}

	dec.queue.PutDropOldest(codec.Frame{Samples: []int16{1, 2, 3}})
	dec.queue.PutDropOldest(codec.Frame{Samples: []int16{4, 5, 6}})
	waitFor(t, "frames drained", func() bool { return rig.sink.frameCount() == 2 })

	dec.queue.PutDropOldest(codec.Frame{EOS: true})
	waitFor(t, "track finish", func() bool { return rig.player.StateInternal() == Stopped })
	if rig.player.Position() != 0 {
		t.Errorf("position after finish = %v, want 0", rig.player.Position())
	}
}

func TestPositionTracksClockAndOffset(t *testing.T) {
	rig := newTestRig()
	defer rig.player.Close()

	if err := rig.player.Play("/music/track.mp3", 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if got := rig.player.Position(); got != 10*time.Second {
		t.Errorf("position at start = %v, want 10s", got)
	}
	rig.clock.Advance(3 * time.Second)
	if got := rig.player.Position(); got != 13*time.Second {
		t.Errorf("position after 3s = %v, want 13s", got)
	}
}

func TestPauseFreezesPositionResumeContinues(t *testing.T) {
	rig := newTestRig()
	defer rig.player.Close()

	rig.player.Play("/music/track.mp3", 0)
	rig.clock.Advance(5 * time.Second)
	if err := rig.player.Pause(PauseManual); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !rig.decoder(0).isStopped() {
		t.Error("pause must stop the decoder")
	}
	if rig.player.StateInternal() != PausedManual {
		t.Errorf("state = %v, want paused", rig.player.StateInternal())
	}

	rig.clock.Advance(30 * time.Second)
	if got := rig.player.Position(); got != 5*time.Second {
		t.Errorf("paused position = %v, want frozen at 5s", got)
	}

	if err := rig.player.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if d := rig.decoder(1); d == nil || d.offset != 5*time.Second {
		t.Fatalf("resume decoder offset = %+v, want 5s", d)
	}
	rig.clock.Advance(2 * time.Second)
	if got := rig.player.Position(); got != 7*time.Second {
		t.Errorf("position after resume = %v, want continuous 7s", got)
	}
}

func TestPauseFromStoppedFails(t *testing.T) {
	rig := newTestRig()
	if err := rig.player.Pause(PauseManual); err == nil {
		t.Fatal("pause while stopped should fail")
	}
	if err := rig.player.Pause("whim"); err == nil {
		t.Fatal("unknown pause source should fail")
	}
}

func TestRepauseRetagsLastWriterWins(t *testing.T) {
	rig := newTestRig()
	defer rig.player.Close()

	rig.player.Play("/music/track.mp3", 0)
	rig.clock.Advance(4 * time.Second)
	rig.player.Pause(PauseSpeech)
	if err := rig.player.Pause(PauseManual); err != nil {
		t.Fatalf("retag pause: %v", err)
	}
	if rig.player.StateInternal() != PausedManual {
		t.Errorf("state = %v, want manual after retag", rig.player.StateInternal())
	}
	if got := rig.player.Position(); got != 4*time.Second {
		t.Errorf("retag changed position to %v", got)
	}

	// Retagged to manual: speech end must not auto-resume.
	rig.player.OnSpeechStop()
	if rig.player.StateInternal() != PausedManual {
		t.Error("speech stop resumed a manual pause")
	}
}

func TestSpeechPauseHiddenAndAutoResumed(t *testing.T) {
	rig := newTestRig()
	defer rig.player.Close()

	rig.player.Play("/music/track.mp3", 0)
	rig.player.OnSpeechStart()
	if rig.player.StateInternal() != PausedForSpeech {
		t.Fatalf("state = %v, want paused-for-speech", rig.player.StateInternal())
	}
	if rig.player.Status() != StatusPlaying {
		t.Error("speech pause must report playing externally")
	}

	rig.player.OnSpeechStop()
	if rig.player.StateInternal() != Playing {
		t.Errorf("state after speech = %v, want playing", rig.player.StateInternal())
	}
}

func TestManualPauseSurvivesSpeech(t *testing.T) {
	rig := newTestRig()
	defer rig.player.Close()

	rig.player.Play("/music/track.mp3", 0)
	rig.player.Pause(PauseManual)
	rig.player.OnSpeechStart()
	rig.player.OnSpeechStop()
	if rig.player.StateInternal() != PausedManual {
		t.Errorf("state = %v, manual pause must never auto-resume", rig.player.StateInternal())
	}
}

func TestPlayDuringSpeechDefers(t *testing.T) {
	rig := newTestRig()
	defer rig.player.Close()

	rig.player.OnSpeechStart()
	if err := rig.player.Play("/music/later.mp3", 8*time.Second); err != nil {
		t.Fatalf("deferred Play: %v", err)
	}
	if rig.player.StateInternal() != DeferredPending {
		t.Fatalf("state = %v, want deferred", rig.player.StateInternal())
	}
	if rig.decoderCount() != 0 {
		t.Fatal("deferred play must not start a decoder")
	}
	if rig.player.Status() != StatusPlaying {
		t.Error("deferred play should report playing externally")
	}

	rig.player.OnSpeechStop()
	waitFor(t, "deferred start", func() bool { return rig.player.StateInternal() == Playing })
	d := rig.decoder(0)
	if d == nil || d.path != "/music/later.mp3" || d.offset != 8*time.Second {
		t.Fatalf("deferred decoder start = %+v", d)
	}
}

func TestSeekRestartsAndClearsSharedQueue(t *testing.T) {
	rig := newTestRig()
	defer rig.player.Close()

	rig.player.Play("/music/track.mp3", 0)
	rig.player.mu.Lock()
	rig.player.duration = 10 * time.Second
	rig.player.mu.Unlock()

	if err := rig.player.Seek(20 * time.Second); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if !rig.decoder(0).isStopped() {
		t.Error("seek must stop the old decoder")
	}
	if rig.sink.clearCalls() == 0 {
		t.Error("seek must flush the shared queue")
	}
	d := rig.decoder(1)
	if d == nil || d.offset != 9*time.Second {
		t.Fatalf("seek decoder offset = %+v, want clamped to 9s", d)
	}
	if got := rig.player.Position(); got != 9*time.Second {
		t.Errorf("position after seek = %v, want 9s", got)
	}
}

func TestSeekWhilePausedFails(t *testing.T) {
	rig := newTestRig()
	defer rig.player.Close()

	rig.player.Play("/music/track.mp3", 0)
	rig.player.Pause(PauseManual)
	if err := rig.player.Seek(time.Second); err == nil {
		t.Fatal("seek while paused should fail")
	}
}

func TestStopResetsEverything(t *testing.T) {
	rig := newTestRig()
	defer rig.player.Close()

	rig.player.Play("/music/track.mp3", 0)
	rig.clock.Advance(3 * time.Second)
	if err := rig.player.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if rig.player.StateInternal() != Stopped {
		t.Errorf("state = %v, want stopped", rig.player.StateInternal())
	}
	if rig.player.Position() != 0 {
		t.Errorf("position = %v, want 0", rig.player.Position())
	}
	if !rig.decoder(0).isStopped() {
		t.Error("stop must stop the decoder")
	}
	if rig.sink.clearCalls() == 0 {
		t.Error("stop must flush the shared queue")
	}
}

func TestPlayReplacesCurrentTrack(t *testing.T) {
	rig := newTestRig()
	defer rig.player.Close()

	rig.player.Play("/music/a.mp3", 0)
	rig.clock.Advance(5 * time.Second)
	if err := rig.player.Play("/music/b.mp3", 0); err != nil {
		t.Fatalf("second Play: %v", err)
	}
	if !rig.decoder(0).isStopped() {
		t.Error("first decoder must be stopped")
	}
	if got := rig.player.Position(); got != 0 {
		t.Errorf("position = %v, want reset for new track", got)
	}
}

// gatedStopDecoder blocks inside Stop until its gate closes, simulating a
// slow ffmpeg teardown.
type gatedStopDecoder struct {
	fakeTrackDecoder
	entered chan struct{} // closed when Stop is reached
	gate    chan struct{}
}

func (g *gatedStopDecoder) Stop() {
	if g.entered != nil {
		close(g.entered)
	}
	if g.gate != nil {
		<-g.gate
	}
	g.fakeTrackDecoder.Stop()
}

func TestOverlappingPlaysLeaveOneSession(t *testing.T) {
	rig := newTestRig()
	defer rig.player.Close()

	gate := make(chan struct{})
	entered := make(chan struct{})
	var decMu sync.Mutex
	var decs []*gatedStopDecoder
	rig.player.newDecoder = func() trackDecoder {
		decMu.Lock()
		defer decMu.Unlock()
		d := &gatedStopDecoder{}
		if len(decs) == 0 {
			d.entered = entered
			d.gate = gate
		}
		decs = append(decs, d)
		return d
	}
	decoderCount := func() int {
		decMu.Lock()
		defer decMu.Unlock()
		return len(decs)
	}

	if err := rig.player.Play("/music/a.mp3", 0); err != nil {
		t.Fatalf("Play a: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		rig.player.Play("/music/b.mp3", 0)
	}()
	<-entered // Play(b) is parked inside a's teardown
	go func() {
		defer wg.Done()
		rig.player.Play("/music/c.mp3", 0)
	}()

	// While b holds the transition, c must wait: no new session may be
	// installed until a's drain task is quiesced.
	time.Sleep(50 * time.Millisecond)
	if n := decoderCount(); n != 1 {
		t.Fatalf("decoders started during blocked teardown = %d, want 1", n)
	}

	close(gate)
	wg.Wait()

	if n := decoderCount(); n != 3 {
		t.Fatalf("decoders = %d, want 3", n)
	}
	decMu.Lock()
	defer decMu.Unlock()
	live := 0
	for _, d := range decs {
		if !d.isStopped() {
			live++
		}
	}
	if live != 1 {
		t.Errorf("live decoders = %d, want exactly 1", live)
	}
	// b acquired the transition first, so c runs last and wins.
	if !decs[1].isStopped() || decs[2].isStopped() {
		t.Errorf("superseded session must be quiesced: b stopped=%v c stopped=%v",
			decs[1].isStopped(), decs[2].isStopped())
	}
}

func TestCloseRejectsTransport(t *testing.T) {
	rig := newTestRig()
	rig.player.Play("/music/track.mp3", 0)
	rig.player.Close()
	if err := rig.player.Play("/music/track.mp3", 0); err == nil {
		t.Fatal("Play after Close should fail")
	}
	if err := rig.player.Resume(); err == nil {
		t.Fatal("Resume after Close should fail")
	}
}

func TestStatusString(t *testing.T) {
	rig := newTestRig()
	defer rig.player.Close()

	if got := rig.player.StatusString(); got != "stopped" {
		t.Errorf("StatusString = %q, want stopped", got)
	}
	rig.player.Play("/music/Miles Davis - So What.mp3", 0)
	rig.player.mu.Lock()
	rig.player.duration = 4 * time.Minute
	rig.player.mu.Unlock()
	rig.clock.Advance(90 * time.Second)

	got := rig.player.StatusString()
	want := "playing: Miles Davis - So What [1:30/4:00]"
	if got != want {
		t.Errorf("StatusString = %q, want %q", got, want)
	}
}
