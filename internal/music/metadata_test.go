// ABOUTME: Tests for track naming, duration probing, and the library scan
// ABOUTME: Builds a minimal WAV on disk so the probe path is exercised
package music

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseTrackName(t *testing.T) {
	cases := []struct {
		path   string
		artist string
		title  string
	}{
		{"/m/Miles Davis - So What.mp3", "Miles Davis", "So What"},
		{"/m/some song.flac", "", "some song"},
		{"/m/A - B - C.wav", "A", "B - C"},
		{"track.mp3", "", "track"},
	}
	for _, c := range cases {
		artist, title := parseTrackName(c.path)
		if artist != c.artist || title != c.title {
			t.Errorf("parseTrackName(%q) = %q/%q, want %q/%q", c.path, artist, title, c.artist, c.title)
		}
	}
}

// writeWAV creates a PCM WAV file with the given duration of silence.
func writeWAV(t *testing.T, path string, sampleRate int, d time.Duration) {
	t.Helper()
	samples := int(d.Seconds() * float64(sampleRate))
	dataSize := samples * 2 // mono s16

	buf := make([]byte, 44+dataSize)
	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(36+dataSize))
	copy(buf[8:], "WAVE")
	copy(buf[12:], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:], uint32(sampleRate*2)) // byte rate
	binary.LittleEndian.PutUint16(buf[32:], 2)                    // block align
	binary.LittleEndian.PutUint16(buf[34:], 16)                   // bits per sample
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(dataSize))

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestProbeDurationWAV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tone.wav")
	writeWAV(t, path, 24000, 2*time.Second)

	got, err := ProbeDuration(path)
	if err != nil {
		t.Fatalf("ProbeDuration: %v", err)
	}
	if got < 1900*time.Millisecond || got > 2100*time.Millisecond {
		t.Errorf("duration = %v, want about 2s", got)
	}
}

func TestProbeDurationUnknownExtension(t *testing.T) {
	got, err := ProbeDuration("/m/track.ogg")
	if err != nil || got != 0 {
		t.Errorf("ProbeDuration(.ogg) = %v, %v; want 0, nil", got, err)
	}
}

func TestLibraryScanFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	writeWAV(t, filepath.Join(dir, "B Artist - Two.wav"), 16000, time.Second)
	writeWAV(t, filepath.Join(dir, "A Artist - One.wav"), 16000, time.Second)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	lib := NewLibrary(dir)
	tracks, err := lib.Tracks()
	if err != nil {
		t.Fatalf("Tracks: %v", err)
	}
	if len(tracks) != 2 {
		t.Fatalf("tracks = %d, want 2", len(tracks))
	}
	if tracks[0].Artist != "A Artist" || tracks[0].Title != "One" {
		t.Errorf("first track = %+v", tracks[0])
	}
	if tracks[1].Title != "Two" {
		t.Errorf("second track = %+v", tracks[1])
	}
	if tracks[0].Duration == 0 {
		t.Error("scan should probe durations")
	}
}

func TestLibraryScanCaches(t *testing.T) {
	dir := t.TempDir()
	lib := NewLibrary(dir)
	clock := newFakeClock()
	lib.now = clock.Now

	if _, err := lib.Tracks(); err != nil {
		t.Fatal(err)
	}
	writeWAV(t, filepath.Join(dir, "new.wav"), 16000, time.Second)

	// Inside the TTL the stale result is served.
	tracks, _ := lib.Tracks()
	if len(tracks) != 0 {
		t.Fatalf("cached scan returned %d tracks, want 0", len(tracks))
	}

	clock.Advance(scanTTL + time.Second)
	tracks, _ = lib.Tracks()
	if len(tracks) != 1 {
		t.Fatalf("post-TTL scan returned %d tracks, want 1", len(tracks))
	}

	// Refresh bypasses the TTL entirely.
	if err := os.Remove(filepath.Join(dir, "new.wav")); err != nil {
		t.Fatal(err)
	}
	if err := lib.Refresh(); err != nil {
		t.Fatal(err)
	}
	tracks, _ = lib.Tracks()
	if len(tracks) != 0 {
		t.Fatalf("refreshed scan returned %d tracks, want 0", len(tracks))
	}
}

func TestLibraryMissingDirIsEmpty(t *testing.T) {
	lib := NewLibrary("/nonexistent/music-cache")
	tracks, err := lib.Tracks()
	if err != nil {
		t.Fatalf("Tracks on missing dir: %v", err)
	}
	if len(tracks) != 0 {
		t.Errorf("tracks = %d, want 0", len(tracks))
	}
}

func TestTrackString(t *testing.T) {
	tr := Track{Title: "So What", Artist: "Miles Davis", Duration: 9*time.Minute + 22*time.Second}
	if got := tr.String(); got != "Miles Davis - So What (9m22s)" {
		t.Errorf("String = %q", got)
	}
	tr = Track{Title: "untitled"}
	if got := tr.String(); got != "untitled" {
		t.Errorf("String = %q", got)
	}
}
