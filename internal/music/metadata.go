// ABOUTME: Track metadata: duration probing per container format and a
// ABOUTME: cached scan of the local music cache directory
package music

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
)

// scanTTL is how long a directory scan stays fresh.
const scanTTL = 5 * time.Minute

// Track is one playable file in the music cache.
type Track struct {
	Path     string
	Title    string
	Artist   string
	Duration time.Duration
}

func (t Track) String() string {
	name := t.Title
	if t.Artist != "" {
		name = t.Artist + " - " + t.Title
	}
	if t.Duration > 0 {
		return fmt.Sprintf("%s (%s)", name, t.Duration.Round(time.Second))
	}
	return name
}

// ProbeDuration reads just enough of a file to compute its play time.
// Unsupported extensions return zero with no error; the track still plays,
// position display just has no endpoint.
func ProbeDuration(path string) (time.Duration, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return probeMP3(path)
	case ".flac":
		return probeFLAC(path)
	case ".wav":
		return probeWAV(path)
	default:
		return 0, nil
	}
}

func probeMP3(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mp3: %w", err)
	}
	defer f.Close()

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		return 0, fmt.Errorf("parse mp3: %w", err)
	}
	// Length is decoded bytes: 16-bit stereo, 4 bytes per sample frame.
	frames := dec.Length() / 4
	if dec.SampleRate() <= 0 {
		return 0, fmt.Errorf("mp3 reports no sample rate")
	}
	return time.Duration(frames) * time.Second / time.Duration(dec.SampleRate()), nil
}

func probeFLAC(path string) (time.Duration, error) {
	stream, err := flac.Open(path)
	if err != nil {
		return 0, fmt.Errorf("parse flac: %w", err)
	}
	defer stream.Close()

	info := stream.Info
	if info == nil || info.SampleRate == 0 {
		return 0, fmt.Errorf("flac stream has no stream info")
	}
	return time.Duration(info.NSamples) * time.Second / time.Duration(info.SampleRate), nil
}

func probeWAV(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dur, err := dec.Duration()
	if err != nil {
		return 0, fmt.Errorf("parse wav: %w", err)
	}
	return dur, nil
}

// parseTrackName splits the "Artist - Title" filename convention. Files
// without a separator keep the whole stem as the title.
func parseTrackName(path string) (artist, title string) {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if before, after, ok := strings.Cut(stem, " - "); ok {
		return strings.TrimSpace(before), strings.TrimSpace(after)
	}
	return "", stem
}

// Library is a lazily scanned catalog of the music cache directory. Scans
// are cached so repeated status queries do not hammer the filesystem.
type Library struct {
	dir string
	now func() time.Time

	mu      sync.Mutex
	tracks  []Track
	scanned time.Time
}

// NewLibrary creates a catalog over dir. The directory may not exist yet;
// scans of a missing directory yield an empty catalog.
func NewLibrary(dir string) *Library {
	return &Library{dir: dir, now: time.Now}
}

// Tracks returns the catalog, rescanning when the cache is older than five
// minutes.
func (l *Library) Tracks() ([]Track, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.scanned.IsZero() && l.now().Sub(l.scanned) < scanTTL {
		return l.tracks, nil
	}
	if err := l.scanLocked(); err != nil {
		return nil, err
	}
	return l.tracks, nil
}

// Refresh forces a rescan regardless of cache age.
func (l *Library) Refresh() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scanLocked()
}

func (l *Library) scanLocked() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.tracks = nil
			l.scanned = l.now()
			return nil
		}
		return fmt.Errorf("scan music dir: %w", err)
	}

	var tracks []Track
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".mp3", ".flac", ".wav":
		default:
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		artist, title := parseTrackName(path)
		dur, err := ProbeDuration(path)
		if err != nil {
			log.Printf("Duration probe failed for %s: %v", e.Name(), err)
		}
		tracks = append(tracks, Track{Path: path, Title: title, Artist: artist, Duration: dur})
	}
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].Path < tracks[j].Path })

	l.tracks = tracks
	l.scanned = l.now()
	return nil
}
