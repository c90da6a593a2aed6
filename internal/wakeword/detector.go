// ABOUTME: Wake word detector: consumes capture frames off the audio thread
// ABOUTME: and runs them through a streaming keyword classifier
package wakeword

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Openhalo-Project/halo-go/pkg/audio"
)

const (
	// queueDepth bounds buffered capture frames; overflow drops the oldest.
	queueDepth = audio.PlaybackQueueCapacity

	// debounce suppresses duplicate detections of one utterance.
	debounce = 1500 * time.Millisecond

	// maxConsecutiveErrors is the classifier failure budget before the
	// detector shuts itself down.
	maxConsecutiveErrors = 5
)

// Classifier is a streaming keyword spotter. Model internals are opaque;
// the detector only drives the accept/decode/result cycle.
type Classifier interface {
	AcceptWaveform(sampleRate int, samples []float32) error
	IsReady() bool
	Decode() error
	Result() string
	Reset()
}

// Detector bridges the capture stream to a Classifier. It implements the
// codec's AudioListener, so OnAudioFrame runs on the capture thread and must
// only hand the frame off; all classifier work happens on the Start goroutine.
type Detector struct {
	classifier Classifier
	onDetect   func(keyword string)
	now        func() time.Time

	frames chan []int16

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewDetector creates a detector that calls onDetect for each debounced
// keyword hit.
func NewDetector(classifier Classifier, onDetect func(keyword string)) *Detector {
	return &Detector{
		classifier: classifier,
		onDetect:   onDetect,
		now:        time.Now,
		frames:     make(chan []int16, queueDepth),
	}
}

// OnAudioFrame queues one capture frame, evicting the oldest pending frame
// when the detector falls behind. Never blocks.
func (d *Detector) OnAudioFrame(samples []int16) {
	cp := make([]int16, len(samples))
	copy(cp, samples)
	select {
	case d.frames <- cp:
	default:
		select {
		case <-d.frames:
		default:
		}
		select {
		case d.frames <- cp:
		default:
		}
	}
}

// Start launches the detection loop. Returns an error if already running.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("wake word detector already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true
	go d.run(runCtx)
	return nil
}

// Stop halts the detection loop and waits for it to exit. Idempotent.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	cancel, done := d.cancel, d.done
	d.running = false
	d.mu.Unlock()

	cancel()
	<-done

	// Drop any frames buffered while stopping.
	for {
		select {
		case <-d.frames:
		default:
			return
		}
	}
}

func (d *Detector) run(ctx context.Context) {
	defer close(d.done)
	defer func() {
		d.mu.Lock()
		d.running = false
		d.cancel()
		d.mu.Unlock()
	}()

	scratch := make([]float32, audio.CaptureFrameSize)
	var lastFire time.Time
	errStreak := 0

	for {
		var frame []int16
		select {
		case frame = <-d.frames:
		case <-ctx.Done():
			return
		}

		if len(frame) > len(scratch) {
			scratch = make([]float32, len(frame))
		}
		samples := audio.Int16SliceToFloat32(frame, scratch)

		if err := d.processFrame(samples, &lastFire); err != nil {
			errStreak++
			log.Printf("Wake word classifier error (%d/%d): %v", errStreak, maxConsecutiveErrors, err)
			if errStreak >= maxConsecutiveErrors {
				log.Printf("Wake word detector giving up after %d consecutive errors", errStreak)
				return
			}
			continue
		}
		errStreak = 0
	}
}

// processFrame runs one accept/decode/result cycle. A detection passes the
// debounce gate before firing the callback; the classifier is reset either
// way so one utterance is not reported twice.
func (d *Detector) processFrame(samples []float32, lastFire *time.Time) error {
	if err := d.classifier.AcceptWaveform(audio.CaptureRate, samples); err != nil {
		return fmt.Errorf("accept waveform: %w", err)
	}
	for d.classifier.IsReady() {
		if err := d.classifier.Decode(); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
	}
	keyword := d.classifier.Result()
	if keyword == "" {
		return nil
	}
	d.classifier.Reset()

	now := d.now()
	if !lastFire.IsZero() && now.Sub(*lastFire) < debounce {
		return nil
	}
	*lastFire = now
	log.Printf("Wake word detected: %s", keyword)
	if d.onDetect != nil {
		d.onDetect(keyword)
	}
	return nil
}
