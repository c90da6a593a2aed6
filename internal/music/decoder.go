// ABOUTME: Music decoder: ffmpeg subprocess producing wire-format PCM frames
// ABOUTME: with dual rate limiting (queue occupancy and wall clock)
package music

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/Openhalo-Project/halo-go/internal/codec"
	"github.com/Openhalo-Project/halo-go/pkg/audio"
)

// ErrDecoderUnavailable indicates ffmpeg is not installed or not on PATH.
var ErrDecoderUnavailable = errors.New("ffmpeg not available")

// killGrace is how long Stop waits for ffmpeg to exit after SIGTERM.
const killGrace = 2 * time.Second

// pacingDelay computes how long the decode loop should sleep before pushing
// the next frame. Occupancy throttles against the consumer; the wall-clock
// deficit keeps a fast decoder near real time even when the queue is drained
// aggressively. The applied delay is the larger of the two.
func pacingDelay(occupancy float64, framesProduced int, elapsed time.Duration) time.Duration {
	var occDelay time.Duration
	switch {
	case occupancy < 0.3:
		occDelay = 0
	case occupancy < 0.7:
		occDelay = 30 * time.Millisecond
	default:
		occDelay = 60 * time.Millisecond
	}

	expected := time.Duration(framesProduced) * audio.FrameDuration
	clockDelay := expected - elapsed
	if clockDelay < 0 {
		clockDelay = 0
	}

	if clockDelay > occDelay {
		return clockDelay
	}
	return occDelay
}

// Decoder runs one ffmpeg process and feeds its PCM output into a frame
// queue. A Decoder decodes a single file; create a new one per track.
type Decoder struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{} // reader goroutine exited
	waited chan struct{} // cmd.Wait returned
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) bool
}

// NewDecoder creates an idle decoder.
func NewDecoder() *Decoder {
	return &Decoder{now: time.Now, sleep: sleepCtx}
}

// sleepCtx sleeps for d, returning false if ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Start spawns ffmpeg for path at the given offset and begins pushing frames
// into queue. The final frame is an EOS sentinel. Startup errors (missing
// file, missing binary, spawn failure) are returned synchronously; a decoder
// dying mid-stream is treated as a natural end of file.
func (d *Decoder) Start(ctx context.Context, path string, queue *codec.FrameQueue, offset time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd != nil {
		return fmt.Errorf("decoder already running")
	}

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("music file: %w", err)
	}
	ffmpeg, err := exec.LookPath("ffmpeg")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecoderUnavailable, err)
	}

	args := []string{}
	if offset > 0 {
		args = append(args, "-ss", strconv.FormatFloat(offset.Seconds(), 'f', 3, 64))
	}
	args = append(args,
		"-i", path,
		"-f", "s16le",
		"-ar", strconv.Itoa(audio.RenderRate),
		"-ac", strconv.Itoa(audio.Channels),
		"-loglevel", "error",
		"-",
	)

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.Command(ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	log.Printf("Decoding %s at offset %s", path, offset)

	d.cmd = cmd
	d.cancel = cancel
	d.done = make(chan struct{})
	d.waited = make(chan struct{})

	go func() {
		defer close(d.waited)
		if err := cmd.Wait(); err != nil && runCtx.Err() == nil {
			msg := stderr.String()
			if msg != "" {
				log.Printf("ffmpeg exited: %v: %s", err, msg)
			} else {
				log.Printf("ffmpeg exited: %v", err)
			}
		}
	}()
	go d.readLoop(runCtx, stdout, queue)
	return nil
}

// readLoop pulls frame-size chunks from ffmpeg until EOF or cancellation.
func (d *Decoder) readLoop(ctx context.Context, stdout io.Reader, queue *codec.FrameQueue) {
	defer close(d.done)

	frameBytes := audio.RenderFrameSize * 2
	buf := make([]byte, frameBytes)
	start := d.now()
	produced := 0

	for ctx.Err() == nil {
		n, err := io.ReadFull(stdout, buf)
		if n > 0 {
			frame := codec.Frame{Samples: bytesToPCM(buf[:n])}
			produced++

			delay := pacingDelay(
				float64(queue.Len())/float64(queue.Cap()),
				produced,
				d.now().Sub(start),
			)
			if delay > 0 && !d.sleep(ctx, delay) {
				return
			}
			if perr := d.push(ctx, queue, frame); perr != nil {
				return
			}
		}
		if err != nil {
			// EOF and a dying decoder look the same from here.
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && ctx.Err() == nil {
				log.Printf("Decoder read error: %v", err)
			}
			d.push(ctx, queue, codec.Frame{EOS: true})
			return
		}
	}
}

// push enqueues one frame, retrying on a transiently full queue until the
// context ends. Music frames are never dropped.
func (d *Decoder) push(ctx context.Context, queue *codec.FrameQueue, f codec.Frame) error {
	for {
		err := queue.Put(ctx, f, time.Second)
		if err == nil {
			return nil
		}
		if !errors.Is(err, codec.ErrQueueFull) {
			return err
		}
	}
}

// Stop cancels the reader, asks ffmpeg to exit, and escalates to SIGKILL if
// it lingers past the grace period. Waits for the reader to finish so the
// queue has no concurrent writer once Stop returns. Idempotent.
func (d *Decoder) Stop() {
	d.mu.Lock()
	cmd, cancel, done, waited := d.cmd, d.cancel, d.done, d.waited
	d.cmd, d.cancel, d.done, d.waited = nil, nil, nil, nil
	d.mu.Unlock()
	if cmd == nil {
		return
	}

	cancel()
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Printf("Warning: signaling ffmpeg: %v", err)
	}
	select {
	case <-waited:
	case <-time.After(killGrace):
		log.Printf("ffmpeg did not exit after %s, killing", killGrace)
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Printf("Warning: killing ffmpeg: %v", err)
		}
		<-waited
	}
	<-done
}

// Done reports a channel closed when the decode goroutine has finished.
// Returns nil if the decoder was never started.
func (d *Decoder) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// bytesToPCM converts little-endian s16le bytes to samples. A trailing odd
// byte is discarded.
func bytesToPCM(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	return samples
}
