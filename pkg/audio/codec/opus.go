// ABOUTME: Opus voice codec with the fixed wire geometry
// ABOUTME: Encodes 16 kHz mono capture frames, decodes 24 kHz mono render frames
package codec

import (
	"fmt"

	"github.com/Openhalo-Project/halo-go/pkg/audio"
	"gopkg.in/hraban/opus.v2"
)

// maxPacketSize bounds one encoded frame. Voice frames at these bitrates are
// far smaller; this is the buffer handed to the encoder.
const maxPacketSize = 4000

// Codec wraps a stateful Opus encoder/decoder pair bound to the wire format.
// Encode and Decode are independent directions and may be used from
// different goroutines, but each direction is single-caller.
type Codec struct {
	enc *opus.Encoder
	dec *opus.Decoder

	encBuf []byte
	decBuf []int16
}

// New creates the codec: a VoIP-tuned encoder at the capture rate and a
// decoder at the render rate, both mono.
func New() (*Codec, error) {
	enc, err := opus.NewEncoder(audio.CaptureRate, audio.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	dec, err := opus.NewDecoder(audio.RenderRate, audio.Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &Codec{
		enc:    enc,
		dec:    dec,
		encBuf: make([]byte, maxPacketSize),
		decBuf: make([]int16, audio.RenderFrameSize),
	}, nil
}

// Encode compresses one capture frame. The frame must be exactly
// CaptureFrameSize samples; anything else is rejected so a malformed frame
// never reaches the encoder.
func (c *Codec) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != audio.CaptureFrameSize {
		return nil, fmt.Errorf("encode: frame is %d samples, want %d",
			len(pcm), audio.CaptureFrameSize)
	}
	n, err := c.enc.Encode(pcm, c.encBuf)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	packet := make([]byte, n)
	copy(packet, c.encBuf[:n])
	return packet, nil
}

// Decode expands one packet into a render frame. Opus is self-framing per
// packet, so a malformed packet is dropped by the caller and the next packet
// decodes independently; no resynchronization is needed.
func (c *Codec) Decode(packet []byte) ([]int16, error) {
	if len(packet) == 0 {
		return nil, fmt.Errorf("decode: empty packet")
	}
	n, err := c.dec.Decode(packet, c.decBuf)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	if n != audio.RenderFrameSize {
		return nil, fmt.Errorf("decode: packet yielded %d samples, want %d",
			n, audio.RenderFrameSize)
	}
	pcm := make([]int16, n)
	copy(pcm, c.decBuf[:n])
	return pcm, nil
}
