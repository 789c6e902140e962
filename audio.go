package rtrelay

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// DefaultSampleRate is the PCM16 rate the realtime API expects and produces.
const DefaultSampleRate = 24000

// MaxAppendBytes caps a single input_audio_buffer.append payload.
const MaxAppendBytes = 1 << 20

// PCM16BytesFor returns the byte length of ms milliseconds of mono PCM16,
// rounded down to whole samples.
func PCM16BytesFor(ms int, sampleRate int) int { return ms * sampleRate / 1000 * 2 }

// AppendPCM16 appends 16-bit little-endian mono PCM at 24kHz to the input
// buffer. Empty input is a no-op.
func (c *Client) AppendPCM16(ctx context.Context, pcmLE []byte) error {
	if len(pcmLE) == 0 {
		return nil
	}
	if len(pcmLE)%2 != 0 {
		return NewSendError("input_audio_buffer.append", "", errors.New("PCM16 data must have even number of bytes"))
	}
	if len(pcmLE) > MaxAppendBytes {
		return NewSendError("input_audio_buffer.append", "",
			fmt.Errorf("PCM data too large (%d bytes), maximum is %d bytes", len(pcmLE), MaxAppendBytes))
	}
	_, err := c.send(ctx, "input_audio_buffer.append", map[string]any{
		"audio": base64.StdEncoding.EncodeToString(pcmLE),
	})
	return err
}

// InputCommit commits the input buffer as a user message. Only needed when
// server VAD is off.
func (c *Client) InputCommit(ctx context.Context) error {
	_, err := c.send(ctx, "input_audio_buffer.commit", map[string]any{})
	return err
}

// InputClear discards the uncommitted input buffer.
func (c *Client) InputClear(ctx context.Context) error {
	_, err := c.send(ctx, "input_audio_buffer.clear", map[string]any{})
	return err
}

// WAVFromPCM16Mono wraps mono PCM16 in a 44-byte canonical WAV header.
func WAVFromPCM16Mono(pcm []byte, sampleRate int) []byte {
	const blockAlign = 2
	dataLen := uint32(len(pcm))
	out := make([]byte, 44+len(pcm))

	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], 36+dataLen)
	copy(out[8:], "WAVE")

	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(out[20:], 1)  // PCM
	binary.LittleEndian.PutUint16(out[22:], 1)  // mono
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(sampleRate)*blockAlign)
	binary.LittleEndian.PutUint16(out[32:], blockAlign)
	binary.LittleEndian.PutUint16(out[34:], 16) // bits per sample

	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], dataLen)
	copy(out[44:], pcm)
	return out
}
