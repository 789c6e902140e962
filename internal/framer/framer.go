// Package framer turns PCM16 audio into the fixed-duration frames the
// realtime API expects: decode, resample to the target rate, and slice.
package framer

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/faiface/beep"

	"github.com/enesunal-m/rtrelay"
)

const (
	// BytesPerSample is the width of a mono PCM16 sample.
	BytesPerSample = 2
	// DefaultChunkDuration is the uplink frame length.
	DefaultChunkDuration = 100 * time.Millisecond

	resampleQuality = 3
)

// Options controls Frame.
type Options struct {
	TargetRate    int           // defaults to rtrelay.DefaultSampleRate
	ChunkDuration time.Duration // defaults to DefaultChunkDuration
}

func (o Options) withDefaults() Options {
	if o.TargetRate <= 0 {
		o.TargetRate = rtrelay.DefaultSampleRate
	}
	if o.ChunkDuration <= 0 {
		o.ChunkDuration = DefaultChunkDuration
	}
	return o
}

// ChunkSize is the byte length of d of mono PCM16 at rate.
func ChunkSize(rate int, d time.Duration) int {
	return rtrelay.PCM16BytesFor(int(d.Milliseconds()), rate)
}

// Frame resamples little-endian PCM16 from rate to opt.TargetRate and slices
// it into chunks of opt.ChunkDuration. Empty input yields no chunks.
func Frame(pcm []byte, rate int, opt Options) [][]byte {
	opt = opt.withDefaults()
	out := Bytes(Resample(Samples(pcm), rate, opt.TargetRate))
	return Chunk(out, ChunkSize(opt.TargetRate, opt.ChunkDuration))
}

// Chunk slices pcm into size-byte chunks. The last chunk may be shorter; it
// is never padded. The chunks alias pcm.
func Chunk(pcm []byte, size int) [][]byte {
	if len(pcm) == 0 || size <= 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(pcm)+size-1)/size)
	for len(pcm) > 0 {
		n := min(size, len(pcm))
		chunks = append(chunks, pcm[:n:n])
		pcm = pcm[n:]
	}
	return chunks
}

// Resample converts samples from rate from to rate to. The result holds
// exactly round(len(samples)*to/from) samples; values beyond the int16 range
// are clipped.
func Resample(samples []int16, from, to int) []int16 {
	if len(samples) == 0 || from <= 0 || to <= 0 {
		return nil
	}
	if from == to {
		return append([]int16(nil), samples...)
	}
	target := int(math.Round(float64(len(samples)) * float64(to) / float64(from)))

	r := beep.Resample(resampleQuality, beep.SampleRate(from), beep.SampleRate(to), &sliceStreamer{data: samples})
	out := make([]int16, 0, target)
	buf := make([][2]float64, 1024)
	for len(out) < target {
		n, ok := r.Stream(buf)
		for i := 0; i < n && len(out) < target; i++ {
			out = append(out, toInt16((buf[i][0]+buf[i][1])/2))
		}
		if !ok {
			break
		}
	}
	// The resampler may end a few samples short of the exact target; hold
	// the last value.
	for len(out) < target {
		var last int16
		if len(out) > 0 {
			last = out[len(out)-1]
		}
		out = append(out, last)
	}
	return out
}

// sliceStreamer feeds mono int16 samples to beep as a stereo stream.
type sliceStreamer struct {
	data []int16
	pos  int
}

func (s *sliceStreamer) Stream(samples [][2]float64) (n int, ok bool) {
	if s.pos >= len(s.data) {
		return 0, false
	}
	for n = range samples {
		if s.pos >= len(s.data) {
			return n, true
		}
		v := float64(s.data[s.pos]) / 32767
		samples[n][0], samples[n][1] = v, v
		s.pos++
	}
	return len(samples), true
}

func (s *sliceStreamer) Err() error { return nil }

func toInt16(v float64) int16 {
	return clip16(math.Round(v * math.MaxInt16))
}

func clip16(x float64) int16 {
	switch {
	case x > math.MaxInt16:
		return math.MaxInt16
	case x < math.MinInt16:
		return math.MinInt16
	}
	return int16(x)
}

// Samples decodes little-endian PCM16. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Bytes encodes samples as little-endian PCM16.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
