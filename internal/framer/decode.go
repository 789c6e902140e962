package framer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/faiface/beep/wav"

	"github.com/enesunal-m/rtrelay"
)

// Kind selects the container of an input file.
type Kind int

const (
	KindWAV Kind = iota
	// KindRaw is headerless PCM16 mono at rtrelay.DefaultSampleRate.
	KindRaw
)

// Audio is decoded mono PCM16.
type Audio struct {
	PCM        []byte
	SampleRate int
}

// Duration in milliseconds.
func (a Audio) DurationMS() int {
	if a.SampleRate == 0 {
		return 0
	}
	return len(a.PCM) / BytesPerSample * 1000 / a.SampleRate
}

// DecodeFile decodes path, treating ".raw" and ".pcm" files as KindRaw and
// everything else as WAV.
func DecodeFile(path string) (Audio, error) {
	f, err := os.Open(path)
	if err != nil {
		return Audio{}, err
	}
	defer f.Close()

	kind := KindWAV
	switch strings.ToLower(filepath.Ext(path)) {
	case ".raw", ".pcm":
		kind = KindRaw
	}
	a, err := Decode(f, kind)
	if err != nil {
		return Audio{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return a, nil
}

// Decode reads r completely. WAV input of any channel count is mixed down to
// mono.
func Decode(r io.Reader, kind Kind) (Audio, error) {
	switch kind {
	case KindRaw:
		b, err := io.ReadAll(r)
		if err != nil {
			return Audio{}, err
		}
		return Audio{PCM: b[:len(b)&^1], SampleRate: rtrelay.DefaultSampleRate}, nil
	case KindWAV:
		return decodeWAV(r)
	default:
		return Audio{}, fmt.Errorf("unknown audio kind %d", kind)
	}
}

func decodeWAV(r io.Reader) (Audio, error) {
	// wav.Decode seeks when it can; give it a seekable reader.
	rs, ok := r.(io.ReadSeeker)
	if !ok {
		b, err := io.ReadAll(r)
		if err != nil {
			return Audio{}, err
		}
		rs = bytes.NewReader(b)
	}

	s, format, err := wav.Decode(rs)
	if err != nil {
		return Audio{}, err
	}
	defer s.Close()

	var out bytes.Buffer
	if n := s.Len(); n > 0 {
		out.Grow(n * BytesPerSample)
	}
	scale := wavScale(format.Precision)
	buf := make([][2]float64, 1024)
	var sample [2]byte
	for {
		n, ok := s.Stream(buf)
		for i := 0; i < n; i++ {
			v := clip16(math.Round((buf[i][0] + buf[i][1]) / 2 * scale))
			sample[0], sample[1] = byte(v), byte(uint16(v)>>8)
			out.Write(sample[:])
		}
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil && !errors.Is(err, io.EOF) {
		return Audio{}, err
	}
	return Audio{PCM: out.Bytes(), SampleRate: int(format.SampleRate)}, nil
}

// wavScale maps beep's wav samples back to PCM16. The decoder divides 16 and
// 24-bit samples by 1<<16-1 and 1<<24-1, which leaves them within ±0.5; only
// 8-bit samples span ±1.
func wavScale(precision int) float64 {
	if precision == 1 {
		return math.MaxInt16
	}
	return 1<<16 - 1
}
