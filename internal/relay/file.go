package relay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/enesunal-m/rtrelay"
)

// FileSink persists collected results under Dir:
//
//	<item>_<index>.wav                   audio, PCM16 24kHz mono
//	<item>_<index>.audio_transcript.txt  transcript of the audio
//	<item>_<index>.text.txt              text part
//	<item>.function_call.json            raw call arguments
//
// Keys never repeat within a session, so concurrent writers touch disjoint
// files.
type FileSink struct {
	Dir string
	Log *rtrelay.Logger
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string, log *rtrelay.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &FileSink{Dir: dir, Log: log}, nil
}

func (f *FileSink) partPath(key PartKey, suffix string) string {
	return filepath.Join(f.Dir, fmt.Sprintf("%s_%d.%s", key.ItemID, key.ContentIndex, suffix))
}

func (f *FileSink) write(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	f.Log.Debug("file_written", map[string]any{"path": path, "bytes": len(data)})
	return nil
}

func (f *FileSink) InputAudio(context.Context, InputAudio) error { return nil }

func (f *FileSink) Audio(_ context.Context, res AudioResult) error {
	if err := f.write(f.partPath(res.PartKey, "wav"), rtrelay.WAVFromPCM16Mono(res.PCM, rtrelay.DefaultSampleRate)); err != nil {
		return err
	}
	return f.write(f.partPath(res.PartKey, "audio_transcript.txt"), []byte(res.Transcript))
}

func (f *FileSink) Text(_ context.Context, res TextResult) error {
	return f.write(f.partPath(res.PartKey, "text.txt"), []byte(res.Text))
}

func (f *FileSink) FunctionCall(_ context.Context, res FunctionCallResult) error {
	return f.write(filepath.Join(f.Dir, res.ItemID+".function_call.json"), []byte(res.Arguments))
}

func (f *FileSink) ResponseDone(context.Context, ResponseResult) error { return nil }
