package relay

import (
	"context"
	"encoding/json"
	"errors"
)

// PartKey names one content part. It is unique within a session, so
// collectors keyed by it never collide.
type PartKey struct {
	ResponseID   string
	ItemID       string
	ContentIndex int
}

// InputAudio is a finalized segment of caller speech.
type InputAudio struct {
	ItemID       string
	Transcript   string
	AudioStartMS int
	AudioEndMS   int
	Err          error // transcription failure, if any
}

// AudioResult is a fully drained audio part: PCM16 24kHz mono and its
// transcript.
type AudioResult struct {
	PartKey
	PCM        []byte
	Transcript string
}

type TextResult struct {
	PartKey
	Text string
}

// FunctionCallResult carries the call's arguments verbatim. They are not
// validated or executed.
type FunctionCallResult struct {
	ResponseID string
	ItemID     string
	CallID     string
	Name       string
	Arguments  string
}

type ResponseResult struct {
	ID            string
	Status        string
	StatusDetails json.RawMessage
}

// Sink receives collected results. Methods are called concurrently from
// different collectors, never twice for the same key.
type Sink interface {
	InputAudio(ctx context.Context, in InputAudio) error
	Audio(ctx context.Context, res AudioResult) error
	Text(ctx context.Context, res TextResult) error
	FunctionCall(ctx context.Context, res FunctionCallResult) error
	ResponseDone(ctx context.Context, res ResponseResult) error
}

// StreamSink is implemented by sinks that also want each chunk as it
// arrives. Deltas of one part arrive in order.
type StreamSink interface {
	AudioDelta(ctx context.Context, key PartKey, chunk []byte) error
	TranscriptDelta(ctx context.Context, key PartKey, delta string) error
	TextDelta(ctx context.Context, key PartKey, delta string) error
}

// Tee fans every result out to all sinks. Deltas go to the members that
// implement StreamSink.
func Tee(sinks ...Sink) Sink { return tee(sinks) }

type tee []Sink

func (t tee) each(f func(Sink) error) error {
	var errs []error
	for _, s := range t {
		if err := f(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t tee) eachStream(f func(StreamSink) error) error {
	return t.each(func(s Sink) error {
		if ss, ok := s.(StreamSink); ok {
			return f(ss)
		}
		return nil
	})
}

func (t tee) InputAudio(ctx context.Context, in InputAudio) error {
	return t.each(func(s Sink) error { return s.InputAudio(ctx, in) })
}

func (t tee) Audio(ctx context.Context, res AudioResult) error {
	return t.each(func(s Sink) error { return s.Audio(ctx, res) })
}

func (t tee) Text(ctx context.Context, res TextResult) error {
	return t.each(func(s Sink) error { return s.Text(ctx, res) })
}

func (t tee) FunctionCall(ctx context.Context, res FunctionCallResult) error {
	return t.each(func(s Sink) error { return s.FunctionCall(ctx, res) })
}

func (t tee) ResponseDone(ctx context.Context, res ResponseResult) error {
	return t.each(func(s Sink) error { return s.ResponseDone(ctx, res) })
}

func (t tee) AudioDelta(ctx context.Context, key PartKey, chunk []byte) error {
	return t.eachStream(func(s StreamSink) error { return s.AudioDelta(ctx, key, chunk) })
}

func (t tee) TranscriptDelta(ctx context.Context, key PartKey, delta string) error {
	return t.eachStream(func(s StreamSink) error { return s.TranscriptDelta(ctx, key, delta) })
}

func (t tee) TextDelta(ctx context.Context, key PartKey, delta string) error {
	return t.eachStream(func(s StreamSink) error { return s.TextDelta(ctx, key, delta) })
}
