package rtrelay

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func newTestSession(t *testing.T) (*Session, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	s := NewSession(NewClient(ft, Config{}))
	t.Cleanup(func() { _ = s.Close() })
	return s, ft
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("events closed early")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func audioResponseScript() []any {
	return []any{
		`{"type":"response.created","response":{"id":"r1","status":"in_progress"}}`,
		`{"type":"response.output_item.added","response_id":"r1","output_index":0,"item":{"id":"m1","type":"message","role":"assistant"}}`,
		`{"type":"response.content_part.added","response_id":"r1","item_id":"m1","output_index":0,"content_index":0,"part":{"type":"audio"}}`,
		`{"type":"response.audio_transcript.delta","response_id":"r1","item_id":"m1","content_index":0,"delta":"he"}`,
		`{"type":"response.audio.delta","response_id":"r1","item_id":"m1","content_index":0,"delta":"` + b64("AB") + `"}`,
		`{"type":"response.audio.delta","response_id":"r1","item_id":"m1","content_index":0,"delta":"%%%not-base64"}`,
		`{"type":"response.audio_transcript.delta","response_id":"r1","item_id":"m1","content_index":0,"delta":"llo"}`,
		`{"type":"response.audio.delta","response_id":"r1","item_id":"m1","content_index":0,"delta":"` + b64("CD") + `"}`,
		`{"type":"response.audio_transcript.delta","response_id":"r1","item_id":"m1","content_index":0,"delta":" world"}`,
		`{"type":"response.audio.done","response_id":"r1","item_id":"m1","content_index":0}`,
		`{"type":"response.audio_transcript.done","response_id":"r1","item_id":"m1","content_index":0,"transcript":"hello world"}`,
		`{"type":"response.content_part.done","response_id":"r1","item_id":"m1","content_index":0,"part":{"type":"audio"}}`,
		`{"type":"response.output_item.done","response_id":"r1","output_index":0,"item":{"id":"m1","type":"message"}}`,
		`{"type":"response.done","response":{"id":"r1","status":"completed"}}`,
	}
}

func TestSessionAudioResponse(t *testing.T) {
	s, ft := newTestSession(t)
	events := s.Events()
	ft.serve(t, audioResponseScript()...)

	resp, ok := nextEvent(t, events).(*Response)
	if !ok {
		t.Fatal("expected *Response")
	}
	if resp.ID() != "r1" || resp.Kind() != KindResponse {
		t.Errorf("unexpected response %s/%s", resp.ID(), resp.Kind())
	}

	items := collect(t, resp.Items())
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	msg, ok := items[0].(*MessageItem)
	if !ok || msg.ResponseID() != "r1" {
		t.Fatalf("expected message item of r1, got %T", items[0])
	}

	parts := collect(t, msg.Parts())
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	audio, ok := parts[0].(*AudioPart)
	if !ok {
		t.Fatalf("expected *AudioPart, got %T", parts[0])
	}

	// Transcript first, then audio: the two sequences are independent.
	transcript := collect(t, audio.TranscriptChunks())
	if strings.Join(transcript, "") != "hello world" || len(transcript) != 3 {
		t.Errorf("unexpected transcript chunks %q", transcript)
	}
	var pcm []byte
	for _, chunk := range collect(t, audio.AudioChunks()) {
		pcm = append(pcm, chunk...)
	}
	if string(pcm) != "ABCD" {
		t.Errorf("expected malformed delta to be dropped, got %q", pcm)
	}

	waitClosed(t, resp.Done(), "response")
	if resp.Status() != StatusCompleted {
		t.Errorf("expected completed, got %q", resp.Status())
	}
}

func TestSessionTextPartAndFunctionCall(t *testing.T) {
	s, ft := newTestSession(t)
	events := s.Events()
	ft.serve(t,
		`{"type":"response.created","response":{"id":"r2"}}`,
		`{"type":"response.output_item.added","response_id":"r2","item":{"id":"m2","type":"message"}}`,
		`{"type":"response.content_part.added","item_id":"m2","content_index":0,"part":{"type":"text"}}`,
		`{"type":"response.text.delta","item_id":"m2","content_index":0,"delta":"sure, "}`,
		`{"type":"response.text.delta","item_id":"m2","content_index":0,"delta":"searching"}`,
		`{"type":"response.text.done","item_id":"m2","content_index":0,"text":"sure, searching"}`,
		`{"type":"response.output_item.done","response_id":"r2","item":{"id":"m2","type":"message"}}`,
		`{"type":"response.output_item.added","response_id":"r2","output_index":1,"item":{"id":"fc1","type":"function_call","call_id":"call_1","name":"search"}}`,
		`{"type":"response.function_call_arguments.delta","item_id":"fc1","call_id":"call_1","delta":"{\"query\":"}`,
		`{"type":"response.function_call_arguments.delta","item_id":"fc1","call_id":"call_1","delta":"\"go\"}"}`,
		`{"type":"response.function_call_arguments.done","item_id":"fc1","call_id":"call_1","arguments":"{\"query\":\"go\"}"}`,
		`{"type":"response.output_item.done","response_id":"r2","item":{"id":"fc1","type":"function_call","arguments":"{\"query\":\"go\"}"}}`,
		`{"type":"response.done","response":{"id":"r2","status":"completed"}}`,
	)

	resp := nextEvent(t, events).(*Response)
	items := collect(t, resp.Items())
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}

	msg := items[0].(*MessageItem)
	parts := collect(t, msg.Parts())
	text, ok := parts[0].(*TextPart)
	if !ok {
		t.Fatalf("expected *TextPart, got %T", parts[0])
	}
	if got := strings.Join(collect(t, text.TextChunks()), ""); got != "sure, searching" {
		t.Errorf("unexpected text %q", got)
	}

	call, ok := items[1].(*FunctionCallItem)
	if !ok {
		t.Fatalf("expected *FunctionCallItem, got %T", items[1])
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := call.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if call.Name() != "search" || call.CallID() != "call_1" || call.Arguments() != `{"query":"go"}` {
		t.Errorf("unexpected call %s/%s/%s", call.Name(), call.CallID(), call.Arguments())
	}
}

func TestSessionInputAudioWithTranscription(t *testing.T) {
	s, ft := newTestSession(t)
	if err := s.Configure(context.Background(), DefaultSessionConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	events := s.Events()
	ft.serve(t,
		`{"type":"input_audio_buffer.speech_started","item_id":"in1","audio_start_ms":120}`,
		`{"type":"input_audio_buffer.speech_stopped","item_id":"in1","audio_end_ms":980}`,
		`{"type":"input_audio_buffer.committed","item_id":"in1"}`,
		`{"type":"conversation.item.input_audio_transcription.completed","item_id":"in1","transcript":"what time is it"}`,
	)

	in, ok := nextEvent(t, events).(*InputAudioItem)
	if !ok {
		t.Fatal("expected *InputAudioItem")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := in.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if in.Transcript() != "what time is it" || in.AudioStartMS() != 120 || in.AudioEndMS() != 980 {
		t.Errorf("unexpected item %q %d-%d", in.Transcript(), in.AudioStartMS(), in.AudioEndMS())
	}
	if got := ft.sentTypes(); len(got) != 1 || got[0] != "session.update" {
		t.Errorf("expected one session.update, got %v", got)
	}
}

func TestSessionInputAudioWithoutTranscription(t *testing.T) {
	s, ft := newTestSession(t)
	events := s.Events()
	ft.serve(t,
		`{"type":"input_audio_buffer.speech_started","item_id":"in1","audio_start_ms":0}`,
		`{"type":"input_audio_buffer.committed","item_id":"in1"}`,
	)

	in := nextEvent(t, events).(*InputAudioItem)
	waitClosed(t, in.Done(), "input item")
	if in.Transcript() != "" {
		t.Errorf("expected no transcript, got %q", in.Transcript())
	}
}

func TestSessionTranscriptionFailed(t *testing.T) {
	s, ft := newTestSession(t)
	s.transcription.Store(true)
	events := s.Events()
	ft.serve(t,
		`{"type":"input_audio_buffer.committed","item_id":"in9"}`,
		`{"type":"conversation.item.input_audio_transcription.failed","item_id":"in9","error":{"type":"server_error","message":"boom"}}`,
	)

	in := nextEvent(t, events).(*InputAudioItem)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var apiErr APIError
	if err := in.Wait(ctx); !errors.As(err, &apiErr) || apiErr.Message != "boom" {
		t.Errorf("expected APIError boom, got %v", err)
	}
}

func TestSessionConnectionLost(t *testing.T) {
	s, ft := newTestSession(t)
	s.transcription.Store(true)
	events := s.Events()
	ft.serve(t,
		`{"type":"input_audio_buffer.committed","item_id":"in1"}`,
		`{"type":"response.created","response":{"id":"r1"}}`,
		`{"type":"response.output_item.added","response_id":"r1","item":{"id":"m1","type":"message"}}`,
		`{"type":"response.content_part.added","item_id":"m1","content_index":0,"part":{"type":"audio"}}`,
		`{"type":"response.audio.delta","item_id":"m1","content_index":0,"delta":"`+b64("xy")+`"}`,
	)
	in := nextEvent(t, events).(*InputAudioItem)
	resp := nextEvent(t, events).(*Response)
	ft.hangup()

	waitClosed(t, s.Done(), "session")
	if _, ok := <-events; ok {
		t.Error("events should be closed after the connection ends")
	}
	if s.State() != StateClosed {
		t.Errorf("expected closed, got %v", s.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := in.Wait(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if resp.Status() != StatusIncomplete {
		t.Errorf("expected incomplete, got %q", resp.Status())
	}

	// Every nested stream must terminate.
	items := collect(t, resp.Items())
	parts := collect(t, items[0].(*MessageItem).Parts())
	audio := parts[0].(*AudioPart)
	if got := collect(t, audio.AudioChunks()); len(got) != 1 || string(got[0]) != "xy" {
		t.Errorf("unexpected chunks %q", got)
	}
	if got := collect(t, audio.TranscriptChunks()); len(got) != 0 {
		t.Errorf("expected no transcript, got %q", got)
	}
}

func TestSessionClose(t *testing.T) {
	s, ft := newTestSession(t)
	if s.State() != StateOpen {
		t.Fatalf("expected open, got %v", s.State())
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Close(); err != nil {
				t.Errorf("close: %v", err)
			}
		}()
	}
	wg.Wait()
	waitClosed(t, s.Done(), "session")

	if s.State() != StateClosed {
		t.Errorf("expected closed, got %v", s.State())
	}
	if err := s.SendAudio(context.Background(), []byte{0, 0}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := s.CancelResponse(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("cancel: expected ErrClosed, got %v", err)
	}
	if err := s.ClearInput(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("clear: expected ErrClosed, got %v", err)
	}
	if len(ft.sent()) != 0 {
		t.Errorf("nothing should have been sent, got %v", ft.sentTypes())
	}
}

func TestSessionSendAudioSplitsLargePayloads(t *testing.T) {
	s, ft := newTestSession(t)
	if err := s.SendAudio(context.Background(), make([]byte, MaxAppendBytes+4)); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	got := ft.sentTypes()
	if len(got) != 2 || got[0] != "input_audio_buffer.append" || got[1] != "input_audio_buffer.append" {
		t.Errorf("expected two appends, got %v", got)
	}
}

func TestSessionTurnControls(t *testing.T) {
	s, ft := newTestSession(t)
	ctx := context.Background()
	if err := s.CancelResponse(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.ClearInput(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got := ft.sentTypes()
	if len(got) != 2 || got[0] != "response.cancel" || got[1] != "input_audio_buffer.clear" {
		t.Errorf("expected cancel then clear, got %v", got)
	}
}

func TestSessionStateString(t *testing.T) {
	tests := map[SessionState]string{
		StateOpen:        "open",
		StateClosing:     "closing",
		StateClosed:      "closed",
		SessionState(42): "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
}
