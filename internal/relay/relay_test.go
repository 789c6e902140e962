package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enesunal-m/rtrelay"
	"github.com/enesunal-m/rtrelay/internal/metrics"
)

// scriptTransport replays server events and swallows client writes.
type scriptTransport struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newScriptTransport(events ...string) *scriptTransport {
	t := &scriptTransport{in: make(chan []byte, 256), closed: make(chan struct{})}
	for _, ev := range events {
		t.in <- []byte(ev)
	}
	return t
}

func (s *scriptTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-s.in:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-s.closed:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *scriptTransport) Write(context.Context, []byte) error { return nil }

func (s *scriptTransport) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptTransport) hangup() { close(s.in) }

type countingSession struct {
	*rtrelay.Session
	closes atomic.Int32
}

func (c *countingSession) Close() error {
	c.closes.Add(1)
	return c.Session.Close()
}

func newSession(t *testing.T, events ...string) (*countingSession, *scriptTransport) {
	t.Helper()
	tr := newScriptTransport(events...)
	s := &countingSession{Session: rtrelay.NewSession(rtrelay.NewClient(tr, rtrelay.Config{}))}
	t.Cleanup(func() { _ = s.Session.Close() })
	return s, tr
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func audioScript(resp, item string) []string {
	ref := `"response_id":"` + resp + `","item_id":"` + item + `","content_index":0`
	return []string{
		`{"type":"response.created","response":{"id":"` + resp + `"}}`,
		`{"type":"response.output_item.added","response_id":"` + resp + `","item":{"id":"` + item + `","type":"message"}}`,
		`{"type":"response.content_part.added",` + ref + `,"part":{"type":"audio"}}`,
		`{"type":"response.audio_transcript.delta",` + ref + `,"delta":"he"}`,
		`{"type":"response.audio.delta",` + ref + `,"delta":"` + b64("AB") + `"}`,
		`{"type":"response.audio_transcript.delta",` + ref + `,"delta":"llo"}`,
		`{"type":"response.audio.delta",` + ref + `,"delta":"not base64!"}`,
		`{"type":"response.audio.delta",` + ref + `,"delta":"` + b64("CD") + `"}`,
		`{"type":"response.audio_transcript.delta",` + ref + `,"delta":" world"}`,
		`{"type":"response.audio.done",` + ref + `}`,
		`{"type":"response.audio_transcript.done",` + ref + `,"transcript":"hello world"}`,
		`{"type":"response.content_part.done",` + ref + `,"part":{"type":"audio"}}`,
		`{"type":"response.output_item.done","response_id":"` + resp + `","item":{"id":"` + item + `","type":"message"}}`,
		`{"type":"response.done","response":{"id":"` + resp + `","status":"completed"}}`,
	}
}

func textAndCallScript() []string {
	return []string{
		`{"type":"response.created","response":{"id":"r2"}}`,
		`{"type":"response.output_item.added","response_id":"r2","item":{"id":"m2","type":"message"}}`,
		`{"type":"response.content_part.added","item_id":"m2","content_index":0,"part":{"type":"text"}}`,
		`{"type":"response.text.delta","item_id":"m2","content_index":0,"delta":"sure, "}`,
		`{"type":"response.text.delta","item_id":"m2","content_index":0,"delta":"searching"}`,
		`{"type":"response.text.done","item_id":"m2","content_index":0,"text":"sure, searching"}`,
		`{"type":"response.content_part.done","item_id":"m2","content_index":0,"part":{"type":"text"}}`,
		`{"type":"response.output_item.done","response_id":"r2","item":{"id":"m2","type":"message"}}`,
		`{"type":"response.output_item.added","response_id":"r2","item":{"id":"fc1","type":"function_call","call_id":"call_1","name":"search"}}`,
		`{"type":"response.function_call_arguments.delta","item_id":"fc1","call_id":"call_1","delta":"{\"query\":"}`,
		`{"type":"response.function_call_arguments.done","item_id":"fc1","call_id":"call_1","arguments":"{\"query\":\"go\"}"}`,
		`{"type":"response.output_item.done","response_id":"r2","item":{"id":"fc1","type":"function_call"}}`,
		`{"type":"response.done","response":{"id":"r2","status":"completed"}}`,
	}
}

// memorySink records every result it receives.
type memorySink struct {
	mu        sync.Mutex
	inputs    []InputAudio
	audio     map[PartKey]AudioResult
	text      map[PartKey]TextResult
	calls     []FunctionCallResult
	responses []ResponseResult
	fail      error
}

func newMemorySink() *memorySink {
	return &memorySink{audio: map[PartKey]AudioResult{}, text: map[PartKey]TextResult{}}
}

func (m *memorySink) InputAudio(_ context.Context, in InputAudio) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, in)
	return m.fail
}

func (m *memorySink) Audio(_ context.Context, res AudioResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio[res.PartKey] = res
	return m.fail
}

func (m *memorySink) Text(_ context.Context, res TextResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text[res.PartKey] = res
	return m.fail
}

func (m *memorySink) FunctionCall(_ context.Context, res FunctionCallResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, res)
	return m.fail
}

func (m *memorySink) ResponseDone(_ context.Context, res ResponseResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, res)
	return m.fail
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []WireMessage
}

func (r *recordingSender) SendJSON(_ context.Context, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, v.(WireMessage))
	return nil
}

func runRelay(t *testing.T, r *Relay) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()
	select {
	case err := <-errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not finish")
		return nil
	}
}

func TestRelayWritesAudioFiles(t *testing.T) {
	s, _ := newSession(t, audioScript("r1", "m1")...)
	dir := t.TempDir()
	fs, err := NewFileSink(dir, nil)
	require.NoError(t, err)

	require.NoError(t, runRelay(t, New(s, fs)))

	wav, err := os.ReadFile(filepath.Join(dir, "m1_0.wav"))
	require.NoError(t, err)
	assert.Equal(t, rtrelay.WAVFromPCM16Mono([]byte("ABCD"), rtrelay.DefaultSampleRate), wav)

	transcript, err := os.ReadFile(filepath.Join(dir, "m1_0.audio_transcript.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(transcript))

	assert.EqualValues(t, 1, s.closes.Load())
}

func TestRelayClosesOnceForTwoCompletedResponses(t *testing.T) {
	script := append(audioScript("r1", "m1"), audioScript("r3", "m3")...)
	s, _ := newSession(t, script...)
	m := metrics.NewWithRegistry(prometheus.NewRegistry())

	require.NoError(t, runRelay(t, New(s, newMemorySink(), WithMetrics(m))))

	assert.EqualValues(t, 1, s.closes.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsClosed.WithLabelValues("response_completed")))
	assert.Equal(t, rtrelay.StateClosed, s.State())
}

func TestRelayTextAndFunctionCall(t *testing.T) {
	s, tr := newSession(t, textAndCallScript()...)
	sink := newMemorySink()
	r := New(s, sink, WithCloseOnComplete(false))

	go func() {
		// Leave time for the response to drain before the service hangs up.
		time.Sleep(200 * time.Millisecond)
		tr.hangup()
	}()
	require.NoError(t, runRelay(t, r))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "sure, searching", sink.text[PartKey{ResponseID: "r2", ItemID: "m2"}].Text)
	require.Len(t, sink.calls, 1)
	assert.Equal(t, FunctionCallResult{
		ResponseID: "r2", ItemID: "fc1", CallID: "call_1", Name: "search", Arguments: `{"query":"go"}`,
	}, sink.calls[0])
	require.Len(t, sink.responses, 1)
	assert.Equal(t, rtrelay.StatusCompleted, sink.responses[0].Status)
	assert.Zero(t, s.closes.Load(), "session must stay open")
}

func TestRelayFunctionCallFile(t *testing.T) {
	s, _ := newSession(t, textAndCallScript()...)
	dir := t.TempDir()
	fs, err := NewFileSink(dir, nil)
	require.NoError(t, err)

	require.NoError(t, runRelay(t, New(s, fs)))

	args, err := os.ReadFile(filepath.Join(dir, "fc1.function_call.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"query":"go"}`, string(args))

	text, err := os.ReadFile(filepath.Join(dir, "m2_0.text.txt"))
	require.NoError(t, err)
	assert.Equal(t, "sure, searching", string(text))
}

func TestRelayInputAudio(t *testing.T) {
	s, tr := newSession(t,
		`{"type":"input_audio_buffer.speech_started","item_id":"in1","audio_start_ms":40}`,
		`{"type":"input_audio_buffer.speech_stopped","item_id":"in1","audio_end_ms":900}`,
		`{"type":"input_audio_buffer.committed","item_id":"in1"}`,
	)
	sink := newMemorySink()
	r := New(s, sink)

	go func() {
		time.Sleep(100 * time.Millisecond)
		tr.hangup()
	}()
	require.NoError(t, runRelay(t, r))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.inputs, 1)
	assert.Equal(t, "in1", sink.inputs[0].ItemID)
	assert.Equal(t, 40, sink.inputs[0].AudioStartMS)
	assert.Equal(t, 900, sink.inputs[0].AudioEndMS)
	assert.NoError(t, sink.inputs[0].Err)
}

func TestRelayCancelClosesSession(t *testing.T) {
	s, _ := newSession(t)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- New(s, newMemorySink()).Run(ctx) }()
	cancel()

	select {
	case <-errc:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop on cancel")
	}
	assert.EqualValues(t, 1, s.closes.Load())
}

func TestRelayCancelSkipsPendingInput(t *testing.T) {
	s, tr := newSession(t)
	// The item waits for a transcript that never arrives.
	require.NoError(t, s.Configure(context.Background(), rtrelay.DefaultSessionConfig()))
	tr.in <- []byte(`{"type":"input_audio_buffer.speech_started","item_id":"in1","audio_start_ms":40}`)
	tr.in <- []byte(`{"type":"input_audio_buffer.committed","item_id":"in1"}`)
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	sink := newMemorySink()
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- New(s, sink, WithMetrics(m)).Run(ctx) }()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.EventsDispatched.WithLabelValues(string(rtrelay.KindInputAudio))) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-errc:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop on cancel")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.inputs)
}

func TestRelaySinkFailureDoesNotStop(t *testing.T) {
	s, _ := newSession(t, audioScript("r1", "m1")...)
	sink := newMemorySink()
	sink.fail = errors.New("disk full")

	require.NoError(t, runRelay(t, New(s, sink)))
	assert.EqualValues(t, 1, s.closes.Load())
	assert.Len(t, sink.responses, 1)
}

func TestRelayForwardsDeltasInOrder(t *testing.T) {
	s, _ := newSession(t, audioScript("r1", "m1")...)
	sender := &recordingSender{}
	mem := newMemorySink()

	require.NoError(t, runRelay(t, New(s, Tee(mem, NewWireSink(sender)))))

	sender.mu.Lock()
	defer sender.mu.Unlock()
	var transcript, audio []string
	for _, m := range sender.msgs {
		switch m.Type {
		case MsgTranscriptDelta:
			transcript = append(transcript, m.Delta)
		case MsgAudioDelta:
			raw, err := base64.StdEncoding.DecodeString(m.Delta)
			require.NoError(t, err)
			audio = append(audio, string(raw))
		}
	}
	assert.Equal(t, []string{"he", "llo", " world"}, transcript)
	assert.Equal(t, []string{"AB", "CD"}, audio)

	last := sender.msgs[len(sender.msgs)-1]
	assert.Equal(t, MsgResponseDone, last.Type)
	assert.Equal(t, rtrelay.StatusCompleted, last.Status)

	assert.Equal(t, "hello world", mem.audio[PartKey{ResponseID: "r1", ItemID: "m1"}].Transcript)
}

func TestWireMessageJSON(t *testing.T) {
	sender := &recordingSender{}
	w := NewWireSink(sender)
	require.NoError(t, w.AudioDelta(context.Background(), PartKey{ItemID: "m1"}, []byte("AB")))

	b, err := json.Marshal(sender.msgs[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"response.audio.delta","delta":"QUI=","item_id":"m1","content_index":0}`, string(b))
}

func TestTeeJoinsErrors(t *testing.T) {
	a, b := newMemorySink(), newMemorySink()
	b.fail = errors.New("boom")
	err := Tee(a, b).Text(context.Background(), TextResult{Text: "x"})
	assert.EqualError(t, err, "boom")
	assert.Len(t, a.text, 1)
}
