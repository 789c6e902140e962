// Package relay fans the events of one realtime session out to concurrent
// collectors and hands the collected results to a Sink.
//
// A single goroutine receives events in the order the session emits them.
// Every event is handled on its own goroutine, and every item of a response
// on another, so handling completes in no particular order. Collectors of
// different items write disjoint keys (item id and content index), which is
// what lets them run without shared locks.
package relay

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/enesunal-m/rtrelay"
	"github.com/enesunal-m/rtrelay/internal/metrics"
)

// Session is the part of *rtrelay.Session the relay needs.
type Session interface {
	SendAudio(ctx context.Context, pcm []byte) error
	Events() <-chan rtrelay.Event
	Close() error
}

var _ Session = (*rtrelay.Session)(nil)

// Relay drives one session. Create it with New and call Run once.
type Relay struct {
	session Session
	sink    Sink
	stream  StreamSink // nil unless sink forwards deltas

	log             *rtrelay.Logger
	metrics         *metrics.Metrics
	closeOnComplete bool

	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// Option configures a Relay.
type Option func(*Relay)

func WithLogger(l *rtrelay.Logger) Option { return func(r *Relay) { r.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Relay) { r.metrics = m } }

// WithCloseOnComplete controls whether the first completed response closes
// the session. It defaults to true.
func WithCloseOnComplete(v bool) Option { return func(r *Relay) { r.closeOnComplete = v } }

func New(s Session, sink Sink, opts ...Option) *Relay {
	r := &Relay{session: s, sink: sink, closeOnComplete: true}
	if ss, ok := sink.(StreamSink); ok {
		r.stream = ss
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run dispatches events until the session's event sequence ends, then waits
// for every handler. Cancelling ctx closes the session.
func (r *Relay) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { r.closeSession("cancelled") })
	defer stop()

	for ev := range r.session.Events() {
		r.metrics.EventDispatched(string(ev.Kind()))
		switch ev := ev.(type) {
		case *rtrelay.InputAudioItem:
			r.spawn(func() { r.handleInput(ctx, ev) })
		case *rtrelay.Response:
			r.spawn(func() { r.handleResponse(ctx, ev) })
		default:
			r.log.Warn("event_ignored", map[string]any{"kind": ev.Kind()})
		}
	}
	r.wg.Wait()
	r.log.Debug("relay_done", nil)
	return r.closeErr
}

// Close closes the session if the relay has not done so already.
func (r *Relay) Close() error {
	r.closeSession("closed")
	return r.closeErr
}

func (r *Relay) spawn(f func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		f()
	}()
}

func (r *Relay) closeSession(reason string) {
	closed := false
	r.closeOnce.Do(func() {
		closed = true
		r.closeErr = r.session.Close()
		r.metrics.SessionClosed(reason)
		r.log.Info("session_closed", map[string]any{"reason": reason})
	})
	if !closed {
		r.log.Debug("close_skipped", map[string]any{"reason": reason})
	}
}

func (r *Relay) handleInput(ctx context.Context, it *rtrelay.InputAudioItem) {
	err := it.Wait(ctx)
	if ctx.Err() != nil {
		r.log.Debug("input_audio_abandoned", map[string]any{"item_id": it.ID()})
		return
	}
	in := InputAudio{
		ItemID:       it.ID(),
		Transcript:   it.Transcript(),
		AudioStartMS: it.AudioStartMS(),
		AudioEndMS:   it.AudioEndMS(),
		Err:          err,
	}
	r.log.Info("input_audio", map[string]any{
		"item_id":        in.ItemID,
		"transcript":     in.Transcript,
		"audio_start_ms": in.AudioStartMS,
		"audio_end_ms":   in.AudioEndMS,
	})
	r.deliver("input_audio", func() error { return r.sink.InputAudio(ctx, in) })
}

func (r *Relay) handleResponse(ctx context.Context, resp *rtrelay.Response) {
	start := time.Now()
	var items sync.WaitGroup
	for item := range resp.Items() {
		items.Add(1)
		r.spawn(func() {
			defer items.Done()
			r.collectItem(ctx, item)
		})
	}
	<-resp.Done()
	items.Wait()

	status := resp.Status()
	r.metrics.ObserveResponse(time.Since(start).Seconds())
	r.log.Info("response_done", map[string]any{"response_id": resp.ID(), "status": status})
	r.deliver("response_done", func() error {
		return r.sink.ResponseDone(ctx, ResponseResult{ID: resp.ID(), Status: status, StatusDetails: resp.StatusDetails()})
	})

	if status == rtrelay.StatusCompleted && r.closeOnComplete {
		r.closeSession("response_completed")
	}
}

func (r *Relay) collectItem(ctx context.Context, item rtrelay.Item) {
	switch it := item.(type) {
	case *rtrelay.MessageItem:
		var parts sync.WaitGroup
		for part := range it.Parts() {
			parts.Add(1)
			go func() {
				defer parts.Done()
				r.collectPart(ctx, it, part)
			}()
		}
		parts.Wait()
	case *rtrelay.FunctionCallItem:
		if err := it.Wait(ctx); err != nil {
			r.log.Warn("function_call_abandoned", map[string]any{"item_id": it.ID(), "err": err})
			return
		}
		fc := FunctionCallResult{
			ResponseID: it.ResponseID(),
			ItemID:     it.ID(),
			CallID:     it.CallID(),
			Name:       it.Name(),
			Arguments:  it.Arguments(),
		}
		r.deliver("function_call", func() error { return r.sink.FunctionCall(ctx, fc) })
	}
	r.metrics.ItemCollected(string(item.Type()))
}

func (r *Relay) collectPart(ctx context.Context, msg *rtrelay.MessageItem, part rtrelay.Part) {
	key := PartKey{ResponseID: msg.ResponseID(), ItemID: msg.ID(), ContentIndex: part.ContentIndex()}

	switch p := part.(type) {
	case *rtrelay.AudioPart:
		var (
			pcm        []byte
			transcript []byte
			g          errgroup.Group
		)
		g.Go(func() error {
			for chunk := range p.AudioChunks() {
				pcm = append(pcm, chunk...)
				if r.stream != nil {
					r.forward("audio_delta", func() error { return r.stream.AudioDelta(ctx, key, chunk) })
				}
			}
			return nil
		})
		g.Go(func() error {
			for delta := range p.TranscriptChunks() {
				transcript = append(transcript, delta...)
				if r.stream != nil {
					r.forward("transcript_delta", func() error { return r.stream.TranscriptDelta(ctx, key, delta) })
				}
			}
			return nil
		})
		_ = g.Wait()
		res := AudioResult{PartKey: key, PCM: pcm, Transcript: string(transcript)}
		r.log.Debug("audio_collected", map[string]any{"item_id": key.ItemID, "content_index": key.ContentIndex, "bytes": len(pcm)})
		r.deliver("audio", func() error { return r.sink.Audio(ctx, res) })

	case *rtrelay.TextPart:
		var text []byte
		for delta := range p.TextChunks() {
			text = append(text, delta...)
			if r.stream != nil {
				r.forward("text_delta", func() error { return r.stream.TextDelta(ctx, key, delta) })
			}
		}
		res := TextResult{PartKey: key, Text: string(text)}
		r.deliver("text", func() error { return r.sink.Text(ctx, res) })
	}
}

// deliver hands a result to the sink. Sink failures are logged and never
// retried.
func (r *Relay) deliver(what string, f func() error) {
	if err := f(); err != nil {
		r.log.Warn("sink_failed", map[string]any{"result": what, "err": err})
	}
}

func (r *Relay) forward(what string, f func() error) {
	if err := f(); err != nil {
		r.log.Debug("forward_failed", map[string]any{"delta": what, "err": err})
	}
}
