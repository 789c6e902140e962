package rtrelay

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
)

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	StateOpen SessionState = iota
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type partKey struct {
	itemID string
	index  int
}

// Session is one conversation with the realtime service. A single goroutine
// folds the Client's server events into input audio items and responses;
// consumers receive them from Events and drain their chunk streams in any
// order. SendAudio may be called concurrently with event consumption.
type Session struct {
	client *Client
	log    *Logger

	events        *stream[Event]
	state         atomic.Int32
	transcription atomic.Bool

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}

	// dispatcher-owned
	inputs    map[string]*InputAudioItem
	responses map[string]*Response
	messages  map[string]*MessageItem
	calls     map[string]*FunctionCallItem
	parts     map[partKey]Part
}

// Open dials the service, applies sc and returns the running Session. When
// cfg.Retry is set the dial is retried according to it.
func Open(ctx context.Context, cfg Config, sc SessionConfig) (*Session, error) {
	var (
		c   *Client
		err error
	)
	if cfg.Retry != nil {
		c, err = DialWithRetry(ctx, cfg, *cfg.Retry)
	} else {
		c, err = Dial(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}

	s := NewSession(c)
	if err := s.Configure(ctx, sc); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// NewSession starts the conversation model on top of c. The Session owns c
// from now on.
func NewSession(c *Client) *Session {
	s := &Session{
		client:    c,
		log:       c.log,
		events:    newStream[Event](),
		done:      make(chan struct{}),
		inputs:    make(map[string]*InputAudioItem),
		responses: make(map[string]*Response),
		messages:  make(map[string]*MessageItem),
		calls:     make(map[string]*FunctionCallItem),
		parts:     make(map[partKey]Part),
	}
	go s.run()
	return s
}

// Configure sends a session.update. Input items wait for their transcript
// only when sc enables input transcription.
func (s *Session) Configure(ctx context.Context, sc SessionConfig) error {
	s.transcription.Store(sc.InputTranscription != nil)
	return s.client.SessionUpdate(ctx, sc)
}

// SendAudio appends PCM16 24kHz mono audio to the input buffer. Payloads
// larger than MaxAppendBytes are split.
func (s *Session) SendAudio(ctx context.Context, pcm []byte) error {
	if s.State() != StateOpen {
		return ErrClosed
	}
	for len(pcm) > MaxAppendBytes {
		if err := s.client.AppendPCM16(ctx, pcm[:MaxAppendBytes]); err != nil {
			return err
		}
		pcm = pcm[MaxAppendBytes:]
	}
	return s.client.AppendPCM16(ctx, pcm)
}

// CancelResponse cancels the response in progress, if any.
func (s *Session) CancelResponse(ctx context.Context) error {
	if s.State() != StateOpen {
		return ErrClosed
	}
	return s.client.CancelResponse(ctx)
}

// ClearInput discards input audio the service has not committed yet.
func (s *Session) ClearInput(ctx context.Context) error {
	if s.State() != StateOpen {
		return ErrClosed
	}
	return s.client.InputClear(ctx)
}

// Commit commits the input buffer. Only needed without server VAD.
func (s *Session) Commit(ctx context.Context) error {
	return s.client.InputCommit(ctx)
}

// CreateResponse asks for a response outside of server VAD turn taking.
func (s *Session) CreateResponse(ctx context.Context, opts CreateResponseOptions) error {
	_, err := s.client.CreateResponse(ctx, opts)
	return err
}

// Events returns the ordered, single-pass sequence of *InputAudioItem and
// *Response values. It is closed after the connection ends.
func (s *Session) Events() <-chan Event { return s.events.take() }

// Done is closed after the connection ended and every open stream was
// closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Close moves the Session from open through closing to closed. Only the
// first call does any work; later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.log.Info("session_closing", nil)
		s.closeErr = s.client.Close()
		s.state.Store(int32(StateClosed))
	})
	return s.closeErr
}

func (s *Session) run() {
	defer s.finish()
	for ev := range s.client.Events() {
		s.dispatch(ev)
	}
}

// finish releases everything still waiting once the connection is gone.
func (s *Session) finish() {
	for _, it := range s.inputs {
		it.finish("", ErrClosed)
	}
	for _, r := range s.responses {
		r.finish(StatusIncomplete, nil)
	}
	s.events.close()
	if err := s.client.Err(); err != nil {
		s.log.Warn("session_lost", map[string]any{"err": err})
	}
	s.state.Store(int32(StateClosed))
	close(s.done)
}

func (s *Session) dispatch(ev ServerEvent) {
	switch e := ev.(type) {
	case *ErrorEvent:
		s.log.Error("server_error", map[string]any{"type": e.Error.Type, "code": e.Error.Code, "message": e.Error.Message})
	case *SessionCreated:
		s.log.Info("session_created", map[string]any{"session_id": e.Session.ID, "model": e.Session.Model})
	case *SessionUpdated:
		s.log.Debug("session_updated", nil)

	case *InputAudioBufferSpeechStarted:
		s.input(e.ItemID).setStart(e.AudioStartMS)
	case *InputAudioBufferSpeechStopped:
		s.input(e.ItemID).setEnd(e.AudioEndMS)
	case *InputAudioBufferCommitted:
		it := s.input(e.ItemID)
		if !s.transcription.Load() {
			it.finish("", nil)
			delete(s.inputs, e.ItemID)
		}
	case *InputAudioTranscriptionCompleted:
		s.input(e.ItemID).finish(e.Transcript, nil)
		delete(s.inputs, e.ItemID)
	case *InputAudioTranscriptionFailed:
		s.input(e.ItemID).finish("", e.Error)
		delete(s.inputs, e.ItemID)

	case *ResponseCreated:
		r := newResponse(e.Response.ID)
		s.responses[r.id] = r
		s.events.push(r)
	case *ResponseOutputItemAdded:
		s.addItem(e)
	case *ResponseContentPartAdded:
		s.addPart(e)

	case *ResponseAudioDelta:
		p := s.audioPart(e.PartRef)
		if p == nil {
			return
		}
		b, err := base64.StdEncoding.DecodeString(e.Delta)
		if err != nil {
			s.log.Warn("audio_delta_dropped", map[string]any{"item_id": e.ItemID, "err": err})
			return
		}
		p.audio.push(b)
	case *ResponseAudioDone:
		if p := s.audioPart(e.PartRef); p != nil {
			p.audio.close()
		}
	case *ResponseAudioTranscriptDelta:
		if p := s.audioPart(e.PartRef); p != nil {
			p.transcript.push(e.Delta)
		}
	case *ResponseAudioTranscriptDone:
		if p := s.audioPart(e.PartRef); p != nil {
			p.transcript.close()
		}
	case *ResponseTextDelta:
		if p := s.textPart(e.PartRef); p != nil {
			p.text.push(e.Delta)
		}
	case *ResponseTextDone:
		if p := s.textPart(e.PartRef); p != nil {
			p.text.close()
		}
	case *ResponseContentPartDone:
		key := partKey{e.ItemID, e.ContentIndex}
		if p, ok := s.parts[key]; ok {
			p.finish()
			delete(s.parts, key)
		}

	case *ResponseFunctionCallArgumentsDelta:
		if f, ok := s.calls[e.ItemID]; ok {
			f.appendArgs(e.Delta)
		}
	case *ResponseFunctionCallArgumentsDone:
		if f, ok := s.calls[e.ItemID]; ok {
			f.complete(e.Arguments)
		}
	case *ResponseOutputItemDone:
		s.finishItem(e.Item)

	case *ResponseDone:
		r, ok := s.responses[e.Response.ID]
		if !ok {
			s.log.Warn("unknown_response", map[string]any{"response_id": e.Response.ID})
			return
		}
		for _, it := range r.owned {
			s.forget(it)
		}
		r.finish(e.Response.Status, e.Response.StatusDetails)
		delete(s.responses, r.id)
		s.log.Debug("response_done", map[string]any{"response_id": r.id, "status": e.Response.Status})
	}
}

// input returns the item for id, announcing it on first sight.
func (s *Session) input(id string) *InputAudioItem {
	if it, ok := s.inputs[id]; ok {
		return it
	}
	it := newInputAudioItem(id)
	s.inputs[id] = it
	s.events.push(it)
	return it
}

func (s *Session) addItem(e *ResponseOutputItemAdded) {
	r, ok := s.responses[e.ResponseID]
	if !ok {
		s.log.Warn("unknown_response", map[string]any{"response_id": e.ResponseID, "item_id": e.Item.ID})
		return
	}
	switch ItemType(e.Item.Type) {
	case ItemMessage:
		m := newMessageItem(e.Item.ID, r.id)
		s.messages[m.id] = m
		r.add(m)
	case ItemFunctionCall:
		f := newFunctionCallItem(e.Item.ID, r.id, e.Item.CallID, e.Item.Name)
		s.calls[f.id] = f
		r.add(f)
	default:
		s.log.Debug("item_ignored", map[string]any{"item_id": e.Item.ID, "type": e.Item.Type})
	}
}

func (s *Session) addPart(e *ResponseContentPartAdded) {
	m, ok := s.messages[e.ItemID]
	if !ok {
		s.log.Warn("unknown_item", map[string]any{"item_id": e.ItemID})
		return
	}
	var p Part
	switch PartType(e.Part.Type) {
	case PartAudio:
		p = newAudioPart(e.ItemID, e.ContentIndex)
	case PartText:
		p = newTextPart(e.ItemID, e.ContentIndex)
	default:
		s.log.Debug("part_ignored", map[string]any{"item_id": e.ItemID, "type": e.Part.Type})
		return
	}
	s.parts[partKey{e.ItemID, e.ContentIndex}] = p
	m.add(p)
}

func (s *Session) audioPart(ref PartRef) *AudioPart {
	p, _ := s.parts[partKey{ref.ItemID, ref.ContentIndex}].(*AudioPart)
	if p == nil {
		s.log.Debug("delta_without_part", map[string]any{"item_id": ref.ItemID, "content_index": ref.ContentIndex})
	}
	return p
}

func (s *Session) textPart(ref PartRef) *TextPart {
	p, _ := s.parts[partKey{ref.ItemID, ref.ContentIndex}].(*TextPart)
	if p == nil {
		s.log.Debug("delta_without_part", map[string]any{"item_id": ref.ItemID, "content_index": ref.ContentIndex})
	}
	return p
}

func (s *Session) finishItem(item ConversationItem) {
	if m, ok := s.messages[item.ID]; ok {
		s.forget(m)
		m.finish()
		return
	}
	if f, ok := s.calls[item.ID]; ok {
		f.complete(item.Arguments)
		delete(s.calls, item.ID)
	}
}

func (s *Session) forget(it Item) {
	switch it := it.(type) {
	case *MessageItem:
		for _, p := range it.owned {
			delete(s.parts, partKey{p.ItemID(), p.ContentIndex()})
		}
		delete(s.messages, it.id)
	case *FunctionCallItem:
		delete(s.calls, it.id)
	}
}
