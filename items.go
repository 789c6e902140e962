package rtrelay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// EventKind tags the values delivered by Session.Events.
type EventKind string

const (
	KindInputAudio EventKind = "input_audio"
	KindResponse   EventKind = "response"
)

// Event is either an *InputAudioItem or a *Response.
type Event interface {
	Kind() EventKind
}

// Response statuses reported by the service.
const (
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusIncomplete = "incomplete"
	StatusFailed     = "failed"
)

// InputAudioItem is a segment of caller audio detected by server VAD. Its
// metadata is final once Wait returns.
type InputAudioItem struct {
	id string

	mu           sync.Mutex
	audioStartMS int
	audioEndMS   int
	transcript   string
	err          error

	done     chan struct{}
	doneOnce sync.Once
}

func newInputAudioItem(id string) *InputAudioItem {
	return &InputAudioItem{id: id, done: make(chan struct{})}
}

func (i *InputAudioItem) Kind() EventKind { return KindInputAudio }
func (i *InputAudioItem) ID() string      { return i.id }

// Done is closed when transcription finished or failed, or the session ended.
func (i *InputAudioItem) Done() <-chan struct{} { return i.done }

// Wait blocks until the item is final. It returns the transcription error,
// if any.
func (i *InputAudioItem) Wait(ctx context.Context) error {
	select {
	case <-i.done:
		i.mu.Lock()
		defer i.mu.Unlock()
		return i.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *InputAudioItem) Transcript() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.transcript
}

// AudioStartMS is the speech start offset in the session's input buffer.
func (i *InputAudioItem) AudioStartMS() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.audioStartMS
}

// AudioEndMS is the speech end offset in the session's input buffer.
func (i *InputAudioItem) AudioEndMS() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.audioEndMS
}

func (i *InputAudioItem) setStart(ms int) {
	i.mu.Lock()
	i.audioStartMS = ms
	i.mu.Unlock()
}

func (i *InputAudioItem) setEnd(ms int) {
	i.mu.Lock()
	i.audioEndMS = ms
	i.mu.Unlock()
}

func (i *InputAudioItem) finish(transcript string, err error) {
	i.doneOnce.Do(func() {
		i.mu.Lock()
		if transcript != "" {
			i.transcript = transcript
		}
		i.err = err
		i.mu.Unlock()
		close(i.done)
	})
}

// Response is one model turn. Items yields its output items in order; once
// that sequence ends, Status is final.
type Response struct {
	id    string
	items *stream[Item]

	mu            sync.Mutex
	status        string
	statusDetails json.RawMessage

	done     chan struct{}
	doneOnce sync.Once

	// dispatcher-owned
	owned []Item
}

func newResponse(id string) *Response {
	return &Response{id: id, items: newStream[Item](), done: make(chan struct{})}
}

func (r *Response) Kind() EventKind { return KindResponse }
func (r *Response) ID() string      { return r.id }

// Items returns the single-pass sequence of output items.
func (r *Response) Items() <-chan Item { return r.items.take() }

// Done is closed when the response reached a terminal status.
func (r *Response) Done() <-chan struct{} { return r.done }

// Status is the terminal status, or "" while in progress.
func (r *Response) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// StatusDetails is the raw status_details object of the response.
func (r *Response) StatusDetails() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusDetails
}

func (r *Response) add(it Item) {
	r.owned = append(r.owned, it)
	r.items.push(it)
}

func (r *Response) finish(status string, details json.RawMessage) {
	r.doneOnce.Do(func() {
		r.mu.Lock()
		r.status = status
		r.statusDetails = details
		r.mu.Unlock()
		for _, it := range r.owned {
			it.finish()
		}
		r.items.close()
		close(r.done)
	})
}

// ItemType tags response items.
type ItemType string

const (
	ItemMessage      ItemType = "message"
	ItemFunctionCall ItemType = "function_call"
)

// Item is a *MessageItem or a *FunctionCallItem.
type Item interface {
	ID() string
	ResponseID() string
	Type() ItemType
	finish()
}

// MessageItem is an assistant message made of content parts.
type MessageItem struct {
	id         string
	responseID string
	parts      *stream[Part]

	owned []Part
}

func newMessageItem(id, responseID string) *MessageItem {
	return &MessageItem{id: id, responseID: responseID, parts: newStream[Part]()}
}

func (m *MessageItem) ID() string         { return m.id }
func (m *MessageItem) ResponseID() string { return m.responseID }
func (m *MessageItem) Type() ItemType     { return ItemMessage }

// Parts returns the single-pass sequence of content parts.
func (m *MessageItem) Parts() <-chan Part { return m.parts.take() }

func (m *MessageItem) add(p Part) {
	m.owned = append(m.owned, p)
	m.parts.push(p)
}

func (m *MessageItem) finish() {
	for _, p := range m.owned {
		p.finish()
	}
	m.parts.close()
}

// FunctionCallItem is a tool invocation requested by the model. Arguments is
// an opaque JSON string, final once Wait returns.
type FunctionCallItem struct {
	id         string
	responseID string
	callID     string
	name       string

	mu   sync.Mutex
	args strings.Builder

	done     chan struct{}
	doneOnce sync.Once
}

func newFunctionCallItem(id, responseID, callID, name string) *FunctionCallItem {
	return &FunctionCallItem{id: id, responseID: responseID, callID: callID, name: name, done: make(chan struct{})}
}

func (f *FunctionCallItem) ID() string         { return f.id }
func (f *FunctionCallItem) ResponseID() string { return f.responseID }
func (f *FunctionCallItem) Type() ItemType     { return ItemFunctionCall }
func (f *FunctionCallItem) CallID() string     { return f.callID }
func (f *FunctionCallItem) Name() string       { return f.name }

// Wait blocks until the arguments are complete.
func (f *FunctionCallItem) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FunctionCallItem) Arguments() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.args.String()
}

func (f *FunctionCallItem) appendArgs(delta string) {
	f.mu.Lock()
	f.args.WriteString(delta)
	f.mu.Unlock()
}

// complete sets the final arguments, when the service sent them, and
// releases waiters.
func (f *FunctionCallItem) complete(final string) {
	f.doneOnce.Do(func() {
		if final != "" {
			f.mu.Lock()
			f.args.Reset()
			f.args.WriteString(final)
			f.mu.Unlock()
		}
		close(f.done)
	})
}

func (f *FunctionCallItem) finish() { f.complete("") }

// PartType tags content parts.
type PartType string

const (
	PartAudio PartType = "audio"
	PartText  PartType = "text"
)

// Part is an *AudioPart or a *TextPart.
type Part interface {
	ItemID() string
	ContentIndex() int
	Type() PartType
	finish()
}

// AudioPart carries two independent chunk sequences: PCM16 audio at 24kHz
// and the spoken transcript. Each may be read once, concurrently with the
// other.
type AudioPart struct {
	itemID     string
	index      int
	audio      *stream[[]byte]
	transcript *stream[string]
}

func newAudioPart(itemID string, index int) *AudioPart {
	return &AudioPart{itemID: itemID, index: index, audio: newStream[[]byte](), transcript: newStream[string]()}
}

func (p *AudioPart) ItemID() string    { return p.itemID }
func (p *AudioPart) ContentIndex() int { return p.index }
func (p *AudioPart) Type() PartType    { return PartAudio }

func (p *AudioPart) AudioChunks() <-chan []byte      { return p.audio.take() }
func (p *AudioPart) TranscriptChunks() <-chan string { return p.transcript.take() }

func (p *AudioPart) finish() {
	p.audio.close()
	p.transcript.close()
}

// TextPart carries a text chunk sequence.
type TextPart struct {
	itemID string
	index  int
	text   *stream[string]
}

func newTextPart(itemID string, index int) *TextPart {
	return &TextPart{itemID: itemID, index: index, text: newStream[string]()}
}

func (p *TextPart) ItemID() string    { return p.itemID }
func (p *TextPart) ContentIndex() int { return p.index }
func (p *TextPart) Type() PartType    { return PartText }

func (p *TextPart) TextChunks() <-chan string { return p.text.take() }

func (p *TextPart) finish() { p.text.close() }
