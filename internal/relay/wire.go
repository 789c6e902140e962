package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
)

// Message types sent to browser clients.
const (
	MsgAudioDelta           = "response.audio.delta"
	MsgTranscriptDelta      = "response.audio_transcript.delta"
	MsgTranscriptDone       = "response.audio_transcript.done"
	MsgTextDelta            = "response.text.delta"
	MsgTextDone             = "response.text.done"
	MsgFunctionCall         = "response.function_call_arguments.done"
	MsgResponseDone         = "response.done"
	MsgInputTranscription   = "conversation.item.input_audio_transcription.completed"
	MsgInputTranscriptError = "conversation.item.input_audio_transcription.failed"
	MsgError                = "error"
)

// WireMessage is the JSON frame exchanged with browser clients.
type WireMessage struct {
	Type         string          `json:"type"`
	Delta        string          `json:"delta,omitempty"`
	ResponseID   string          `json:"response_id,omitempty"`
	ItemID       string          `json:"item_id,omitempty"`
	ContentIndex *int            `json:"content_index,omitempty"`
	Transcript   string          `json:"transcript,omitempty"`
	Text         string          `json:"text,omitempty"`
	CallID       string          `json:"call_id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Arguments    string          `json:"arguments,omitempty"`
	Status       string          `json:"status,omitempty"`
	Details      json.RawMessage `json:"status_details,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Sender writes one JSON frame to a client. Implementations serialize
// concurrent calls.
type Sender interface {
	SendJSON(ctx context.Context, v any) error
}

// WireSink forwards deltas and results to a client connection as they
// arrive.
type WireSink struct {
	sender Sender
}

func NewWireSink(s Sender) *WireSink { return &WireSink{sender: s} }

func (w *WireSink) send(ctx context.Context, m WireMessage) error {
	return w.sender.SendJSON(ctx, m)
}

func partMessage(typ string, key PartKey) WireMessage {
	idx := key.ContentIndex
	return WireMessage{Type: typ, ResponseID: key.ResponseID, ItemID: key.ItemID, ContentIndex: &idx}
}

func (w *WireSink) AudioDelta(ctx context.Context, key PartKey, chunk []byte) error {
	m := partMessage(MsgAudioDelta, key)
	m.Delta = base64.StdEncoding.EncodeToString(chunk)
	return w.send(ctx, m)
}

func (w *WireSink) TranscriptDelta(ctx context.Context, key PartKey, delta string) error {
	m := partMessage(MsgTranscriptDelta, key)
	m.Delta = delta
	return w.send(ctx, m)
}

func (w *WireSink) TextDelta(ctx context.Context, key PartKey, delta string) error {
	m := partMessage(MsgTextDelta, key)
	m.Delta = delta
	return w.send(ctx, m)
}

func (w *WireSink) InputAudio(ctx context.Context, in InputAudio) error {
	if in.Err != nil {
		return w.send(ctx, WireMessage{Type: MsgInputTranscriptError, ItemID: in.ItemID, Error: in.Err.Error()})
	}
	if in.Transcript == "" {
		return nil
	}
	return w.send(ctx, WireMessage{Type: MsgInputTranscription, ItemID: in.ItemID, Transcript: in.Transcript})
}

func (w *WireSink) Audio(ctx context.Context, res AudioResult) error {
	m := partMessage(MsgTranscriptDone, res.PartKey)
	m.Transcript = res.Transcript
	return w.send(ctx, m)
}

func (w *WireSink) Text(ctx context.Context, res TextResult) error {
	m := partMessage(MsgTextDone, res.PartKey)
	m.Text = res.Text
	return w.send(ctx, m)
}

func (w *WireSink) FunctionCall(ctx context.Context, res FunctionCallResult) error {
	return w.send(ctx, WireMessage{
		Type:       MsgFunctionCall,
		ResponseID: res.ResponseID,
		ItemID:     res.ItemID,
		CallID:     res.CallID,
		Name:       res.Name,
		Arguments:  res.Arguments,
	})
}

func (w *WireSink) ResponseDone(ctx context.Context, res ResponseResult) error {
	return w.send(ctx, WireMessage{Type: MsgResponseDone, ResponseID: res.ID, Status: res.Status, Details: res.StatusDetails})
}
