package rtrelay

import (
	"encoding/json"
	"errors"
)

// Server event type names consumed by the conversation model.
const (
	EventTypeError                   = "error"
	EventSessionCreated              = "session.created"
	EventSessionUpdated              = "session.updated"
	EventRateLimitsUpdated           = "rate_limits.updated"
	EventInputSpeechStarted          = "input_audio_buffer.speech_started"
	EventInputSpeechStopped          = "input_audio_buffer.speech_stopped"
	EventInputCommitted              = "input_audio_buffer.committed"
	EventInputCleared                = "input_audio_buffer.cleared"
	EventItemCreated                 = "conversation.item.created"
	EventInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventInputTranscriptionFailed    = "conversation.item.input_audio_transcription.failed"
	EventResponseCreated             = "response.created"
	EventResponseDone                = "response.done"
	EventOutputItemAdded             = "response.output_item.added"
	EventOutputItemDone              = "response.output_item.done"
	EventContentPartAdded            = "response.content_part.added"
	EventContentPartDone             = "response.content_part.done"
	EventAudioDelta                  = "response.audio.delta"
	EventAudioDone                   = "response.audio.done"
	EventAudioTranscriptDelta        = "response.audio_transcript.delta"
	EventAudioTranscriptDone         = "response.audio_transcript.done"
	EventTextDelta                   = "response.text.delta"
	EventTextDone                    = "response.text.done"
	EventFunctionCallArgumentsDelta  = "response.function_call_arguments.delta"
	EventFunctionCallArgumentsDone   = "response.function_call_arguments.done"
)

// ServerEvent is any decoded event received from the realtime API.
type ServerEvent interface {
	EventType() string
}

// EventHeader is embedded in every server event.
type EventHeader struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

func (h EventHeader) EventType() string { return h.Type }

// PartRef locates a chunk stream inside a response.
type PartRef struct {
	ResponseID   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
}

// APIError is the error payload of an "error" event or a failed transcription.
type APIError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

func (e APIError) Error() string {
	if e.Code != "" {
		return e.Type + " (" + e.Code + "): " + e.Message
	}
	return e.Type + ": " + e.Message
}

// ContentPart is the wire shape of a message content part.
type ContentPart struct {
	Type       string `json:"type"` // "audio", "text", "input_audio", "input_text"
	Text       string `json:"text,omitempty"`
	Audio      string `json:"audio,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// ConversationItem is the wire shape of a conversation item.
type ConversationItem struct {
	ID        string        `json:"id"`
	Object    string        `json:"object,omitempty"`
	Type      string        `json:"type"` // "message", "function_call", "function_call_output"
	Status    string        `json:"status,omitempty"`
	Role      string        `json:"role,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
}

// ResponseObject is the wire shape of a response resource.
type ResponseObject struct {
	ID            string             `json:"id"`
	Object        string             `json:"object,omitempty"`
	Status        string             `json:"status"` // "in_progress", "completed", "cancelled", "incomplete", "failed"
	StatusDetails json.RawMessage    `json:"status_details,omitempty"`
	Output        []ConversationItem `json:"output,omitempty"`
	Usage         json.RawMessage    `json:"usage,omitempty"`
}

type ErrorEvent struct {
	EventHeader
	Error APIError `json:"error"`
}

type SessionCreated struct {
	EventHeader
	Session struct {
		ID         string   `json:"id"`
		Model      string   `json:"model"`
		Modalities []string `json:"modalities,omitempty"`
		Voice      string   `json:"voice,omitempty"`
		ExpiresAt  int64    `json:"expires_at,omitempty"`
	} `json:"session"`
}

type SessionUpdated struct {
	EventHeader
	Session json.RawMessage `json:"session"`
}

type RateLimitsUpdated struct {
	EventHeader
	RateLimits []struct {
		Name         string  `json:"name"`
		Limit        int     `json:"limit"`
		Remaining    int     `json:"remaining"`
		ResetSeconds float64 `json:"reset_seconds"`
	} `json:"rate_limits"`
}

// InputAudioBufferSpeechStarted is sent when server VAD detects speech.
// AudioStartMS is relative to the start of the input buffer.
type InputAudioBufferSpeechStarted struct {
	EventHeader
	AudioStartMS int    `json:"audio_start_ms"`
	ItemID       string `json:"item_id"`
}

type InputAudioBufferSpeechStopped struct {
	EventHeader
	AudioEndMS int    `json:"audio_end_ms"`
	ItemID     string `json:"item_id"`
}

type InputAudioBufferCommitted struct {
	EventHeader
	PreviousItemID string `json:"previous_item_id"`
	ItemID         string `json:"item_id"`
}

type InputAudioBufferCleared struct {
	EventHeader
}

type ConversationItemCreated struct {
	EventHeader
	PreviousItemID string           `json:"previous_item_id"`
	Item           ConversationItem `json:"item"`
}

type InputAudioTranscriptionCompleted struct {
	EventHeader
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Transcript   string `json:"transcript"`
}

type InputAudioTranscriptionFailed struct {
	EventHeader
	ItemID       string   `json:"item_id"`
	ContentIndex int      `json:"content_index"`
	Error        APIError `json:"error"`
}

type ResponseCreated struct {
	EventHeader
	Response ResponseObject `json:"response"`
}

type ResponseDone struct {
	EventHeader
	Response ResponseObject `json:"response"`
}

type ResponseOutputItemAdded struct {
	EventHeader
	ResponseID  string           `json:"response_id"`
	OutputIndex int              `json:"output_index"`
	Item        ConversationItem `json:"item"`
}

type ResponseOutputItemDone struct {
	EventHeader
	ResponseID  string           `json:"response_id"`
	OutputIndex int              `json:"output_index"`
	Item        ConversationItem `json:"item"`
}

type ResponseContentPartAdded struct {
	EventHeader
	PartRef
	Part ContentPart `json:"part"`
}

type ResponseContentPartDone struct {
	EventHeader
	PartRef
	Part ContentPart `json:"part"`
}

// ResponseAudioDelta carries base64 PCM16 audio at 24kHz.
type ResponseAudioDelta struct {
	EventHeader
	PartRef
	Delta string `json:"delta"`
}

type ResponseAudioDone struct {
	EventHeader
	PartRef
}

type ResponseAudioTranscriptDelta struct {
	EventHeader
	PartRef
	Delta string `json:"delta"`
}

type ResponseAudioTranscriptDone struct {
	EventHeader
	PartRef
	Transcript string `json:"transcript"`
}

type ResponseTextDelta struct {
	EventHeader
	PartRef
	Delta string `json:"delta"`
}

type ResponseTextDone struct {
	EventHeader
	PartRef
	Text string `json:"text"`
}

type ResponseFunctionCallArgumentsDelta struct {
	EventHeader
	ResponseID  string `json:"response_id"`
	ItemID      string `json:"item_id"`
	OutputIndex int    `json:"output_index"`
	CallID      string `json:"call_id"`
	Delta       string `json:"delta"`
}

type ResponseFunctionCallArgumentsDone struct {
	EventHeader
	ResponseID  string `json:"response_id"`
	ItemID      string `json:"item_id"`
	OutputIndex int    `json:"output_index"`
	CallID      string `json:"call_id"`
	Arguments   string `json:"arguments"`
}

// UnknownEvent is returned by DecodeServerEvent for types this package does
// not model. Raw keeps the original payload.
type UnknownEvent struct {
	EventHeader
	Raw json.RawMessage `json:"-"`
}

var errMissingType = errors.New("missing event type")

// DecodeServerEvent decodes one server message into its typed event.
func DecodeServerEvent(raw []byte) (ServerEvent, error) {
	var h EventHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, NewEventError("unknown", raw, err)
	}
	if h.Type == "" {
		return nil, NewEventError("unknown", raw, errMissingType)
	}

	var ev ServerEvent
	switch h.Type {
	case EventTypeError:
		ev = &ErrorEvent{}
	case EventSessionCreated:
		ev = &SessionCreated{}
	case EventSessionUpdated:
		ev = &SessionUpdated{}
	case EventRateLimitsUpdated:
		ev = &RateLimitsUpdated{}
	case EventInputSpeechStarted:
		ev = &InputAudioBufferSpeechStarted{}
	case EventInputSpeechStopped:
		ev = &InputAudioBufferSpeechStopped{}
	case EventInputCommitted:
		ev = &InputAudioBufferCommitted{}
	case EventInputCleared:
		ev = &InputAudioBufferCleared{}
	case EventItemCreated:
		ev = &ConversationItemCreated{}
	case EventInputTranscriptionCompleted:
		ev = &InputAudioTranscriptionCompleted{}
	case EventInputTranscriptionFailed:
		ev = &InputAudioTranscriptionFailed{}
	case EventResponseCreated:
		ev = &ResponseCreated{}
	case EventResponseDone:
		ev = &ResponseDone{}
	case EventOutputItemAdded:
		ev = &ResponseOutputItemAdded{}
	case EventOutputItemDone:
		ev = &ResponseOutputItemDone{}
	case EventContentPartAdded:
		ev = &ResponseContentPartAdded{}
	case EventContentPartDone:
		ev = &ResponseContentPartDone{}
	case EventAudioDelta:
		ev = &ResponseAudioDelta{}
	case EventAudioDone:
		ev = &ResponseAudioDone{}
	case EventAudioTranscriptDelta:
		ev = &ResponseAudioTranscriptDelta{}
	case EventAudioTranscriptDone:
		ev = &ResponseAudioTranscriptDone{}
	case EventTextDelta:
		ev = &ResponseTextDelta{}
	case EventTextDone:
		ev = &ResponseTextDone{}
	case EventFunctionCallArgumentsDelta:
		ev = &ResponseFunctionCallArgumentsDelta{}
	case EventFunctionCallArgumentsDone:
		ev = &ResponseFunctionCallArgumentsDone{}
	default:
		return &UnknownEvent{EventHeader: h, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, NewEventError(h.Type, raw, err)
	}
	return ev, nil
}
