package rtrelay

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// SessionConfig is the payload of a session.update request.
type SessionConfig struct {
	// Voice used for audio responses: "alloy", "echo", "shimmer", ...
	Voice *string `json:"voice,omitempty"`

	// Instructions play the role of a system message.
	Instructions *string `json:"instructions,omitempty"`

	// Modalities the model may answer in: "text", "audio".
	Modalities []string `json:"modalities,omitempty"`

	// InputAudioFormat / OutputAudioFormat: "pcm16" (24kHz mono), "g711_ulaw", "g711_alaw".
	InputAudioFormat  *string `json:"input_audio_format,omitempty"`
	OutputAudioFormat *string `json:"output_audio_format,omitempty"`

	// InputTranscription turns on transcription of the caller's audio.
	InputTranscription *InputTranscription `json:"input_audio_transcription,omitempty"`

	// TurnDetection configures server-side voice activity detection.
	TurnDetection *TurnDetection `json:"turn_detection,omitempty"`

	Tools []any `json:"tools,omitempty"`
}

// InputTranscription configures speech-to-text of the input buffer.
type InputTranscription struct {
	Model    string  `json:"model,omitempty"`
	Language string  `json:"language,omitempty"`
	Prompt   *string `json:"prompt,omitempty"`
}

// TurnDetection configures server VAD.
type TurnDetection struct {
	Type              string  `json:"type"`                          // "server_vad"
	Threshold         float64 `json:"threshold,omitempty"`           // activation threshold, 0.0-1.0
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`   // audio kept before detected speech
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"` // silence that ends a turn
	CreateResponse    *bool   `json:"create_response,omitempty"`
	InterruptResponse *bool   `json:"interrupt_response,omitempty"`
}

// DefaultSessionConfig is the configuration applied to every relayed
// session: server VAD with threshold 0.5, 300ms prefix padding, 200ms of
// silence to end a turn, and whisper-1 input transcription.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMS:   300,
			SilenceDurationMS: 200,
		},
		InputTranscription: &InputTranscription{Model: "whisper-1"},
	}
}

// SessionUpdate sends a session.update request.
func (c *Client) SessionUpdate(ctx context.Context, s SessionConfig) error {
	if err := ValidateSessionConfig(s); err != nil {
		return NewSendError("session.update", "", err)
	}
	_, err := c.send(ctx, "session.update", map[string]any{"session": s})
	return err
}

var (
	validVoices       = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}
	validAudioFormats = []string{"pcm16", "g711_ulaw", "g711_alaw"}
	validModalities   = []string{"text", "audio"}
)

// ValidateSessionConfig rejects values the service would refuse.
func ValidateSessionConfig(s SessionConfig) error {
	if s.Voice != nil && !slices.Contains(validVoices, *s.Voice) {
		return fmt.Errorf("invalid voice %q, must be one of: %v", *s.Voice, validVoices)
	}
	if s.InputAudioFormat != nil && !slices.Contains(validAudioFormats, *s.InputAudioFormat) {
		return fmt.Errorf("invalid input audio format %q, must be one of: %v", *s.InputAudioFormat, validAudioFormats)
	}
	if s.OutputAudioFormat != nil && !slices.Contains(validAudioFormats, *s.OutputAudioFormat) {
		return fmt.Errorf("invalid output audio format %q, must be one of: %v", *s.OutputAudioFormat, validAudioFormats)
	}
	for _, m := range s.Modalities {
		if !slices.Contains(validModalities, m) {
			return fmt.Errorf("invalid modality %q, must be 'text' or 'audio'", m)
		}
	}

	if td := s.TurnDetection; td != nil {
		if td.Type == "" {
			return errors.New("turn detection type cannot be empty")
		}
		if td.Type != "server_vad" {
			return fmt.Errorf("invalid turn detection type %q, must be 'server_vad'", td.Type)
		}
		if td.Threshold < 0.0 || td.Threshold > 1.0 {
			return fmt.Errorf("turn detection threshold must be between 0.0 and 1.0, got %f", td.Threshold)
		}
		if td.PrefixPaddingMS < 0 {
			return fmt.Errorf("prefix padding must be non-negative, got %d", td.PrefixPaddingMS)
		}
		if td.SilenceDurationMS < 0 {
			return fmt.Errorf("silence duration must be non-negative, got %d", td.SilenceDurationMS)
		}
	}

	if s.InputTranscription != nil && s.InputTranscription.Model == "" {
		return errors.New("input transcription model cannot be empty")
	}
	if s.Instructions != nil && len(*s.Instructions) > 10000 {
		return fmt.Errorf("instructions too long (%d characters), maximum is 10000", len(*s.Instructions))
	}
	return nil
}
