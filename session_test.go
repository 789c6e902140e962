package rtrelay

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestValidateSessionConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  SessionConfig
		wantErr bool
	}{
		{"default", DefaultSessionConfig(), false},
		{"empty", SessionConfig{}, false},
		{"valid voice", SessionConfig{Voice: Ptr("alloy")}, false},
		{"invalid voice", SessionConfig{Voice: Ptr("robot")}, true},
		{"invalid input format", SessionConfig{InputAudioFormat: Ptr("mp3")}, true},
		{"invalid output format", SessionConfig{OutputAudioFormat: Ptr("flac")}, true},
		{"invalid modality", SessionConfig{Modalities: []string{"video"}}, true},
		{"empty vad type", SessionConfig{TurnDetection: &TurnDetection{}}, true},
		{"unknown vad type", SessionConfig{TurnDetection: &TurnDetection{Type: "client_vad"}}, true},
		{"threshold too high", SessionConfig{TurnDetection: &TurnDetection{Type: "server_vad", Threshold: 1.5}}, true},
		{"negative padding", SessionConfig{TurnDetection: &TurnDetection{Type: "server_vad", PrefixPaddingMS: -1}}, true},
		{"negative silence", SessionConfig{TurnDetection: &TurnDetection{Type: "server_vad", SilenceDurationMS: -1}}, true},
		{"empty transcription model", SessionConfig{InputTranscription: &InputTranscription{}}, true},
		{"long instructions", SessionConfig{Instructions: Ptr(strings.Repeat("x", 10001))}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionConfig(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultSessionConfig(t *testing.T) {
	cfg := DefaultSessionConfig()
	td := cfg.TurnDetection
	if td == nil || td.Type != "server_vad" || td.Threshold != 0.5 || td.PrefixPaddingMS != 300 || td.SilenceDurationMS != 200 {
		t.Errorf("unexpected turn detection %+v", td)
	}
	if cfg.InputTranscription == nil || cfg.InputTranscription.Model != "whisper-1" {
		t.Errorf("unexpected transcription %+v", cfg.InputTranscription)
	}
}

func TestSessionUpdatePayload(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(ft, Config{})
	defer c.Close()

	if err := c.SessionUpdate(context.Background(), DefaultSessionConfig()); err != nil {
		t.Fatalf("session update: %v", err)
	}
	sent := ft.sent()
	session, ok := sent[0]["session"].(map[string]any)
	if !ok {
		t.Fatalf("missing session payload: %v", sent[0])
	}
	td := session["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" || td["silence_duration_ms"] != float64(200) {
		t.Errorf("unexpected turn_detection %v", td)
	}
	if _, ok := session["voice"]; ok {
		t.Error("unset voice should be omitted")
	}
}

func TestSessionUpdateRejectsInvalid(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(ft, Config{})
	defer c.Close()

	err := c.SessionUpdate(context.Background(), SessionConfig{Voice: Ptr("robot")})
	var sendErr *SendError
	if !errors.As(err, &sendErr) || sendErr.EventType != "session.update" {
		t.Fatalf("expected SendError for session.update, got %v", err)
	}
	if len(ft.sent()) != 0 {
		t.Error("invalid config must not be sent")
	}
}

func TestValidateCreateResponseOptions(t *testing.T) {
	tests := []struct {
		name    string
		opts    CreateResponseOptions
		wantErr bool
	}{
		{"empty", CreateResponseOptions{}, false},
		{"text and audio", CreateResponseOptions{Modalities: []string{"text", "audio"}, Temperature: 0.8}, false},
		{"bad modality", CreateResponseOptions{Modalities: []string{"image"}}, true},
		{"temperature", CreateResponseOptions{Temperature: 2.5}, true},
		{"instructions", CreateResponseOptions{Instructions: strings.Repeat("y", 10001)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateCreateResponseOptions(tt.opts); (err != nil) != tt.wantErr {
				t.Errorf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCancelResponse(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(ft, Config{})
	defer c.Close()

	if err := c.CancelResponse(context.Background()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := ft.sentTypes(); len(got) != 1 || got[0] != "response.cancel" {
		t.Errorf("unexpected events %v", got)
	}
}

func TestPtr(t *testing.T) {
	p := Ptr(3)
	if *p != 3 {
		t.Errorf("expected 3, got %d", *p)
	}
}
