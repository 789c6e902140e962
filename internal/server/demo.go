package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/enesunal-m/rtrelay"
	"github.com/enesunal-m/rtrelay/internal/framer"
	"github.com/enesunal-m/rtrelay/internal/relay"
)

// DemoPlayCommand asks the demo server to stream its audio file.
const DemoPlayCommand = "1"

// demoReply is sent for every other text frame in demo mode.
const demoReply = "hello"

// loadDemo decodes the demo file once and frames it at the session rate.
func (s *Server) loadDemo() ([][]byte, error) {
	a, err := framer.DecodeFile(s.cfg.Server.DemoAudio)
	if err != nil {
		return nil, fmt.Errorf("demo audio: %w", err)
	}
	return framer.Frame(a.PCM, a.SampleRate, framer.Options{ChunkDuration: s.cfg.Audio.ChunkDuration()}), nil
}

// serveDemo answers without a realtime session: the play command streams
// the demo audio as audio deltas, anything else gets a canned transcript.
func (s *Server) serveDemo(ctx context.Context, ws *wsConn, log *rtrelay.Logger) {
	for {
		typ, data, err := ws.c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				log.Warn("ws_read_failed", map[string]any{"err": err})
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}

		switch text := strings.TrimSpace(string(data)); text {
		case CloseCommand:
			return
		case DemoPlayCommand:
			if err := s.streamDemo(ctx, ws, log); err != nil {
				log.Warn("demo_stream_failed", map[string]any{"err": err})
				return
			}
		default:
			log.Debug("demo_message", map[string]any{"text": text})
			if err := ws.SendJSON(ctx, relay.WireMessage{Type: relay.MsgTranscriptDelta, Delta: demoReply}); err != nil {
				return
			}
		}
	}
}

func (s *Server) streamDemo(ctx context.Context, ws *wsConn, log *rtrelay.Logger) error {
	chunks, err := s.demo()
	if err != nil {
		log.Error("demo_audio_unavailable", map[string]any{"err": err})
		return ws.SendJSON(ctx, relay.WireMessage{Type: relay.MsgError, Error: "demo audio unavailable"})
	}
	for _, c := range chunks {
		if err := ws.SendJSON(ctx, relay.WireMessage{
			Type:  relay.MsgAudioDelta,
			Delta: base64.StdEncoding.EncodeToString(c),
		}); err != nil {
			return err
		}
		s.metrics.ChunkSent()
	}
	log.Info("demo_streamed", map[string]any{"chunks": len(chunks)})
	return nil
}
