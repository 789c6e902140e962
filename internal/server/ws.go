package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/enesunal-m/rtrelay"
	"github.com/enesunal-m/rtrelay/internal/auth"
	"github.com/enesunal-m/rtrelay/internal/framer"
	"github.com/enesunal-m/rtrelay/internal/relay"
)

const (
	maxMessageSize = 10 << 20
	writeWait      = 10 * time.Second

	// Text frames carrying these commands control the session.
	CloseCommand  = "close"
	CancelCommand = "cancel"
	ClearCommand  = "clear"

	// streamSeconds of client audio are buffered ahead of the sender.
	streamSeconds = 5
)

// turnControl is implemented by sessions that accept the cancel and clear
// commands.
type turnControl interface {
	CancelResponse(ctx context.Context) error
	ClearInput(ctx context.Context) error
}

var _ turnControl = (*rtrelay.Session)(nil)

// clientMessage is an uplink JSON frame. Only frames carrying "audio" are
// treated as audio.
type clientMessage struct {
	Type  string  `json:"type"`
	Audio *string `json:"audio"`
}

// wsConn serializes writes to a gorilla connection. It implements
// relay.Sender.
type wsConn struct {
	c    *websocket.Conn
	mu   sync.Mutex
	once sync.Once
}

func (w *wsConn) SendJSON(ctx context.Context, v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = w.c.SetWriteDeadline(deadline)
	return w.c.WriteJSON(v)
}

// close sends a close frame once and closes the socket, which unblocks any
// pending read.
func (w *wsConn) close(code int, reason string) {
	w.once.Do(func() {
		w.mu.Lock()
		_ = w.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		w.mu.Unlock()
		_ = w.c.Close()
	})
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws_upgrade_failed", map[string]any{"err": err})
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()

	connID := ulid.Make().String()
	fields := map[string]any{"conn_id": connID, "client_id": r.PathValue("client_id")}
	if sub := auth.Subject(r.Context()); sub != "" {
		fields["subject"] = sub
	}
	log := s.log.With(fields)

	mode := "relay"
	if s.cfg.Server.Demo {
		mode = "demo"
	}
	s.metrics.ConnectionOpened(mode)
	defer s.metrics.ConnectionClosed()
	log.Info("ws_connected", map[string]any{"mode": mode})

	ws := &wsConn{c: conn}
	conn.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, func() { ws.close(websocket.CloseGoingAway, "server shutting down") })
	defer stop()

	if s.cfg.Server.Demo {
		s.serveDemo(ctx, ws, log)
	} else {
		s.serveRelay(ctx, ws, connID, log)
	}
	ws.close(websocket.CloseNormalClosure, "")
	log.Info("ws_disconnected", nil)
}

func (s *Server) openSession(ctx context.Context) (relay.Session, error) {
	if s.open == nil {
		return nil, errors.New("no realtime opener configured")
	}
	var sess relay.Session
	err := s.breaker.Execute(func() error {
		var err error
		sess, err = s.open(ctx)
		return err
	})
	if err != nil {
		s.metrics.SessionOpenFailed()
		return nil, err
	}
	return sess, nil
}

// serveRelay runs one session: the reader feeds client audio into the
// framing stream, the sender pushes fixed-size frames to the session, and
// the relay forwards session output back to the client.
func (s *Server) serveRelay(ctx context.Context, ws *wsConn, connID string, log *rtrelay.Logger) {
	sess, err := s.openSession(ctx)
	if err != nil {
		log.Error("session_open_failed", map[string]any{"err": err})
		_ = ws.SendJSON(ctx, relay.WireMessage{Type: relay.MsgError, Error: "realtime session unavailable"})
		ws.close(websocket.CloseInternalServerErr, "session unavailable")
		return
	}

	var sink relay.Sink = relay.NewWireSink(ws)
	if dir := s.cfg.Server.OutputDir; dir != "" {
		fs, err := relay.NewFileSink(filepath.Join(dir, connID), log)
		if err != nil {
			log.Warn("file_sink_disabled", map[string]any{"err": err})
		} else {
			sink = relay.Tee(sink, fs)
		}
	}
	rl := relay.New(sess, sink, relay.WithLogger(log), relay.WithMetrics(s.metrics))

	rate := s.cfg.Audio.SampleRate
	chunkSize := framer.ChunkSize(rate, s.cfg.Audio.ChunkDuration())
	stream := framer.NewStream(rate*framer.BytesPerSample*streamSeconds, chunkSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The client is gone once its audio is drained.
		defer rl.Close()
		// Stopping the consumer fails any write still blocked on a full
		// stream, which ends the reader.
		sctx, stop := context.WithCancel(gctx)
		defer stop()
		return s.sendAudio(sctx, sess, stream, rate, log)
	})
	g.Go(func() error {
		err := rl.Run(gctx)
		// The session is gone; unblock the reader.
		ws.close(websocket.CloseNormalClosure, "session ended")
		return err
	})
	g.Go(func() error {
		defer stream.CloseWrite()
		return s.readClient(gctx, ws, sess, stream, log)
	})
	if err := g.Wait(); err != nil {
		log.Debug("relay_ended", map[string]any{"err": err})
	}
}

// sendAudio forwards framed client audio to the session, resampling to the
// session rate when the client rate differs.
func (s *Server) sendAudio(ctx context.Context, sess relay.Session, stream *framer.Stream, rate int, log *rtrelay.Logger) error {
	for chunk := range stream.Chunks(ctx) {
		if len(chunk)%2 == 1 {
			chunk = chunk[:len(chunk)-1]
		}
		if rate != rtrelay.DefaultSampleRate {
			chunk = framer.Bytes(framer.Resample(framer.Samples(chunk), rate, rtrelay.DefaultSampleRate))
		}
		if err := sess.SendAudio(ctx, chunk); err != nil {
			if errors.Is(err, rtrelay.ErrClosed) {
				return nil
			}
			var se *rtrelay.SendError
			log.Warn("send_audio_failed", map[string]any{"err": err, "timeout": errors.As(err, &se) && se.IsTimeout()})
			return err
		}
		s.metrics.ChunkSent()
	}
	return nil
}

// readClient consumes client frames until the client disconnects, sends the
// close command, or the stream stops taking audio. Undecodable audio is
// dropped.
func (s *Server) readClient(ctx context.Context, ws *wsConn, sess relay.Session, stream *framer.Stream, log *rtrelay.Logger) error {
	for {
		typ, data, err := ws.c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				log.Warn("ws_read_failed", map[string]any{"err": err})
			}
			return nil
		}

		if typ == websocket.BinaryMessage {
			if err := s.writeAudio(stream, data); err != nil {
				return nil
			}
			continue
		}

		var msg clientMessage
		if json.Unmarshal(data, &msg) == nil && msg.Audio != nil {
			pcm, err := base64.StdEncoding.DecodeString(*msg.Audio)
			if err != nil {
				s.metrics.FrameDropped()
				log.Warn("audio_frame_dropped", map[string]any{"err": err})
				continue
			}
			if err := s.writeAudio(stream, pcm); err != nil {
				return nil
			}
			continue
		}

		switch text := strings.TrimSpace(string(data)); text {
		case CloseCommand:
			log.Info("client_close", nil)
			return nil
		case CancelCommand, ClearCommand:
			s.control(ctx, sess, text, log)
		default:
			log.Info("control_message", map[string]any{"text": text})
		}
	}
}

func (s *Server) control(ctx context.Context, sess relay.Session, cmd string, log *rtrelay.Logger) {
	tc, ok := sess.(turnControl)
	if !ok {
		log.Warn("control_unsupported", map[string]any{"command": cmd})
		return
	}
	var err error
	switch cmd {
	case CancelCommand:
		err = tc.CancelResponse(ctx)
	case ClearCommand:
		err = tc.ClearInput(ctx)
	}
	if err != nil {
		log.Warn("control_failed", map[string]any{"command": cmd, "err": err})
		return
	}
	log.Info("control_sent", map[string]any{"command": cmd})
}

func (s *Server) writeAudio(stream *framer.Stream, pcm []byte) error {
	s.metrics.FrameReceived()
	_, err := stream.Write(pcm)
	return err
}
