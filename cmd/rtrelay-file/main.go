// Command rtrelay-file streams an audio file into a realtime session and
// writes every response part to an output directory. It exits after the
// first completed response.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/enesunal-m/rtrelay"
	"github.com/enesunal-m/rtrelay/internal/config"
	"github.com/enesunal-m/rtrelay/internal/framer"
	"github.com/enesunal-m/rtrelay/internal/relay"
	"github.com/enesunal-m/rtrelay/webrtc"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	transport := flag.String("transport", "websocket", "websocket or webrtc")
	in := flag.String("in", "test.wav", "input audio (.wav, or .raw PCM16 24kHz mono)")
	out := flag.String("out", "out", "output directory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.RequireAzure(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *transport, *in, *out); err != nil {
		log.Fatalf("rtrelay-file: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, transport, in, out string) error {
	logger := cfg.Logger()

	audio, err := framer.DecodeFile(in)
	if err != nil {
		return err
	}
	chunks := framer.Frame(audio.PCM, audio.SampleRate, framer.Options{ChunkDuration: cfg.Audio.ChunkDuration()})
	logger.Info("audio_loaded", map[string]any{
		"path":        in,
		"sample_rate": audio.SampleRate,
		"duration_ms": audio.DurationMS(),
		"chunks":      len(chunks),
	})

	sink, err := relay.NewFileSink(out, logger)
	if err != nil {
		return err
	}

	sess, err := open(ctx, cfg, transport, logger)
	if err != nil {
		return err
	}
	rl := relay.New(sess, sink, relay.WithLogger(logger))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for _, c := range chunks {
			if err := sess.SendAudio(gctx, c); err != nil {
				if errors.Is(err, rtrelay.ErrClosed) {
					// A response completed before the file was fully sent.
					return nil
				}
				return fmt.Errorf("send audio: %w", err)
			}
		}
		logger.Info("audio_sent", map[string]any{"chunks": len(chunks)})
		return nil
	})
	g.Go(func() error { return rl.Run(gctx) })
	return g.Wait()
}

func open(ctx context.Context, cfg *config.Config, transport string, logger *rtrelay.Logger) (*rtrelay.Session, error) {
	switch transport {
	case "websocket":
		return rtrelay.Open(ctx, cfg.Realtime(logger), cfg.RealtimeSession())
	case "webrtc":
		if cfg.Azure.Region == "" {
			return nil, &config.MissingError{Names: []string{"AZURE_OPENAI_REGION"}}
		}
		key, err := webrtc.MintEphemeralKey(ctx, webrtc.MintRequest{
			ResourceEndpoint: cfg.Azure.Endpoint,
			Deployment:       cfg.Azure.Deployment,
			APIKey:           cfg.Azure.APIKey,
			Voice:            cfg.Azure.Voice,
		})
		if err != nil {
			return nil, err
		}
		conn, err := webrtc.Dial(ctx, webrtc.Options{
			Region:     cfg.Azure.Region,
			Deployment: cfg.Azure.Deployment,
			Ephemeral:  key.Value,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		sess := rtrelay.NewSession(rtrelay.NewClient(conn, rtrelay.Config{Logger: logger}))
		if err := sess.Configure(ctx, cfg.RealtimeSession()); err != nil {
			_ = sess.Close()
			return nil, err
		}
		return sess, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}
