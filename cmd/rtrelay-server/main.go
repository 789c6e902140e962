// Command rtrelay-server serves the browser page and bridges each /realtime
// websocket to one Azure OpenAI realtime session.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/enesunal-m/rtrelay/internal/auth"
	"github.com/enesunal-m/rtrelay/internal/config"
	"github.com/enesunal-m/rtrelay/internal/metrics"
	"github.com/enesunal-m/rtrelay/internal/server"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	demo := flag.Bool("demo", false, "answer from the demo audio file instead of the realtime API")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *demo {
		cfg.Server.Demo = true
	}
	if !cfg.Server.Demo {
		if err := cfg.RequireAzure(); err != nil {
			log.Fatalf("config: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := cfg.Logger()
	m := metrics.New()

	authn, err := auth.New(ctx, cfg.Auth, logger)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	defer authn.Close()

	var opener server.Opener
	if !cfg.Server.Demo {
		opener = server.RealtimeOpener(cfg.Realtime(logger), cfg.RealtimeSession())
	}

	srv := server.New(cfg, opener,
		server.WithLogger(logger),
		server.WithMetrics(m),
		server.WithAuthenticator(authn),
	)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server: %v", err)
	}
	logger.Info("server_stopped", nil)
}
