// Command websearch runs the web search helper for one query and prints the
// tagged result block.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/enesunal-m/rtrelay/internal/config"
	"github.com/enesunal-m/rtrelay/internal/search"
)

const defaultQuery = "最近有什么好看的电影上映?"

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.RequireSearch(); err != nil {
		log.Fatalf("config: %v", err)
	}

	query := strings.Join(flag.Args(), " ")
	if query == "" {
		query = defaultQuery
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := search.New(cfg.Search, search.WithLogger(cfg.Logger()))
	fmt.Println(c.WebSearch(ctx, query))
}
