package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/wudi/apigate/internal/config"
	"github.com/wudi/apigate/internal/gateway"
	"github.com/wudi/apigate/internal/logging"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/apigate.yaml", "Path to route map file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate the route map and exit")
	watch := flag.Bool("watch", false, "Watch the route map file and report changes")
	flag.Parse()

	if *showVersion {
		fmt.Printf("apigate %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	rm, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load route map: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		res := rm.Validate()
		if !res.Valid {
			fmt.Fprintln(os.Stderr, "Route map is invalid:")
			for _, e := range res.Errors {
				fmt.Fprintf(os.Stderr, "  - %s\n", e)
			}
			os.Exit(1)
		}
		s := rm.Summary()
		fmt.Printf("Route map is valid: %d versions, %d services, %d routes\n", len(s.Versions), s.Services, s.Routes)
		os.Exit(0)
	}

	gw := gateway.New(rm)
	if err := gw.Initialize(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize gateway: %v\n", err)
		os.Exit(1)
	}

	logging.Info("Starting apigate",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Strings("api_versions", rm.Versions),
		zap.Int("routes", rm.RouteCount()),
	)

	server, err := gateway.NewServer(gw, *configPath, *watch)
	if err != nil {
		logging.Error("Failed to create server", zap.Error(err))
		gw.Shutdown(context.Background())
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
