// Command loadshared runs one node's circuit-sharing coordination process:
// discovery, the peer registry, per-peer ingestion, the allocator, the
// failsafe supervisor, config sync, the enforcement bridge, and the
// diagnostic API.
//
// Flag parsing and the signal-driven shutdown context follow the same
// pattern used by this module's other command-line entry points, using
// spf13/pflag's POSIX-style long flags.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/openevse/loadshare/internal/config"
	"github.com/openevse/loadshare/internal/logging"
	"github.com/openevse/loadshare/internal/models"
	"github.com/openevse/loadshare/internal/node"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("loadshared: %v", err)
	}
}

func run() error {
	configPath := pflag.String("config", "/etc/loadshared/group_config.json", "path to group config file")
	listenAddr := pflag.String("listen", ":8080", "address for the diagnostic API to listen on")
	dataDir := pflag.String("data-dir", "/var/lib/loadshared", "directory for persisted peer/state files")
	selfDeviceID := pflag.String("device-id", "", "this node's device id, reported in status messages")
	selfHost := pflag.String("self-host", "", "this node's own hostname/IP, to reject self-joins")
	pflag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	var cfg models.GroupConfig

	loader := config.New()
	if err := loader.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("load group config: %w", err)
	}

	logCfg := cfg.Logging
	if logCfg == nil {
		logCfg = logging.DefaultConfig()
	}

	appLogger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}

	deviceID := *selfDeviceID
	if deviceID == "" {
		deviceID = cfg.SelfDeviceID
	}

	n, err := node.New(node.Options{
		SelfDeviceID: deviceID,
		SelfHost:     *selfHost,
		ListenAddr:   *listenAddr,
		DataDir:      *dataDir,
		ConfigPath:   *configPath,
		Logger:       appLogger,
	}, cfg)
	if err != nil {
		return fmt.Errorf("construct node: %w", err)
	}

	appLogger.Info().Str("group_id", cfg.GroupID).Str("listen", *listenAddr).Msg("loadshared starting")

	return n.Run(ctx)
}
