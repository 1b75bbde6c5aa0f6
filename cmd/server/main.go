// Command server runs the RLE Classic world server: it loads server.yaml,
// creates the world file if it is missing, loads the identity store (whose
// file is only created by the first registration), and serves the Minecraft
// Classic 0.30 wire protocol until interrupted.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/StoreStation/rleclassic/pkg/config"
	"github.com/StoreStation/rleclassic/pkg/identity"
	"github.com/StoreStation/rleclassic/pkg/session"
	"github.com/StoreStation/rleclassic/pkg/world"
)

var (
	configPath string
	listenAddr string
	worldX     int
	worldY     int
	worldZ     int
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Serve the Minecraft Classic 0.30 RLE world",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "server.yaml", "path to server.yaml")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "override listen_addr from the config file")
	rootCmd.Flags().IntVar(&worldX, "world-x", 0, "override world_x from the config file")
	rootCmd.Flags().IntVar(&worldY, "world-y", 0, "override world_y from the config file")
	rootCmd.Flags().IntVar(&worldZ, "world-z", 0, "override world_z from the config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(&cfg)

	dims := world.Dimensions{X: cfg.WorldX, Y: cfg.WorldY, Z: cfg.WorldZ}
	if err := world.NewWorldIfAbsent(dims, cfg.WorldFile); err != nil {
		return fmt.Errorf("initializing world: %w", err)
	}
	store := world.Open(dims, cfg.WorldFile, cfg.WorldTmpFile, cfg.CompactionChunk)

	users, err := identity.Open(cfg.UsersFile)
	if err != nil {
		return fmt.Errorf("loading identity store: %w", err)
	}

	sup := session.NewSupervisor(cfg, store, users)
	if err := sup.Start(); err != nil {
		return fmt.Errorf("starting listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go sup.RunAutoSave(ctx)

	log.Printf("[main] serving %dx%dx%d world on %s", dims.X, dims.Y, dims.Z, cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("[main] shutting down, running final compaction...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] final compaction failed: %v", err)
		return err
	}
	log.Printf("[main] clean shutdown complete")
	return nil
}

func applyFlagOverrides(cfg *config.Config) {
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if worldX != 0 {
		cfg.WorldX = worldX
	}
	if worldY != 0 {
		cfg.WorldY = worldY
	}
	if worldZ != 0 {
		cfg.WorldZ = worldZ
	}
}
