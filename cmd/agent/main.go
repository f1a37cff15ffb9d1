// Command agent is the EcoWatt edge agent entrypoint: load configuration,
// wire every collaborator through the Supervisor, run the post-reboot FOTA
// confirmation step, and drive the dispatch loop until terminated.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ecowatt/agent/internal/clock"
	"github.com/ecowatt/agent/internal/config"
	"github.com/ecowatt/agent/internal/diagnostics"
	"github.com/ecowatt/agent/internal/kvstore"
	"github.com/ecowatt/agent/internal/maintenance"
	"github.com/ecowatt/agent/internal/partition"
	"github.com/ecowatt/agent/internal/supervisor"
	"github.com/ecowatt/agent/internal/transport"
)

// slotSizeBytes sizes each flash app partition the in-process PartitionDevice
// emulates when no real flash driver is wired in.
const slotSizeBytes = 4 << 20 // 4 MiB

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("agent: no .env file, relying on process environment")
	}

	cfg := config.Get()
	c := clock.Real{}

	store, err := newStore()
	if err != nil {
		slog.Warn("agent: redis unavailable, falling back to in-memory kvstore", "error", err)
		store = kvstore.NewMemoryStore()
	}

	device := partition.NewMemoryDevice(slotSizeBytes)

	tr := transport.NewHTTPTransport(
		time.Duration(cfg.Network.RequestTimeoutSec)*time.Second,
		cfg.Network.MaxRetries,
		time.Duration(cfg.Network.BackoffBaseMs)*time.Millisecond,
	)

	sup, err := supervisor.New(cfg, tr, store, device, c)
	if err != nil {
		slog.Error("agent: failed to build supervisor", "error", err)
		os.Exit(1)
	}

	metrics := diagnostics.NewMetrics(prometheus.DefaultRegisterer)
	sup.Diagnostics().AttachMetrics(metrics)

	if cfg.Maintenance.Port > 0 {
		maint := maintenance.NewServer(sup, sup.Diagnostics(), metrics, prometheus.DefaultGatherer)
		go func() {
			if err := maint.Start(cfg.Maintenance.Port); err != nil {
				slog.Error("agent: maintenance server failed", "error", err)
			}
		}()
	}

	ctx := context.Background()
	if rec, err := sup.BootSequence(ctx); err != nil {
		slog.Error("agent: fota boot bookkeeping failed", "error", err)
	} else if rec.PendingVersion != "" {
		slog.Info("agent: pending firmware awaiting confirmation", "version", rec.PendingVersion, "boot_count", rec.BootCount)
	}

	runCtx, cancel := context.WithCancel(ctx)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		slog.Info("agent: shutdown signal received")
		cancel()
	}()

	slog.Info("agent: starting dispatch loop", "device_id", cfg.Device.ID)
	sup.Run(runCtx)
}

// newStore connects to Redis at the address given by ECOWATT_REDIS_ADDR,
// returning an in-memory store when the variable is unset (e.g. local dev)
// and the connection error when Redis is unreachable, consistent with the
// ECOWATT_* env convention internal/config uses.
func newStore() (kvstore.Store, error) {
	addr := os.Getenv("ECOWATT_REDIS_ADDR")
	if addr == "" {
		return kvstore.NewMemoryStore(), nil
	}
	return kvstore.NewRedisStore(addr, os.Getenv("ECOWATT_REDIS_PASSWORD"), 0)
}
