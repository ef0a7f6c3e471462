// Command cached runs the CacheDaemon as a standalone process: a local
// K->bytes store with lease-locks, reachable over a unix socket by any
// number of cmd/engine processes via internal/cacheclient.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/ignite/leadgen-engine/internal/cached"
)

func main() {
	log.Println("Starting cache daemon...")

	socketPath := os.Getenv("CACHE_SOCKET_PATH")
	if socketPath == "" {
		socketPath = "/var/run/leadgen/cache.sock"
	}
	snapshotPath := os.Getenv("CACHE_SNAPSHOT_PATH")
	if snapshotPath == "" {
		snapshotPath = socketPath + ".snapshot"
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		log.Fatalf("create socket dir: %v", err)
	}

	cfg := cached.Config{
		SocketPath:     socketPath,
		SnapshotPath:   snapshotPath,
		MaxValueBytes:  envInt("CACHE_MAX_VALUE_BYTES", 128*1024),
		MaxCacheBytes:  envInt("CACHE_MAX_CACHE_BYTES", 50*1024*1024),
		GCTargetRatio:  0.60,
		DefaultTTL:     7 * 24 * time.Hour,
		LockDefaultTTL: 60 * time.Second,
		WatchdogStall:  60 * time.Second,
		AliveLogPeriod: 10 * time.Second,
	}

	daemon := cached.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- daemon.Run(ctx) }()

	log.Printf("Cache daemon listening on %s (snapshot: %s)", socketPath, snapshotPath)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Println("Shutting down cache daemon...")
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			log.Fatalf("cache daemon stopped: %v", err)
		}
	}

	log.Println("Cache daemon stopped")
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
