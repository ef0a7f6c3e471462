package cached

import (
	"bufio"
	"context"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/ignite/leadgen-engine/internal/pkg/logger"
)

// Config configures a Daemon's socket, snapshot path, and tunables.
type Config struct {
	SocketPath     string
	SnapshotPath   string
	MaxValueBytes  int
	MaxCacheBytes  int
	GCTargetRatio  float64
	DefaultTTL     time.Duration
	LockDefaultTTL time.Duration
	WatchdogStall  time.Duration
	AliveLogPeriod time.Duration
}

// Daemon is the CacheDaemon process: it owns the Store, the socket
// listener, the stall watchdog, and the liveness log ticker.
type Daemon struct {
	cfg      Config
	store    *Store
	listener net.Listener
	heartbeat int64 // unix nanos, atomic
}

func New(cfg Config) *Daemon {
	return &Daemon{
		cfg: cfg,
		store: NewStore(StoreConfig{
			MaxValueBytes:  cfg.MaxValueBytes,
			MaxCacheBytes:  cfg.MaxCacheBytes,
			GCTargetRatio:  cfg.GCTargetRatio,
			DefaultTTL:     cfg.DefaultTTL,
			LockDefaultTTL: cfg.LockDefaultTTL,
		}),
	}
}

// Store exposes the underlying table, primarily for tests.
func (d *Daemon) Store() *Store { return d.store }

// Run restores any snapshot, binds the socket, and serves until ctx is
// canceled, at which point it snapshots and shuts down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.store.LoadSnapshot(d.cfg.SnapshotPath); err != nil {
		logger.Warn("cached: snapshot restore failed", "error", err.Error())
	}

	_ = os.Remove(d.cfg.SocketPath)
	ln, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return err
	}
	d.listener = ln
	d.beat()

	go d.watchdog(ctx)
	go d.aliveLog(ctx)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return d.shutdown()
			default:
				logger.Warn("cached: accept error", "error", err.Error())
				continue
			}
		}
		go d.serve(ctx, conn)
	}
}

func (d *Daemon) shutdown() error {
	if err := d.store.SaveSnapshot(d.cfg.SnapshotPath); err != nil {
		logger.Warn("cached: snapshot save failed", "error", err.Error())
		return err
	}
	return nil
}

func (d *Daemon) beat() {
	atomic.StoreInt64(&d.heartbeat, time.Now().UnixNano())
}

// watchdog is the separate timer observing event-loop heartbeat staleness.
// "Better dead than wedged": a stalled daemon hard-exits so its supervisor
// restarts it rather than serving requests against frozen state.
func (d *Daemon) watchdog(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.WatchdogStall / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := atomic.LoadInt64(&d.heartbeat)
			if time.Since(time.Unix(0, last)) > d.cfg.WatchdogStall {
				logger.Error("cached: watchdog stall detected, exiting")
				os.Exit(2)
			}
		}
	}
}

func (d *Daemon) aliveLog(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.AliveLogPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := d.store.Stats()
			// Reaching here means the store's lock is not wedged, so an
			// idle daemon with no client traffic still counts as alive.
			d.beat()
			logger.Info("cached: alive",
				"items", st.Items,
				"locks", st.Locks,
				"mem_bytes", st.MemBytes,
				"mem_limit", st.MemLimit,
				"evicted", st.Evicted,
				"expired", st.Expired,
				"errors", st.Errors,
			)
			d.store.ResetCounters()
		}
	}
}

func (d *Daemon) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var req Request
		if err := ReadFrame(r, &req); err != nil {
			return // connection closed or I/O error: drop silently
		}
		d.beat()
		resp := d.dispatch(req)
		if err := WriteFrame(conn, resp); err != nil {
			return
		}
	}
}

func (d *Daemon) dispatch(req Request) Response {
	ttl := time.Duration(req.TTLMS) * time.Millisecond
	switch req.Op {
	case "GET":
		v, ok := d.store.Get(req.Key, ttl)
		return Response{OK: true, Found: ok, Value: v}

	case "SET":
		if err := d.store.Set(req.Key, req.Value, ttl); err != nil {
			d.store.IncrErrors()
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true}

	case "MGET":
		vals := d.store.MGet(req.Keys, ttl)
		return Response{OK: true, Values: vals}

	case "DEL":
		d.store.Del(req.Keys)
		return Response{OK: true}

	case "SET_MANY":
		if err := d.store.SetMany(req.Pairs, ttl); err != nil {
			d.store.IncrErrors()
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true}

	case "LOCK_TRY":
		acquired, token, heldBy := d.store.LockTry(req.Key, req.Owner, ttl)
		return Response{OK: true, Acquired: acquired, Token: token, HeldBy: heldBy}

	case "LOCK_RENEW":
		renewed := d.store.LockRenew(req.Key, req.Token, ttl)
		return Response{OK: true, Renewed: renewed}

	case "LOCK_RELEASE":
		released := d.store.LockRelease(req.Key, req.Token)
		return Response{OK: true, Released: released}

	case "LOCK_STATUS":
		held, owner, _ := d.store.LockStatus(req.Key)
		return Response{OK: true, Acquired: held, HeldBy: owner}

	case "STATS":
		st := d.store.Stats()
		return Response{OK: true, Stats: &st}

	default:
		d.store.IncrErrors()
		return Response{OK: false, Error: "cached: unknown op " + req.Op}
	}
}
