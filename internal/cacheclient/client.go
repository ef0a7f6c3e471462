// Package cacheclient is the CacheDaemon's client: a pooled connection to
// the daemon's socket, plus the memo/memo_many_iter primitives components
// use for content-addressed memoization.
package cacheclient

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/ignite/leadgen-engine/internal/cached"
)

// Config configures a Client's connection pool and backoff posture.
type Config struct {
	SocketPath     string
	PoolSize       int
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 500 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Second
	}
	return c
}

type pooledConn struct {
	net.Conn
	r *bufio.Reader
}

// Client is a connection pool to the CacheDaemon. The cache is advisory: a
// struct-scoped circuit breaker (downUntil) — never a package-level
// global, so multiple clients in one process don't share failure state —
// makes every method short-circuit to a no-op/miss while the daemon looks
// unreachable, so the rest of the system always progresses without it.
type Client struct {
	cfg  Config
	pool chan *pooledConn

	mu        sync.Mutex
	downUntil time.Time
}

func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:  cfg,
		pool: make(chan *pooledConn, cfg.PoolSize),
	}
}

func (c *Client) isDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Before(c.downUntil)
}

func (c *Client) markDown(d time.Duration) {
	c.mu.Lock()
	until := time.Now().Add(d)
	if until.After(c.downUntil) {
		c.downUntil = until
	}
	c.mu.Unlock()
}

func (c *Client) acquire() (*pooledConn, error) {
	select {
	case pc := <-c.pool:
		return pc, nil
	default:
	}
	conn, err := net.DialTimeout("unix", c.cfg.SocketPath, c.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	return &pooledConn{Conn: conn, r: bufio.NewReader(conn)}, nil
}

func (c *Client) release(pc *pooledConn, healthy bool) {
	if !healthy {
		pc.Close()
		return
	}
	select {
	case c.pool <- pc:
	default:
		pc.Close()
	}
}

// roundTrip sends req and returns the daemon's response, applying the
// timeout/connection-error backoff rules. A timeout marks the breaker down
// for 50ms; a connection/IO error marks it down for 500ms.
func (c *Client) roundTrip(req cached.Request) (cached.Response, bool) {
	if c.isDown() {
		return cached.Response{}, false
	}

	pc, err := c.acquire()
	if err != nil {
		c.markDown(500 * time.Millisecond)
		return cached.Response{}, false
	}

	pc.SetDeadline(time.Now().Add(c.cfg.RequestTimeout))
	if err := cached.WriteFrame(pc, req); err != nil {
		c.release(pc, false)
		if isTimeout(err) {
			c.markDown(50 * time.Millisecond)
		} else {
			c.markDown(500 * time.Millisecond)
		}
		return cached.Response{}, false
	}

	var resp cached.Response
	if err := cached.ReadFrame(pc.r, &resp); err != nil {
		c.release(pc, false)
		if isTimeout(err) {
			c.markDown(50 * time.Millisecond)
		} else {
			c.markDown(500 * time.Millisecond)
		}
		return cached.Response{}, false
	}

	pc.SetDeadline(time.Time{})
	c.release(pc, true)
	return resp, true
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

// Get returns the cached bytes and whether the key was found. Sliding TTL
// defaults to the daemon's configured default when ttl is 0.
func (c *Client) Get(key string, ttl time.Duration) ([]byte, bool) {
	resp, ok := c.roundTrip(cached.Request{Op: "GET", Key: key, TTLMS: ttl.Milliseconds()})
	if !ok || !resp.OK {
		return nil, false
	}
	return resp.Value, resp.Found
}

// Set stores a value. Returns false (no-op) while the breaker is open.
func (c *Client) Set(key string, value []byte, ttl time.Duration) bool {
	resp, ok := c.roundTrip(cached.Request{Op: "SET", Key: key, Value: value, TTLMS: ttl.Milliseconds()})
	return ok && resp.OK
}

// MGet returns the present subset of keys.
func (c *Client) MGet(keys []string, ttl time.Duration) map[string][]byte {
	resp, ok := c.roundTrip(cached.Request{Op: "MGET", Keys: keys, TTLMS: ttl.Milliseconds()})
	if !ok || !resp.OK {
		return nil
	}
	return resp.Values
}

// Del removes keys. No-op while the breaker is open.
func (c *Client) Del(keys []string) {
	c.roundTrip(cached.Request{Op: "DEL", Keys: keys})
}

// SetMany stores a batch of pairs in one round trip.
func (c *Client) SetMany(pairs []cached.KV, ttl time.Duration) bool {
	resp, ok := c.roundTrip(cached.Request{Op: "SET_MANY", Pairs: pairs, TTLMS: ttl.Milliseconds()})
	return ok && resp.OK
}

// LockTry attempts to acquire a lease. While the breaker is open this
// conservatively reports not-acquired, never a false acquisition.
func (c *Client) LockTry(key, owner string, ttl time.Duration) (acquired bool, token, heldBy string) {
	resp, ok := c.roundTrip(cached.Request{Op: "LOCK_TRY", Key: key, Owner: owner, TTLMS: ttl.Milliseconds()})
	if !ok || !resp.OK {
		return false, "", ""
	}
	return resp.Acquired, resp.Token, resp.HeldBy
}

// LockRenew extends a held lease's TTL.
func (c *Client) LockRenew(key, token string, ttl time.Duration) bool {
	resp, ok := c.roundTrip(cached.Request{Op: "LOCK_RENEW", Key: key, Token: token, TTLMS: ttl.Milliseconds()})
	return ok && resp.OK && resp.Renewed
}

// LockRelease releases a held lease.
func (c *Client) LockRelease(key, token string) bool {
	resp, ok := c.roundTrip(cached.Request{Op: "LOCK_RELEASE", Key: key, Token: token})
	return ok && resp.OK && resp.Released
}

// LockStatus reports whether a key is currently held.
func (c *Client) LockStatus(key string) (held bool, heldBy string) {
	resp, ok := c.roundTrip(cached.Request{Op: "LOCK_STATUS", Key: key})
	if !ok || !resp.OK {
		return false, ""
	}
	return resp.Acquired, resp.HeldBy
}

// Stats fetches the daemon's liveness gauges, or nil while the breaker is open.
func (c *Client) Stats() *cached.Stats {
	resp, ok := c.roundTrip(cached.Request{Op: "STATS"})
	if !ok || !resp.OK {
		return nil
	}
	return resp.Stats
}
