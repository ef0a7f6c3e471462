// Package sender implements the Sender Supervisor: one orchestrator
// reconciles a desired mailbox→campaign set against running per-mailbox
// sender goroutines, terminating stale ones and enforcing a crash-loop
// policy when reconciliation itself starts flapping.
package sender

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/leadgen-engine/internal/domain"
	"github.com/ignite/leadgen-engine/internal/pkg/logger"
	"github.com/ignite/leadgen-engine/internal/sendwindow"
)

// Desired is one mailbox the supervisor wants a live sender for, and the
// campaigns currently eligible to compete for its next send.
type Desired struct {
	Mailbox     domain.Mailbox
	CampaignIDs []uuid.UUID
}

// Repository is the DB surface the supervisor and sender loop need.
type Repository interface {
	// DesiredSenders computes {mailbox -> active campaigns} from the
	// campaign table filtered by time window: the desired live-sender set.
	DesiredSenders(ctx context.Context) ([]Desired, error)
	ActiveCampaigns(ctx context.Context, mailboxID uuid.UUID) ([]domain.Campaign, error)
	GlobalWindow(ctx context.Context, workspaceID string) (map[string][]domain.TimeSlot, error)
	UnsentActiveCount(ctx context.Context, campaignID uuid.UUID) (int, error)
	NextContact(ctx context.Context, campaignID uuid.UUID) (domain.ListContact, bool, error)
}

// SendOne is the external collaborator that renders, delivers over SMTP,
// and records mailbox_sent for one (campaign, contact) pair.
type SendOne interface {
	Send(ctx context.Context, campaignID uuid.UUID, listContactID int64) error
}

// RateLimiter gates a mailbox's hourly send cap.
type RateLimiter interface {
	Allow(ctx context.Context, mailboxID string, limitHourSent int) (bool, error)
}

// Heartbeat is a child->parent status message, shaped after spec.md's
// "{ts, next_wake_at, state, campaign_id?, reason?}".
type Heartbeat struct {
	MailboxID  uuid.UUID
	Ts         time.Time
	NextWakeAt time.Time
	State      string
	CampaignID *uuid.UUID
	Reason     string
}

const (
	StateRunning = "RUNNING"
	StateSleep   = "SLEEP"
	StateIdle    = "IDLE"
)

// Runner runs one mailbox's sender loop until ctx is cancelled or the
// sender self-terminates (death-at jitter). Implementations must honor
// ctx cancellation promptly — the supervisor cancels ctx and drops the
// sender at once, without waiting for Run to return.
type Runner interface {
	Run(ctx context.Context, mailbox domain.Mailbox, hb chan<- Heartbeat) error
}

type runningSender struct {
	cancel     context.CancelFunc
	hb         chan Heartbeat
	lastSeen   time.Time
	nextWakeAt time.Time
	state      string
}

// Config tunes the supervisor's reconciliation tick.
type Config struct {
	TickInterval   time.Duration // default 5s
	HeartbeatGrace time.Duration // default 10s, added to a sender's own next_wake_at
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.HeartbeatGrace <= 0 {
		c.HeartbeatGrace = 10 * time.Second
	}
	return c
}

// Supervisor is the Sender Supervisor orchestrator.
type Supervisor struct {
	repo   Repository
	runner Runner
	cfg    Config
	guard  *CrashLoopGuard

	mu      sync.Mutex
	running map[uuid.UUID]*runningSender
}

func New(repo Repository, runner Runner, cfg Config) *Supervisor {
	return &Supervisor{
		repo:    repo,
		runner:  runner,
		cfg:     cfg.withDefaults(),
		guard:   &CrashLoopGuard{},
		running: make(map[uuid.UUID]*runningSender),
	}
}

// Run blocks, reconciling on every tick until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			for _, rs := range s.running {
				rs.cancel()
			}
			s.mu.Unlock()
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass: drain heartbeats, drop senders no
// longer desired or gone stale, then spawn anything newly desired subject
// to the crash-loop guard.
func (s *Supervisor) Tick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.reapHeartbeatsLocked()

	desired, err := s.repo.DesiredSenders(ctx)
	if err != nil {
		logger.Warn("sender: desired senders lookup failed", "err", err)
		return
	}
	desiredByID := make(map[uuid.UUID]Desired, len(desired))
	for _, d := range desired {
		desiredByID[d.Mailbox.ID] = d
	}

	for id, rs := range s.running {
		if _, ok := desiredByID[id]; !ok {
			rs.cancel()
			delete(s.running, id)
		}
	}

	for id, rs := range s.running {
		if now.After(rs.nextWakeAt.Add(s.cfg.HeartbeatGrace)) {
			logger.Warn("sender: stale heartbeat, terminating", "mailbox_id", id, "next_wake_at", rs.nextWakeAt)
			rs.cancel()
			delete(s.running, id)
		}
	}

	if s.guard.HardDead(now) {
		if s.guard.StatusDue(now) {
			logger.Error("sender supervisor hard-dead: repeated crash-loop, spawning suspended indefinitely")
		}
		return
	}
	if !s.guard.Allowed(now) {
		return
	}

	for _, id := range sortedMailboxIDs(desiredByID) {
		if _, ok := s.running[id]; ok {
			continue
		}
		if s.guard.RecordStart(now) {
			logger.Error("sender supervisor crash-loop detected, killing all senders and sleeping")
			s.killAllLocked()
			return
		}
		s.spawnLocked(ctx, desiredByID[id])
	}
}

func sortedMailboxIDs(m map[uuid.UUID]Desired) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func (s *Supervisor) spawnLocked(ctx context.Context, d Desired) {
	childCtx, cancel := context.WithCancel(ctx)
	hb := make(chan Heartbeat, 8)
	rs := &runningSender{cancel: cancel, hb: hb, lastSeen: time.Now(), nextWakeAt: time.Now()}
	s.running[d.Mailbox.ID] = rs

	mailbox := d.Mailbox
	runner := s.runner
	go func() {
		if err := runner.Run(childCtx, mailbox, hb); err != nil {
			logger.Warn("sender: mailbox loop exited with error", "mailbox_id", mailbox.ID, "err", err)
		}
	}()
}

func (s *Supervisor) killAllLocked() {
	for id, rs := range s.running {
		rs.cancel()
		delete(s.running, id)
	}
}

func (s *Supervisor) reapHeartbeatsLocked() {
	for _, rs := range s.running {
		for {
			select {
			case hb := <-rs.hb:
				rs.lastSeen = hb.Ts
				rs.nextWakeAt = hb.NextWakeAt
				rs.state = hb.State
			default:
				goto next
			}
		}
	next:
	}
}

// jitter returns a uniform random duration in [min, max) using rng, the
// per-sender death-at interval spec.md calls for (25-45 min in practice).
func jitter(rng *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)))
}

// MailboxRunner is the default Runner: one goroutine per mailbox
// implementing spec.md §4.8's sender loop.
type MailboxRunner struct {
	Repo    Repository
	SendOne SendOne
	Limiter RateLimiter
	Rand    *rand.Rand // nil uses a time-seeded source
}

func (r *MailboxRunner) rng() *rand.Rand {
	if r.Rand != nil {
		return r.Rand
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// Run implements Runner. It loads limit_hour_sent, idles out immediately
// if sending is paused, and otherwise loops: pick a windowed campaign
// weighted by its unsent backlog, send its next contact in deterministic
// order, heartbeat SLEEP, and repeat until death-at jitter or ctx done.
func (r *MailboxRunner) Run(ctx context.Context, mailbox domain.Mailbox, hb chan<- Heartbeat) error {
	rng := r.rng()
	deathAt := time.Now().Add(jitter(rng, 25*time.Minute, 45*time.Minute))

	if mailbox.LimitHourSent <= 0 {
		sendHeartbeat(ctx, hb, Heartbeat{MailboxID: mailbox.ID, Ts: time.Now(), NextWakeAt: deathAt, State: StateIdle, Reason: "limit_hour_sent<=0"})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(deathAt)):
			return nil
		}
	}

	sendInterval := time.Duration(3600/float64(mailbox.LimitHourSent)*1000) * time.Millisecond

	for {
		if time.Now().After(deathAt) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := r.step(ctx, mailbox, hb, rng); err != nil {
			return fmt.Errorf("sender: mailbox %s: %w", mailbox.ID, err)
		}

		next := time.Now().Add(sendInterval)
		sendHeartbeat(ctx, hb, Heartbeat{MailboxID: mailbox.ID, Ts: time.Now(), NextWakeAt: next, State: StateSleep})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sendInterval):
		}
	}
}

func (r *MailboxRunner) step(ctx context.Context, mailbox domain.Mailbox, hb chan<- Heartbeat, rng *rand.Rand) error {
	campaigns, err := r.Repo.ActiveCampaigns(ctx, mailbox.ID)
	if err != nil {
		return fmt.Errorf("active campaigns: %w", err)
	}
	global, err := r.Repo.GlobalWindow(ctx, mailbox.WorkspaceID)
	if err != nil {
		return fmt.Errorf("global window: %w", err)
	}

	type candidate struct {
		campaign domain.Campaign
		backlog  int
	}
	now := time.Now()
	var pool []candidate
	for _, c := range campaigns {
		if !c.Active {
			continue
		}
		inWindow, err := sendwindow.InWindow(now, c.Window, global)
		if err != nil {
			return fmt.Errorf("send window campaign=%s: %w", c.ID, err)
		}
		if !inWindow {
			continue
		}
		n, err := r.Repo.UnsentActiveCount(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("unsent count campaign=%s: %w", c.ID, err)
		}
		if n <= 0 {
			continue
		}
		pool = append(pool, candidate{campaign: c, backlog: n})
	}
	if len(pool) == 0 {
		return nil
	}

	total := 0
	for _, c := range pool {
		total += c.backlog
	}
	pick := rng.Intn(total)
	var chosen domain.Campaign
	for _, c := range pool {
		if pick < c.backlog {
			chosen = c.campaign
			break
		}
		pick -= c.backlog
	}

	contact, ok, err := r.Repo.NextContact(ctx, chosen.ID)
	if err != nil {
		return fmt.Errorf("next contact campaign=%s: %w", chosen.ID, err)
	}
	if !ok {
		return nil
	}

	allowed, err := r.Limiter.Allow(ctx, mailbox.ID.String(), mailbox.LimitHourSent)
	if err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if !allowed {
		return nil
	}

	campaignID := chosen.ID
	sendHeartbeat(ctx, hb, Heartbeat{MailboxID: mailbox.ID, Ts: time.Now(), State: StateRunning, CampaignID: &campaignID})
	return r.SendOne.Send(ctx, chosen.ID, contact.ID)
}

func sendHeartbeat(ctx context.Context, hb chan<- Heartbeat, msg Heartbeat) {
	select {
	case hb <- msg:
	case <-ctx.Done():
	default:
		// Channel full: the supervisor is behind, but the sender must never
		// block on it. The next heartbeat will still carry an up-to-date
		// next_wake_at.
	}
}
