// Command engine is the leadgen pipeline's single long-running process:
// it wires the Postgres repositories, the cache client, the LLM oracle,
// and every scheduled component (RatingPipeline, QueueBuilder/
// CrawlCoordinator, Validator/Aggregator, Sender Supervisor) onto one
// Scheduler, and exposes /health and /stats over HTTP.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"

	"github.com/ignite/leadgen-engine/internal/cacheclient"
	"github.com/ignite/leadgen-engine/internal/config"
	"github.com/ignite/leadgen-engine/internal/crawl"
	"github.com/ignite/leadgen-engine/internal/domain"
	"github.com/ignite/leadgen-engine/internal/oracle"
	"github.com/ignite/leadgen-engine/internal/pkg/httputil"
	"github.com/ignite/leadgen-engine/internal/queuebuilder"
	"github.com/ignite/leadgen-engine/internal/ratelimit"
	"github.com/ignite/leadgen-engine/internal/rating"
	postgresrepo "github.com/ignite/leadgen-engine/internal/repository/postgres"
	"github.com/ignite/leadgen-engine/internal/scheduler"
	"github.com/ignite/leadgen-engine/internal/sender"
	"github.com/ignite/leadgen-engine/internal/sendone"
	"github.com/ignite/leadgen-engine/internal/validate"
)

func main() {
	log.Println("Starting leadgen engine...")

	configPath := os.Getenv("ENGINE_CONFIG")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("ping db: %v", err)
	}
	pingCancel()
	log.Println("Connected to database")

	cache := cacheclient.New(cacheclient.Config{
		SocketPath: cfg.Cache.SocketPath,
		PoolSize:   cfg.Cache.PoolSize,
	})
	defer cache.Close()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		rctx, rcancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(rctx).Err(); err != nil {
			log.Printf("Warning: redis unavailable at %s: %v — per-mailbox rate limiting disabled", cfg.Redis.Addr, err)
			redisClient.Close()
			redisClient = nil
		}
		rcancel()
	}

	llm, err := buildOracle(context.Background(), cfg.Oracle)
	if err != nil {
		log.Fatalf("build oracle backend: %v", err)
	}
	log.Printf("Oracle backend: %s", cfg.Oracle.Backend)

	ratingRepo := postgresrepo.NewRatingRepo(db)
	validateRepo := postgresrepo.NewValidateRepo(db)
	crawlRepo := postgresrepo.NewCrawlRepo(db)
	mailRepo := postgresrepo.NewMailRepo(db)

	sched := scheduler.New(scheduler.Config{
		TickInterval:  cfg.Scheduler.Tick(),
		MaxConcurrent: cfg.Scheduler.ConcurrencyCap,
	})

	registerRatingTasks(sched, ratingRepo, llm, cache, cfg.Rating)
	registerCrawlTasks(sched, crawlRepo, cache)
	registerValidateTasks(sched, validateRepo, llm)
	registerSenderSupervisor(sched, mailRepo, redisClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := sched.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("scheduler stopped: %v", err)
		}
	}()
	log.Println("Scheduler running")

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: buildRouter(db, sched),
	}
	go func() {
		log.Printf("HTTP introspection server listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	log.Println("Engine stopped")
}

func mustRegister(sched *scheduler.Scheduler, spec scheduler.TaskSpec) {
	if err := sched.Register(spec); err != nil {
		log.Fatalf("register task %q: %v", spec.Name, err)
	}
}

func buildOracle(ctx context.Context, cfg config.OracleConfig) (oracle.Oracle, error) {
	switch cfg.Backend {
	case "openai":
		return oracle.NewOpenAIBackendWithRetries(cfg.APIKey, "", cfg.Model, 4000, 3), nil
	default:
		return oracle.NewBedrockBackend(ctx, cfg.Region, nil, cfg.Model, 4000)
	}
}

// ratingPrompts are the per-kind static instruction texts the Pipeline
// sends as Request.System; each kind's LLM call shares the same
// candidate-batch shape but asks a different question of it.
var ratingPrompts = map[domain.RatingJobType]string{
	domain.RatingJobGeo:            "Score each postal code cell's lead-generation potential from 1-100.",
	domain.RatingJobBranches:       "Score each business branch category's lead-generation potential from 1-100.",
	domain.RatingJobContacts:       "Score each contact's outreach quality from 1-100.",
	domain.RatingJobContactsUpdate: "Re-score each contact whose profile data changed, from 1-100.",
}

func registerRatingTasks(sched *scheduler.Scheduler, repo *postgresrepo.RatingRepo, llm oracle.Oracle, cache *cacheclient.Client, cfg config.RatingConfig) {
	pipeline := rating.NewPipeline(repo, llm, cache, ratingPrompts, rating.Config{
		BatchSize:        cfg.BatchSize,
		GuardMaxParallel: cfg.GuardMaxParallel,
		MaxFillContacts:  cfg.MaxFill,
		MaxFillCells:     cfg.MaxCandidates,
	})

	for _, kind := range []domain.RatingJobType{
		domain.RatingJobGeo, domain.RatingJobBranches, domain.RatingJobContacts, domain.RatingJobContactsUpdate,
	} {
		kind := kind
		mustRegister(sched, scheduler.TaskSpec{
			Name:      "rating:tick:" + string(kind),
			Fn:        func(ctx context.Context) error { _, err := pipeline.Tick(ctx, kind); return err },
			Every:     2 * time.Second,
			Timeout:   30 * time.Second,
			Singleton: true,
		})
	}

	sched.Register(scheduler.TaskSpec{
		Name:      "rating:done_scan",
		Fn:        func(ctx context.Context) error { _, err := pipeline.DoneScan(ctx, rating.DoneScanConfig{}); return err },
		Every:     30 * time.Second,
		Timeout:   time.Minute,
		Singleton: true,
	})
}

func registerCrawlTasks(sched *scheduler.Scheduler, repo *postgresrepo.CrawlRepo, cache *cacheclient.Client) {
	builder := queuebuilder.New(repo, cache)
	spiderEndpoint := os.Getenv("CRAWL_SPIDER_ENDPOINT")
	if spiderEndpoint == "" {
		spiderEndpoint = "http://localhost:9100/crawl"
	}
	spider := crawl.NewHTTPSpider(spiderEndpoint, 30*time.Second)
	coordinator := crawl.New(repo, builder, spider, cache)

	sched.Register(scheduler.TaskSpec{
		Name:      "crawl:rebuild",
		Fn:        func(ctx context.Context) error { _, err := coordinator.Rebuild(ctx); return err },
		Every:     10 * time.Second,
		Timeout:   time.Minute,
		Singleton: true,
	})
	sched.Register(scheduler.TaskSpec{
		Name:    "crawl:dispatch",
		Fn:      func(ctx context.Context) error { _, err := coordinator.Dispatch(ctx); return err },
		Every:   500 * time.Millisecond,
		Timeout: 35 * time.Second,
	})
}

func registerValidateTasks(sched *scheduler.Scheduler, repo *postgresrepo.ValidateRepo, llm oracle.Oracle) {
	aggregator := validate.NewAggregator(repo, validate.BatchSize)
	enricher := validate.NewEnricher(repo, llm, "Find the best public email address for this business, if any.")

	sched.Register(scheduler.TaskSpec{
		Name:      "validate:aggregate",
		Fn:        func(ctx context.Context) error { _, err := aggregator.RunBatch(ctx); return err },
		Every:     5 * time.Second,
		Timeout:   time.Minute,
		Singleton: true,
	})
	sched.Register(scheduler.TaskSpec{
		Name:      "validate:enrich",
		Fn:        func(ctx context.Context) error { _, err := enricher.RunBatch(ctx); return err },
		Every:     5 * time.Second,
		Timeout:   time.Minute,
		Singleton: true,
		Heavy:     true,
	})
}

func registerSenderSupervisor(sched *scheduler.Scheduler, mailRepo *postgresrepo.MailRepo, redisClient *redis.Client) {
	var transport sendone.Transport
	sesTransport, err := sendone.NewSESTransport(context.Background(), "", "", os.Getenv("AWS_REGION"))
	if err != nil {
		log.Printf("Warning: SES transport unavailable, sends will fail until AWS credentials are configured: %v", err)
		transport = unconfiguredTransport{err: err}
	} else {
		transport = sesTransport
	}

	var limiter sender.RateLimiter
	if redisClient != nil {
		limiter = ratelimit.New(redisClient)
	} else {
		limiter = noopRateLimiter{}
	}

	runner := &sender.MailboxRunner{
		Repo:    mailRepo,
		SendOne: sendone.New(mailRepo, transport),
		Limiter: limiter,
	}
	supervisor := sender.New(mailRepo, runner, sender.Config{})

	sched.Register(scheduler.TaskSpec{
		Name:      "sender:supervise",
		Fn:        func(ctx context.Context) error { supervisor.Tick(ctx); return nil },
		Every:     5 * time.Second,
		Singleton: true,
		Heavy:     true,
	})
}

// noopRateLimiter is used when Redis isn't configured: every mailbox is
// allowed to send, since there is nowhere to track the hourly counter.
type noopRateLimiter struct{}

func (noopRateLimiter) Allow(ctx context.Context, mailboxID string, limitHourSent int) (bool, error) {
	return true, nil
}

// unconfiguredTransport stands in for SESTransport when AWS credentials
// couldn't be loaded at startup, so every mailbox reports a clear send
// failure instead of panicking on a nil client.
type unconfiguredTransport struct{ err error }

func (u unconfiguredTransport) Deliver(ctx context.Context, msg sendone.Message, to string) (string, error) {
	return "", fmt.Errorf("sendone: SES transport not configured: %w", u.err)
}

func buildRouter(db *sql.DB, sched *scheduler.Scheduler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := db.PingContext(req.Context()); err != nil {
			httputil.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down", "error": err.Error()})
			return
		}
		httputil.OK(w, map[string]string{"status": "ok"})
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		httputil.OK(w, sched.Stats())
	})

	return r
}
