// Package engine wires every domain package into a single running
// process: config, storage, the six domain services, the reclaim loop,
// and graceful shutdown. It is the non-HTTP analogue of the teacher's
// internal/server package — spec.md §1 places the HTTP surface, SSE
// fan-out, and webhook delivery out of scope, so this package stops at
// the operation layer the teacher's Server wraps with gin; Run/Shutdown
// and the background-timer bookkeeping are carried over unchanged since
// they are ambient process concerns, not HTTP ones.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/pinchwork/pinchwork/internal/clock"
	"github.com/pinchwork/pinchwork/internal/config"
	"github.com/pinchwork/pinchwork/internal/credential"
	"github.com/pinchwork/pinchwork/internal/events"
	"github.com/pinchwork/pinchwork/internal/health"
	"github.com/pinchwork/pinchwork/internal/ledger"
	"github.com/pinchwork/pinchwork/internal/longpoll"
	"github.com/pinchwork/pinchwork/internal/matching"
	"github.com/pinchwork/pinchwork/internal/metrics"
	"github.com/pinchwork/pinchwork/internal/reclaim"
	"github.com/pinchwork/pinchwork/internal/referral"
	"github.com/pinchwork/pinchwork/internal/registry"
	"github.com/pinchwork/pinchwork/internal/task"
	"github.com/pinchwork/pinchwork/internal/traces"
	"github.com/pinchwork/pinchwork/internal/verification"
)

// Engine holds every wired service plus the process-lifecycle state Run
// and Shutdown manage. Fields are exported read-only via accessors where
// a future collaborator (an HTTP layer, a CLI) would need them; for now
// nothing outside this package reaches in, matching the teacher's own
// Server struct shape before routes are added to it.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	db *sql.DB // nil in in-memory mode

	Ledger       *ledger.Ledger
	Registry     *registry.Service
	Tasks        *task.Service
	Matching     *matching.Service
	Verification *verification.Service
	Referral     *referral.Service
	LongPoll     *longpoll.Registry
	Events       *events.Publisher

	reclaimer      *reclaim.Timer
	health         *health.Registry
	tracerShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc

	ready atomic.Bool
}

// New wires the full engine. If cfg.DatabaseURL is empty, every store is
// in-memory — useful for local development the same way the teacher's
// Server falls back to in-memory stores when DATABASE_URL is unset.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	e := &Engine{cfg: cfg, logger: logger, health: health.NewRegistry()}

	ctx := context.Background()
	tracerShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Warn("failed to initialize tracing", "error", err)
		tracerShutdown = func(context.Context) error { return nil }
	}
	e.tracerShutdown = tracerShutdown

	clk := clock.Real{}

	var (
		ledgerStore   ledger.Store
		registryStore registry.Store
		taskStore     task.Store
		matchingStore matching.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := openDB(cfg)
		if err != nil {
			return nil, err
		}
		e.db = db
		logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		ledgerStore = ledger.NewPostgresStore(db)
		registryStore = registry.NewPostgresStore(db)
		taskStore = task.NewPostgresStore(db)
		matchingStore = matching.NewPostgresStore(db)

		e.health.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		logger.Info("using in-memory storage (data will not persist)")
		ledgerStore = ledger.NewMemoryStore(clk)
		registryStore = registry.NewMemoryStore(func() time.Time { return clk.Now() })
		taskStore = task.NewMemoryStore()
		matchingStore = matching.NewMemoryStore(clk)
	}

	if err := ensurePlatformAgent(ctx, registryStore, cfg.PlatformAgentID); err != nil {
		return nil, fmt.Errorf("failed to bootstrap platform agent: %w", err)
	}

	e.Ledger = ledger.New(ledgerStore)
	e.Registry = registry.New(registryStore, e.Ledger, cfg.InitialCredits)

	e.Tasks = task.New(taskStore, e.Ledger, e.Registry, clk, task.Params{
		TaskExpireHours:              cfg.TaskExpireHours,
		DefaultReviewTimeoutMinutes:  cfg.DefaultReviewTimeoutMinutes,
		DefaultClaimTimeoutMinutes:   cfg.DefaultClaimTimeoutMinutes,
		MatchTimeoutSeconds:          cfg.MatchTimeoutSeconds,
		VerificationTimeoutSeconds:   cfg.VerificationTimeoutSeconds,
		SystemTaskAutoApproveSeconds: cfg.SystemTaskAutoApproveSeconds,
		MaxRejections:                cfg.MaxRejections,
		RejectionGraceMinutes:        cfg.RejectionGraceMinutes,
		PlatformAgentID:              cfg.PlatformAgentID,
		MatchCredits:                 cfg.MatchCredits,
		VerifyCredits:                cfg.VerifyCredits,
		MaxAbandonsBeforeCooldown:    cfg.MaxAbandonsBeforeCooldown,
		AbandonCooldownMinutes:       cfg.AbandonCooldownMinutes,
	})

	e.Matching = matching.New(matchingStore, e.Tasks, e.Registry, clk, matching.Params{
		MatchTimeoutSeconds: cfg.MatchTimeoutSeconds,
		MatchCredits:        cfg.MatchCredits,
	})
	e.Verification = verification.New(e.Tasks, e.Registry, clk, verification.Params{
		VerificationTimeoutSeconds: cfg.VerificationTimeoutSeconds,
		VerifyCredits:              cfg.VerifyCredits,
	})
	e.Referral = referral.New(e.Registry, e.Ledger, referral.Params{
		ReferralBonus:              cfg.ReferralBonus,
		MaxReferralBonusesPerAgent: cfg.MaxReferralBonusesPerAgent,
	})
	e.LongPoll = longpoll.New()
	e.Events = events.New(logger)

	// Consumer-defined interfaces, wired once here per each package's own
	// doc comment: task.Service never imports matching/verification/
	// referral/longpoll/events, so these setters are the only place the
	// dependency direction reverses.
	e.Tasks.SetMatcher(e.Matching)
	e.Tasks.SetVerifier(e.Verification)
	e.Tasks.SetReferralPayer(e.Referral)
	e.Tasks.SetSignaler(e.LongPoll)
	e.Tasks.SetEvents(e.Events)
	e.Tasks.SetMatchRanker(e.Matching)
	e.Registry.SetCapabilityExtractor(e.Matching)

	e.reclaimer = reclaim.NewTimer(e.Tasks, logger)
	e.health.Register("reclaimer", func(context.Context) health.Status {
		if e.reclaimer.Running() {
			return health.Status{Name: "reclaimer", Healthy: true}
		}
		return health.Status{Name: "reclaimer", Healthy: false, Detail: "not running"}
	})

	return e, nil
}

// ensurePlatformAgent idempotently creates the agent identity system
// tasks are posted under (task.Params.PlatformAgentID). Nothing else
// mints this row — it isn't a real registrant, so it skips Register's
// API-key issuance entirely — and CreateAgent's unique-id conflict is
// treated as success on every boot after the first.
func ensurePlatformAgent(ctx context.Context, store registry.Store, platformAgentID string) error {
	if _, err := store.GetAgent(ctx, platformAgentID); err == nil {
		return nil
	}
	keyHash, fingerprint, err := credential.HashKey(credential.NewAPIKey())
	if err != nil {
		return err
	}
	err = store.CreateAgent(ctx, &registry.Agent{
		ID:                 platformAgentID,
		Name:               "platform",
		KeyHash:            keyHash,
		KeyFingerprint:     fingerprint,
		AcceptsSystemTasks: false,
		ReferralCode:       credential.NewReferralCode(),
	})
	if err != nil && !errors.Is(err, registry.ErrAgentExists) {
		return err
	}
	return nil
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	dsn := appendDSNParams(cfg.DatabaseURL, cfg.DBConnectTimeout, cfg.DBStatementTimeout)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func appendDSNParams(dsn string, connectTimeout, statementTimeout int) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return fmt.Sprintf("%s%sconnect_timeout=%d&statement_timeout=%d", dsn, sep, connectTimeout, statementTimeout)
	}
	return fmt.Sprintf("%s connect_timeout=%d statement_timeout=%d", dsn, connectTimeout, statementTimeout)
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// Ready reports whether the engine has finished its startup grace period.
func (e *Engine) Ready() bool { return e.ready.Load() }

// CheckHealth runs every registered health checker (database, reclaimer).
func (e *Engine) CheckHealth(ctx context.Context) (bool, []health.Status) {
	return e.health.CheckAll(ctx)
}

// Run starts the reclaim loop and background metrics collection, then
// blocks until ctx is cancelled or SIGINT/SIGTERM is received, at which
// point it shuts everything down gracefully.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancelRunCtx = cancel

	go e.reclaimer.Start(runCtx)
	e.logger.Info("reclaim loop started", "interval", "60s")

	if e.db != nil {
		go metrics.StartDBStatsCollector(runCtx, e.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		e.ready.Store(true)
		e.logger.Info("engine ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		e.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		e.logger.Info("context cancelled")
	}

	return e.Shutdown()
}

// Shutdown stops the reclaim loop and closes the database pool.
func (e *Engine) Shutdown() error {
	e.ready.Store(false)
	e.logger.Info("starting graceful shutdown")

	if e.cancelRunCtx != nil {
		e.cancelRunCtx()
	}
	e.reclaimer.Stop()
	e.logger.Info("reclaim loop stopped")

	if err := e.tracerShutdown(context.Background()); err != nil {
		e.logger.Warn("tracer shutdown error", "error", err)
	}

	if e.db != nil {
		if err := e.db.Close(); err != nil {
			return fmt.Errorf("database close error: %w", err)
		}
		e.logger.Info("database connection closed")
	}

	return nil
}
