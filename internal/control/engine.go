package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dustfold/sweeper/internal/core/config"
	"github.com/dustfold/sweeper/internal/core/domain"
	"github.com/dustfold/sweeper/internal/gate"
	redisclient "github.com/dustfold/sweeper/internal/infra/redis"
	"github.com/dustfold/sweeper/internal/infra/storage"
	"github.com/dustfold/sweeper/internal/infra/storage/memory"
	"github.com/dustfold/sweeper/internal/infra/storage/postgres"
	"github.com/dustfold/sweeper/internal/price"
	"github.com/dustfold/sweeper/internal/queue"
	"github.com/dustfold/sweeper/internal/quote"
	"github.com/dustfold/sweeper/internal/scan"
	"github.com/dustfold/sweeper/internal/scan/evm"
	"github.com/dustfold/sweeper/internal/scan/solana"
	"github.com/dustfold/sweeper/internal/server"
	"github.com/dustfold/sweeper/internal/settle"
	"github.com/dustfold/sweeper/internal/sweep"
)

// Engine wires the full service: storage, oracle, scanners, quote
// aggregation, the job queue, the orchestrator and the HTTP API.
type Engine struct {
	cfg    *config.AppConfig
	log    *slog.Logger
	db     *postgres.DB
	redis  *redisclient.Client
	queue  *queue.Queue
	orch   *sweep.Orchestrator
	oracle *price.Oracle
	srv    *server.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine builds the engine from configuration. Without a database
// URL everything runs against in-memory storage, which is enough for
// local development and tests.
func NewEngine(ctx context.Context, cfg *config.AppConfig, log *slog.Logger) (*Engine, error) {
	e := &Engine{cfg: cfg, log: log}

	var (
		sweepRepo storage.SweepRepository
		tokenRepo storage.TokenRepository
		jobStore  storage.JobStore
	)
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("init database: %w", err)
		}
		e.db = db
		sweepRepo = postgres.NewSweepRepo(db)
		tokenRepo = postgres.NewTokenRepo(db)
		jobStore = postgres.NewJobStore(db)
		log.Info("using postgres storage")
	} else {
		store := memory.NewStorage()
		sweepRepo = memory.NewSweepRepo(store)
		tokenRepo = memory.NewTokenRepo(store)
		jobStore = memory.NewJobStore(store)
		log.Info("using memory storage")
	}

	if cfg.Redis.URL != "" {
		rdb, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("init redis: %w", err)
		}
		e.redis = rdb
	}

	// Price oracle. The cache is redis-backed when available; without
	// it every read goes to the sources.
	sources := make([]price.Source, 0, len(cfg.Oracle.Sources))
	for _, sc := range cfg.Oracle.Sources {
		sources = append(sources, price.NewHTTPSource(sc))
	}
	var priceCache price.Cache
	if e.redis != nil {
		priceCache = price.NewRedisCache(e.redis)
	}
	e.oracle = price.NewOracle(cfg.Oracle, sources, priceCache, log)

	// Chain scanners, dispatched by family.
	valuer := scan.NewValuer(e.oracle, cfg.Sweep.DustThresholdUSD, log)
	var scanners []scan.Scanner
	metaURL := ""
	for _, cc := range cfg.Chains {
		if cc.IndexerURL == "" {
			continue
		}
		if metaURL == "" {
			metaURL = cc.IndexerURL
		}
		switch cc.Family {
		case domain.FamilyTokenAccount:
			scanners = append(scanners, solana.NewScanner(cc, valuer, log))
		default:
			scanners = append(scanners, evm.NewScanner(cc, valuer, log))
		}
	}
	multi := scan.NewMulti(scanners, log)

	// Quote aggregation.
	adapters := make([]quote.Adapter, 0, len(cfg.Quotes.Adapters))
	for _, ac := range cfg.Quotes.Adapters {
		adapters = append(adapters, quote.NewHTTPAdapter(ac, cfg.Quotes.TTL))
	}
	selector := quote.NewSelector(adapters, quote.NewTokenMeta(metaURL, log), log)

	e.queue = queue.New(jobStore, cfg.Queue, log)
	e.queue.Register(domain.QueuePrices, e.handlePriceRefresh)

	var admitter sweep.Admitter
	if cfg.Gate.Enabled {
		if e.redis == nil {
			return nil, errors.New("payment gate requires redis for nonce tracking")
		}
		if cfg.Gate.VerifierURL == "" {
			return nil, errors.New("payment gate requires a verifier_url")
		}
		admitter = gate.New(cfg.Gate, gate.NewHTTPVerifier(cfg.Gate.VerifierURL), e.redis, log)
	} else {
		admitter = gate.New(cfg.Gate, nil, nil, log)
	}

	submitter := settle.NewRPCSubmitter(cfg.Chains)
	e.orch = sweep.NewOrchestrator(cfg.Sweep, sweepRepo, selector, e.queue, submitter, admitter, log)

	// HTTP surface.
	checks := map[string]func(ctx context.Context) error{}
	if e.db != nil {
		checks["postgres"] = e.db.Health
	}
	if e.redis != nil {
		checks["redis"] = e.redis.Health
	}
	var snapshots server.SnapshotCache
	if e.redis != nil {
		snapshots = e.redis
	}
	handlers := &server.Handlers{
		Scanner:      &scanService{multi: multi, queue: e.queue, ttl: cfg.Oracle.CacheTTL},
		Quoter:       selector,
		Orch:         e.orch,
		Tokens:       tokenRepo,
		Snapshots:    snapshots,
		SnapshotTTL:  cfg.Oracle.CacheTTL,
		DefaultSlip:  cfg.Quotes.DefaultSlippagePct,
		HealthChecks: checks,
		Log:          log,
	}
	e.srv = server.New(cfg.Server.Port, handlers)

	return e, nil
}

// Start launches the queue workers, the tracking re-driver and the
// HTTP server.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if e.db != nil {
		e.db.StartMetricsCollector(runCtx)
	}
	e.queue.Start(runCtx)

	e.wg.Add(1)
	go e.redriveLoop(runCtx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("http server stopped", "error", err)
		}
	}()

	e.log.Info("engine started", "port", e.cfg.Server.Port, "chains", len(e.cfg.Chains))
	return nil
}

// Stop shuts everything down in dependency order: stop accepting
// requests, drain workers, then close connections.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	if err := e.srv.Shutdown(ctx); err != nil {
		e.log.Warn("http shutdown", "error", err)
	}
	e.queue.Stop()
	e.wg.Wait()

	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			e.log.Warn("redis close", "error", err)
		}
	}
	if e.db != nil {
		e.db.Close()
	}
	e.log.Info("engine stopped")
	return nil
}

// redriveLoop periodically re-enqueues tracking for submitted legs so
// receipt polling survives worker crashes and restarts.
func (e *Engine) redriveLoop(ctx context.Context) {
	defer e.wg.Done()

	every := e.cfg.Sweep.TrackRedriveEvery
	if every <= 0 {
		every = 15 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.orch.RedriveTracking(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.log.Error("tracking redrive failed", "error", err)
			}
		}
	}
}

// priceRefreshPayload identifies one token whose cached price should
// be rebuilt.
type priceRefreshPayload struct {
	Token string       `json:"token"`
	Chain domain.Chain `json:"chain"`
}

// handlePriceRefresh re-resolves a price through the oracle, warming
// the cache for the next quote preview.
func (e *Engine) handlePriceRefresh(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	var p priceRefreshPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode price payload: %w", err)
	}
	vp, err := e.oracle.ValidatedPrice(ctx, p.Token, p.Chain)
	if err != nil {
		return nil, err
	}
	return json.Marshal(vp)
}

// scanService decorates the multi-chain scanner: after a scan it
// schedules price refresh jobs for the dust tokens, timed to land as
// the cache entries from the scan expire.
type scanService struct {
	multi *scan.Multi
	queue *queue.Queue
	ttl   time.Duration
}

func (s *scanService) Scan(ctx context.Context, walletAddress string) (*domain.PortfolioScan, error) {
	res, err := s.multi.Scan(ctx, walletAddress)
	if err != nil {
		return nil, err
	}
	runAt := time.Now().Add(s.ttl)
	for _, cb := range res.Chains {
		for _, tok := range cb.Tokens {
			if !tok.IsDust {
				continue
			}
			identity := fmt.Sprintf("price:%s:%s", tok.Chain, tok.Address)
			payload := priceRefreshPayload{Token: tok.Address, Chain: tok.Chain}
			if _, err := s.queue.EnqueueAt(ctx, domain.QueuePrices, identity, payload, runAt); err != nil {
				return res, nil // refresh scheduling is best effort
			}
		}
	}
	return res, nil
}
