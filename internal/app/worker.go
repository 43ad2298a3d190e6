package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/dealman/internal/config"
	"github.com/hitoshi/dealman/internal/dedup"
	"github.com/hitoshi/dealman/internal/handler"
	"github.com/hitoshi/dealman/internal/metrics"
	"github.com/hitoshi/dealman/internal/oracle"
	"github.com/hitoshi/dealman/internal/pipeline"
	"github.com/hitoshi/dealman/internal/probe"
	"github.com/hitoshi/dealman/internal/repository"
	"github.com/hitoshi/dealman/internal/scheduler"
	"github.com/hitoshi/dealman/internal/security"
	"github.com/hitoshi/dealman/internal/source"
	"github.com/hitoshi/dealman/internal/validator"
	"github.com/hitoshi/dealman/internal/worker/cleanup"
	"github.com/hitoshi/dealman/internal/worker/ingest"
	"github.com/hitoshi/dealman/internal/worker/pending"
	"github.com/hitoshi/dealman/internal/worker/verify"
	"github.com/hitoshi/dealman/internal/worker/watchlist"
)

// sourceFetchTimeout は情報源フィード取得のタイムアウト。
const sourceFetchTimeout = 15 * time.Second

// jobSpec はオーケストレーターに登録するジョブと実行間隔。
type jobSpec struct {
	job      scheduler.Job
	interval time.Duration
}

// workerComponents はワーカープロセスを構成する部品。
type workerComponents struct {
	jobs      []jobSpec
	pipeline  *pipeline.Pipeline
	watchlist repository.WatchlistRepository
}

// buildWorker は設定からワーカーの全ジョブを組み立てる。DBへの接続は行わない。
func buildWorker(cfg *config.Config, db *sql.DB, m metrics.MetricsCollector, logger *slog.Logger) (*workerComponents, error) {
	// 1. リポジトリ
	dealRepo := repository.NewPostgresDealRepo(db)
	watchlistRepo := repository.NewPostgresWatchlistRepo(db)

	// 2. セキュリティ
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewTextSanitizer()

	// 3. 外部照会
	oracleClient := oracle.NewClient(&http.Client{Timeout: cfg.OracleTimeout}, oracle.Config{
		Endpoint:          cfg.OracleEndpoint,
		ClientID:          cfg.OracleClientID,
		ClientSecret:      cfg.OracleClientSecret,
		Timeout:           cfg.OracleTimeout,
		RequestsPerSecond: cfg.OracleRPS,
		CacheTTL:          cfg.OracleCacheTTL,
	}, logger, m)
	if !oracleClient.Configured() {
		logger.Warn("ORACLE_ENDPOINT is not set; oracle cross-checks will be skipped")
	}
	prober := probe.NewProber(ssrfGuard.NewSafeClient(cfg.ProbeTimeout), ssrfGuard, cfg.ProbeTimeout, logger)

	// 4. 検証・重複判定・取り込み
	rules := validator.DefaultRuleTable()
	if cfg.NoiseRulesFile != "" {
		loaded, err := validator.LoadRuleTableFile(cfg.NoiseRulesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load noise rules: %w", err)
		}
		rules = loaded
	}
	vcfg := validator.DefaultConfig()
	vcfg.MinDiscount = cfg.MinDiscount
	vcfg.HotThreshold = cfg.HotThreshold
	vcfg.MaxForeignScriptRatio = cfg.MaxForeignScriptRatio
	v := validator.New(vcfg, rules)

	p := pipeline.New(dealRepo, oracleClient, v, dedup.NewEngine(cfg.DedupTolerance), m, logger)
	p.SetPolicy(watchlist.SourceName, watchlist.Policy)

	defs, err := source.LoadDefinitions(cfg.SourcesFile)
	if err != nil {
		return nil, err
	}

	// 5. ジョブ
	jobs := []jobSpec{
		{
			job: verify.NewSweep(dealRepo, prober, oracleClient, m, logger, verify.Config{
				Cutoff:       cfg.VerifyCutoff,
				Concurrency:  cfg.FanoutConcurrency,
				HotThreshold: cfg.HotThreshold,
			}),
			interval: cfg.VerifyInterval,
		},
	}

	sourceClient := ssrfGuard.NewSafeClient(sourceFetchTimeout)
	for _, def := range defs {
		p.SetPolicy(def.Name, pipeline.SourcePolicy{
			Trusted:     def.Trusted || cfg.IsTrustedSource(def.Name),
			CrossCheck:  def.CrossCheck,
			MinDiscount: def.MinDiscount,
		})
		adapter := source.NewRSSAdapter(def, sourceClient, ssrfGuard, sanitizer, logger)
		jobs = append(jobs, jobSpec{
			job:      ingest.NewJob(adapter, p, logger, cfg.FanoutConcurrency),
			interval: def.Interval,
		})
	}

	priceLogCleanup := cleanup.NewPriceLogCleanup(db, logger)
	priceLogCleanup.RetentionDays = cfg.PriceLogRetentionDays

	jobs = append(jobs,
		jobSpec{
			job:      watchlist.NewMonitor(watchlistRepo, oracleClient, p, logger, cfg.FanoutConcurrency),
			interval: cfg.WatchlistInterval,
		},
		jobSpec{
			job:      pending.NewChecker(dealRepo, oracleClient, v, p, logger, cfg.PendingReviewTimeout, cfg.FanoutConcurrency),
			interval: cfg.PendingCheckInterval,
		},
		jobSpec{
			job:      cleanup.NewStaleSweep(dealRepo, logger, cfg.StaleWindow),
			interval: cfg.StaleSweepInterval,
		},
		jobSpec{
			job:      priceLogCleanup,
			interval: cfg.PriceLogCleanupInterval,
		},
	)

	return &workerComponents{
		jobs:      jobs,
		pipeline:  p,
		watchlist: watchlistRepo,
	}, nil
}

// registerJobs はジョブをオーケストレーターに登録する。
// 1回の実行は実行間隔を超えないようにタイムアウトを設定する。
func registerJobs(orch *scheduler.Orchestrator, jobs []jobSpec) error {
	for _, s := range jobs {
		if err := orch.Register(s.job, s.interval, scheduler.WithTimeout(s.interval)); err != nil {
			return fmt.Errorf("failed to register job %s: %w", s.job.Name(), err)
		}
	}
	return nil
}

// runWorker はワーカーモードで起動する。
// 全ジョブを登録したオーケストレーターと運用エンドポイント（/metrics, /admin/jobs）を動かし、
// SIGINT/SIGTERMを受けると実行中のジョブの完了を待って終了する。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	logger := slog.Default()
	comps, err := buildWorker(cfg, db, collector, logger)
	if err != nil {
		return err
	}

	// ウォッチリストが空の場合のみ初期データを投入する
	seed, err := watchlist.LoadSeed(cfg.WatchlistSeedFile)
	if err != nil {
		return err
	}
	if _, err := watchlist.Seed(context.Background(), comps.watchlist, seed, logger); err != nil {
		logger.Error("watchlist seed failed", slog.String("error", err.Error()))
	}

	orch := scheduler.New(logger, collector)
	if err := registerJobs(orch, comps.jobs); err != nil {
		return err
	}

	server := &http.Server{
		Addr: ":" + cfg.MetricsPort,
		Handler: handler.NewWorkerRouter(&handler.WorkerRouterDeps{
			Logger:     logger,
			AdminToken: cfg.AdminToken,
			Metrics:    metrics.Handler(reg),
			Jobs:       orch,
		}),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	ctx, stop := signalContext()
	defer stop()

	logger.Info("worker starting",
		slog.Int("jobs", len(comps.jobs)),
		slog.Int("fanout_concurrency", cfg.FanoutConcurrency),
	)

	// 運用エンドポイントが待ち受けに失敗した場合はオーケストレーターも止める
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		orch.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return serveUntilDone(gctx, server, "worker", 10*time.Second)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("worker stopped gracefully")
	return nil
}
