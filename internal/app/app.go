package app

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/dealman/internal/config"
	"github.com/hitoshi/dealman/internal/database"
	"github.com/hitoshi/dealman/internal/handler"
	"github.com/hitoshi/dealman/internal/logger"
	"github.com/hitoshi/dealman/internal/middleware"
	"github.com/hitoshi/dealman/internal/repository"
	"github.com/hitoshi/dealman/internal/review"
)

// dbPingTimeout は起動時のDB疎通確認のタイムアウト。
const dbPingTimeout = 5 * time.Second

// Init はログと設定を初期化する。w はログの出力先で、nil なら標準出力。
// 設定の読み込み中もログを出せるよう、ロガーを先に用意する。
func Init(w io.Writer) (*config.Config, error) {
	logger.SetupDefault(w)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		slog.Warn("invalid LOG_LEVEL, falling back to info", slog.Any("error", err))
	}
	return cfg, nil
}

// runners はサブコマンドごとの起動処理。healthcheck は設定を読まないため含めない。
var runners = map[Command]func(*config.Config) error{
	CommandServe:   runServe,
	CommandWorker:  runWorker,
	CommandMigrate: runMigrate,
}

// Run は os.Args[1:] からサブコマンドを決定して起動する。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)
	if cmd == CommandHealthcheck {
		return runHealthcheck(cmp.Or(os.Getenv("SERVER_PORT"), "8080"))
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("log_level", cfg.LogLevel),
	)

	run, ok := runners[cmd]
	if !ok {
		run = runServe
	}
	return run(cfg)
}

// runServe はAPIサーバーモードで起動する。
// 公開読み取りAPIと管理者向け審査APIを提供し、SIGINT/SIGTERMでグレースフルに停止する。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	dealRepo := repository.NewPostgresDealRepo(db)
	reviewService := review.NewService(dealRepo, slog.Default(), cfg.HotThreshold)

	rateLimiter := middleware.NewRateLimiter(middleware.PerMinute(cfg.RateLimitPublic))
	defer rateLimiter.Stop()

	if cfg.AdminToken == "" {
		slog.Warn("ADMIN_TOKEN is not set; all admin requests will be rejected")
	}

	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: handler.NewRouter(&handler.RouterDeps{
			Logger:            slog.Default(),
			CORSAllowedOrigin: cfg.CORSAllowedOrigin,
			RateLimiter:       rateLimiter,
			AdminToken:        cfg.AdminToken,
			HealthChecker:     db,
			DealService:       reviewService,
			AdminService:      reviewService,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signalContext()
	defer stop()

	if err := serveUntilDone(ctx, server, "api", 30*time.Second); err != nil {
		return err
	}
	slog.Info("API server stopped gracefully")
	return nil
}

// openDatabase は接続プールを開き、疎通を確認する。
func openDatabase(databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL, database.DefaultPoolOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(context.Background(), db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// signalContext はSIGINTまたはSIGTERMでキャンセルされるコンテキストを返す。
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// serveUntilDone はctxが終了するまでサーバーを動かし、その後タイムアウト付きで停止する。
// 待ち受けに失敗した場合はエラーを返す。
func serveUntilDone(ctx context.Context, server *http.Server, name string, shutdownTimeout time.Duration) error {
	listenErr := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.String("server", name), slog.String("addr", server.Addr))
		listenErr <- server.ListenAndServe()
	}()

	select {
	case err := <-listenErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server listen failed: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down http server", slog.String("server", name))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s server shutdown failed: %w", name, err)
	}
	return nil
}

// runMigrate は未適用のマイグレーションをすべて適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はローカルの /health を叩き、200以外ならエラーを返す。
// distroless イメージには curl がないため Docker の HEALTHCHECK から使う。
func runHealthcheck(port string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://localhost:"+port+"/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
