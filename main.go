// Command MNL is the entrypoint for the chatter control server.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Wires the profile store, browser sessions, auth and the updater.
//   - Starts the stale-backup cleanup job when configured.
//   - Serves the admin and chatter API with /healthz, /readyz and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM; open browsers are closed on exit.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/St-Ryzen/MNL/auth"
	"github.com/St-Ryzen/MNL/config"
	"github.com/St-Ryzen/MNL/crypto"
	"github.com/St-Ryzen/MNL/db"
	"github.com/St-Ryzen/MNL/jobs"
	"github.com/St-Ryzen/MNL/retry"
	"github.com/St-Ryzen/MNL/server"
	"github.com/St-Ryzen/MNL/session"
	"github.com/St-Ryzen/MNL/store"
	"github.com/St-Ryzen/MNL/telemetry"
	"github.com/St-Ryzen/MNL/updater"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	up := updater.New(cfg.UpdateAPIBase, cfg.UpdateRepo, cfg.VersionFile, cfg.AppRoot)
	version := up.Current()

	// Metrics / telemetry init
	telemetry.Init()
	retry.OnRetry = func(policy string, attempt int, err error) {
		telemetry.RecordRetry(policy)
	}

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("mnl", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; the embedded schema covers deployments without the
	// migrations directory.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed successfully", slog.String("component", "db_migrate"))
	}

	enc, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
	if err != nil {
		slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Profile archives live in Postgres, optionally mirrored to S3.
	var st store.Store = store.NewPostgres(database)
	if cfg.S3.Enabled() {
		objects, err := store.NewS3Objects(ctx, cfg.S3)
		if err != nil {
			slog.Error("failed to initialize S3 mirror", slog.Any("err", err))
			os.Exit(1)
		}
		st = store.NewS3Mirror(st, objects)
		slog.Info("S3 backup mirror enabled", slog.String("bucket", cfg.S3.Bucket))
	}

	if err := os.MkdirAll(cfg.ProfilesDir, 0o755); err != nil {
		slog.Error("failed to create profiles dir", slog.String("dir", cfg.ProfilesDir), slog.Any("err", err))
		os.Exit(1)
	}
	sessions := &session.Orchestrator{
		Registry:    session.NewRegistry(cfg.BrowserReleaseWait),
		Launcher:    &session.ChromeLauncher{ExecPath: cfg.ChromePath, Headless: cfg.ChromeHeadless},
		Store:       st,
		Site:        session.DefaultSite(cfg.SiteBaseURL),
		ProfilesDir: cfg.ProfilesDir,
		SettleWait:  cfg.RestoreSettleWait,
	}
	extSrc := filepath.Join(cfg.ExtensionsDir, cfg.ExtensionName)
	if fi, err := os.Stat(extSrc); err == nil && fi.IsDir() {
		sessions.Extension = &session.Extension{Src: extSrc, ID: cfg.ExtensionID, Version: cfg.ExtensionVersion}
		slog.Info("bundled extension enabled", slog.String("src", extSrc), slog.String("version", cfg.ExtensionVersion))
	} else {
		slog.Info("no bundled extension found", slog.String("src", extSrc))
	}
	defer sessions.Registry.CloseAll()

	a := auth.New(database, cfg.JWTSecret, cfg.SessionTTL, cfg.AdminToken)
	a.SecureCookie = cfg.SecureCookie
	if err := a.EnsureDefaultAdmin(ctx, cfg.DefaultAdminPassword); err != nil {
		slog.Error("failed to ensure admin user", slog.Any("err", err))
		os.Exit(1)
	}

	go jobs.StartBackupCleanupJob(ctx, database, jobs.CleanupPolicy{
		ProfilesDir: cfg.ProfilesDir,
		Interval:    cfg.CleanupInterval,
		DryRun:      cfg.CleanupDryRun,
		Lock:        sessions.Registry.WithLock,
	})

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	h := server.NewHandlers(server.Deps{
		DB:          database,
		Encryptor:   enc,
		Auth:        a,
		Sessions:    sessions,
		Updater:     up,
		ProfilesDir: cfg.ProfilesDir,
	})
	slog.Info("starting MNL", slog.String("version", version), slog.String("addr", cfg.HTTPAddr))
	if err := server.Start(ctx, h, cfg.HTTPAddr); err != nil {
		slog.Error("http server exited with error", slog.Any("err", err))
	}
	slog.Info("shutting down")
}
