package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"

	"callkit-voip/internal/auth"
	"callkit-voip/internal/blob"
	"callkit-voip/internal/bridge"
	"callkit-voip/internal/callstate"
	"callkit-voip/internal/config"
	"callkit-voip/internal/engine"
	"callkit-voip/internal/eventqueue"
	"callkit-voip/internal/history"
	"callkit-voip/internal/httpapi"
	"callkit-voip/internal/scheduler"
	"callkit-voip/internal/telephony"
	"callkit-voip/pkg/logger"
	"callkit-voip/pkg/utils"
)

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "token" {
		err = runToken(os.Args[2:])
	} else {
		err = run()
	}
	if err != nil {
		slog.Error("callkitd failed", "err", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	if err := config.LoadEnv(); err != nil {
		return config.Config{}, fmt.Errorf("env file: %w", err)
	}
	return config.Load()
}

func run() error {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth init: %w", err)
	}

	blobs, closeBlobs, err := openBlobStore(rootCtx, cfg)
	if err != nil {
		return fmt.Errorf("blob store init: %w", err)
	}
	defer closeBlobs()

	historySvc, closeHistory, err := openHistory(rootCtx, cfg, log)
	if err != nil {
		return fmt.Errorf("history init: %w", err)
	}
	defer closeHistory()

	loop := scheduler.NewLoop(log)
	defer loop.Close()

	native := telephony.NewHeadlessAdapter(log)
	hub := bridge.NewHub(log)

	eng, err := engine.New(engineConfig(cfg.Engine), engine.Deps{
		Sched:    loop,
		Store:    callstate.NewStore(blobs, log),
		Queue:    eventqueue.New(blobs, cfg.Engine.QueueTTL, log),
		Native:   native,
		Fallback: hub,
		Bridge:   hub,
		History:  historySvc,
		Log:      log,
	})
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}
	hub.OnReady = eng.ListenerReady

	if err := eng.Init(rootCtx); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, routeDeps{
		authMW: auth.RequireToken(authManager),
		hub:    hub,
		native: native,
		engine: eng,
		api: httpapi.Handlers{
			Calls:   eng,
			History: historySvc,
			Auth:    authManager,
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("callkitd listening", "addr", srv.Addr, "store", cfg.Store.Backend, "history", cfg.HistoryEnabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		// Close listener sockets first so no new events arrive while the
		// engine stops its timers.
		hub.Close()
		err := srv.Shutdown(shutdownCtx)
		eng.Shutdown()
		return err
	})
	return g.Wait()
}

func engineConfig(c config.EngineConfig) engine.Config {
	return engine.Config{
		RingTimeout:    c.RingTimeout,
		QueueTTL:       c.QueueTTL,
		FlushDebounce:  c.FlushDebounce,
		FlushInterval:  c.FlushInterval,
		RetryAttempts:  c.RetryAttempts,
		RetryBaseDelay: c.RetryBaseDelay,
	}
}

func openBlobStore(ctx context.Context, cfg config.Config) (blob.Store, func(), error) {
	switch cfg.Store.Backend {
	case "redis":
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
		if err != nil {
			return nil, nil, err
		}
		s, err := blob.NewRedisStore(rdb, cfg.Store.RedisPrefix)
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return s, func() { _ = rdb.Close() }, nil
	case "memory":
		return blob.NewMemoryStore(), func() {}, nil
	default:
		s, err := blob.NewFileStore(cfg.Store.Dir)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
}

func openHistory(ctx context.Context, cfg config.Config, log *slog.Logger) (*history.Service, func(), error) {
	if !cfg.HistoryEnabled() {
		log.Info("call history kept in memory")
		return history.NewService(history.NewMemoryRepo()), func() {}, nil
	}

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return nil, nil, err
	}
	repo, err := history.NewPostgresRepo(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return history.NewService(repo), closeDB(db), nil
}

func closeDB(db *sql.DB) func() {
	return func() { _ = db.Close() }
}

// runToken prints a signed token: callkitd token -role device -sub <id>.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	role := fs.String("role", "device", "token role: device, push_gateway or operator")
	sub := fs.String("sub", "", "token subject")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sub == "" {
		return errors.New("-sub is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}
	tok, err := m.Issue(time.Now(), *sub, *role)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
