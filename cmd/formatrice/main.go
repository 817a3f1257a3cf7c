package main

import (
	"context"
	"errors"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	api "github.com/Mozmina/formatrice/internal/api/http"
	"github.com/Mozmina/formatrice/internal/auth"
	authmw "github.com/Mozmina/formatrice/internal/auth/middleware"
	"github.com/Mozmina/formatrice/internal/config"
	"github.com/Mozmina/formatrice/internal/db"
	"github.com/Mozmina/formatrice/internal/docstore"
	"github.com/Mozmina/formatrice/internal/evaluation"
	"github.com/Mozmina/formatrice/internal/learner"
	"github.com/Mozmina/formatrice/internal/realtime"
	"github.com/Mozmina/formatrice/internal/realtime/bus"
	"github.com/Mozmina/formatrice/internal/runner"
	"github.com/Mozmina/formatrice/internal/storage"
	syncx "github.com/Mozmina/formatrice/internal/sync"
	"github.com/Mozmina/formatrice/pkg/logger"
)

func main() {
	cfg := config.Load()

	log, err := logger.NewWithOptions(logger.Options{Mode: cfg.LogMode, File: cfg.LogFile})
	if err != nil {
		stdlog.Fatalf("logger init failed: %v", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server stopped", "error", err)
	}
}

func run(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	// --- DB ---
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	dbh, err := db.Open(openCtx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		return err
	}
	defer dbh.Close()

	// --- change bus: redis fans writes out to every instance; local otherwise ---
	var b bus.Bus
	if cfg.RedisAddr != "" {
		b, err = bus.NewRedisBus(ctx, log, cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			return err
		}
	} else {
		b = bus.NewLocalBus()
	}
	defer b.Close()

	origin := uuid.NewString()
	store := docstore.NewSQLStore(dbh, cfg.DBDriver, b, origin, log)
	defer store.Close()
	if err := b.StartForwarder(ctx, func(c bus.Change) { store.Notify(c.Path) }); err != nil {
		return err
	}

	repo := evaluation.NewRepository(store, docstore.NewPaths(cfg.AppID))
	if err := seedDefault(ctx, repo, log); err != nil {
		log.Warn("default evaluation not created", "error", err)
	}

	policy := runner.WriteThrough()
	if cfg.WritePolicy == config.Throttled {
		policy = runner.Throttled(cfg.WriteInterval)
	}
	hub := realtime.NewHub(log)
	sessions := learner.NewRegistry(repo, hub, policy, cfg.SessionIdleTTL, log)
	defer sessions.Close()

	blobs, err := storage.NewFSStore(cfg.BlobBasePath, cfg.PublicURL+"/assets")
	if err != nil {
		return err
	}

	router := api.NewRouter(api.Deps{
		Repo:         repo,
		Sessions:     sessions,
		Hub:          hub,
		Blobs:        blobs,
		Audit:        syncx.NewEventRepo(dbh, cfg.AppID),
		Auth:         authmw.NewAuthService(cfg.AuthSecret),
		Unlocker:     auth.NewUnlocker(cfg.AdminPassword, cfg.AdminPassHash),
		Log:          log,
		CORSOrigins:  cfg.CORSOrigins,
		EnableAdmin:  cfg.EnableAdmin,
		SecureCookie: cfg.Mode == config.ModeOnline,
		Ready: func() error {
			pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return dbh.PingContext(pctx)
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		// event streams end with the process context instead of holding Shutdown
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "addr", cfg.HTTPAddr, "mode", cfg.Mode, "db", cfg.DBDriver, "app", cfg.AppID, "write_policy", cfg.WritePolicy)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return sessions.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// seedDefault creates the stock drilling scenario on an empty deployment so the
// admin screen has something to start from. It is not activated.
func seedDefault(ctx context.Context, repo *evaluation.Repository, log *logger.Logger) error {
	list, err := repo.ListEvaluations(ctx)
	if err != nil || len(list) > 0 {
		return err
	}
	e := evaluation.New("", "Perçage en milieu occupé", time.Now())
	if err := repo.PutEvaluation(ctx, e); err != nil {
		return err
	}
	log.Info("default evaluation created", "evaluation", e.ID)
	return nil
}
