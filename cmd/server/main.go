package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"mailconsent/internal/audit"
	"mailconsent/internal/consent/handler"
	"mailconsent/internal/consent/metrics"
	"mailconsent/internal/consent/service"
	"mailconsent/internal/consent/store"
	"mailconsent/internal/consent/token"
	"mailconsent/internal/email"
	"mailconsent/internal/email/postmark"
	"mailconsent/internal/platform/config"
	"mailconsent/internal/platform/database"
	"mailconsent/internal/platform/logger"
	"mailconsent/internal/platform/middleware"
	"mailconsent/internal/ratelimit"
	"mailconsent/internal/seeder"
	"mailconsent/internal/users"
)

// main wires dependencies and keeps the server lifecycle small. Business
// logic lives in the internal packages.
func main() {
	log := logger.New()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rate, err := ratelimit.ParseRate(cfg.RateLimit)
	if err != nil {
		log.Error("invalid rate limit", "error", err)
		os.Exit(1)
	}

	fromAddress, err := email.ParseAddress(cfg.FromAddress)
	if err != nil {
		log.Error("invalid from address", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbCfg := database.DefaultConfig()
	dbCfg.URL = cfg.DatabaseURL
	pool, err := database.New(dbCfg)
	if err != nil {
		log.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	var (
		userStore    users.Store
		consentStore store.Store
		auditStore   audit.Store
	)
	if pool != nil {
		log.Info("using postgres stores")
		db := pool.DB()
		userStore = users.NewPostgres(db)
		consentStore = store.NewPostgres(db)
		auditStore = audit.NewPostgresStore(db)
	} else {
		log.Warn("no database configured, state is in-memory and lost on restart")
		memUsers := users.NewMemoryStore()
		memConsent := store.NewMemory(memUsers)
		memUsers.OnDelete = memConsent.DetachUser
		userStore = memUsers
		consentStore = memConsent
		auditStore = audit.NewInMemoryStore()
	}

	var sender email.Sender = email.NewLogSender(log)
	if cfg.PostmarkToken != "" {
		sender = postmark.NewSender(nil, postmark.Settings{
			ServerToken:   cfg.PostmarkToken,
			MessageStream: cfg.PostmarkStream,
		})
	}

	auditor := audit.NewPublisher(auditStore,
		audit.WithAsyncBuffer(256),
		audit.WithPublisherLogger(log),
	)
	defer auditor.Close()

	svc := service.NewService(
		consentStore, userStore, token.NewCodec(cfg.SigningKey), cfg.Salts,
		cfg.BaseURL, fromAddress,
		service.WithSender(sender),
		service.WithAuditor(auditor),
		service.WithMetrics(metrics.New()),
		service.WithLogger(log),
		service.WithSiteName(cfg.SiteName),
	)

	if err := seeder.New(consentStore, log).Ensure(ctx, cfg.Seeds); err != nil {
		log.Error("seeding failed", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.NewLimiter(rate)

	router := chi.NewRouter()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestID)
	router.Use(middleware.ClientIP)
	router.Use(middleware.Logger(log))
	router.Use(middleware.Timeout(30 * time.Second))

	router.Get("/healthz", healthz(pool))
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	router.Group(func(r chi.Router) {
		r.Use(ratelimit.NewMiddleware(limiter, log).Limit)
		r.Use(audit.Annotate)
		handler.New(svc, log).Register(r)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("starting http server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down server gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func healthz(pool *database.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			if err := pool.Health(r.Context()); err != nil {
				http.Error(w, "database unreachable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	}
}
