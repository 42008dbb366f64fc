package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/msgcore/internal/config"
	"github.com/msgcore/internal/directory"
	"github.com/msgcore/internal/events"
	"github.com/msgcore/internal/handler"
	"github.com/msgcore/internal/logger"
	"github.com/msgcore/internal/metrics"
	"github.com/msgcore/internal/middleware"
	"github.com/msgcore/internal/push"
	"github.com/msgcore/internal/repository"
	"github.com/msgcore/internal/service"
	"github.com/msgcore/internal/startup"
	"github.com/msgcore/internal/storage"
	"github.com/msgcore/internal/storage/memory"
	"github.com/msgcore/internal/ws"
	"github.com/msgcore/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	inMemory := flag.Bool("memory", false, "keep all data in process memory (no PostgreSQL)")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()
	ctx := context.Background()

	var (
		store repository.Store
		users repository.UserDirectory
	)
	switch {
	case *inMemory:
		mem := memory.NewStore()
		store, users = mem, mem
		logger.Info("using in-memory store")
	default:
		if *dev {
			db, url, err := startup.StartEmbeddedPostgres(startup.EmbeddedPostgresConfig{})
			if err != nil {
				logger.Errorf("embedded postgres: %v", err)
				os.Exit(1)
			}
			cfg.Database.URL = url
			defer stopEmbedded(db)
		}
		pool, err := connectDB(ctx, cfg)
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		defer pool.Close()

		migCtx, migCancel := context.WithTimeout(ctx, 60*time.Second)
		err = startup.RunMigrations(migCtx, pool, migrations.Files)
		migCancel()
		if err != nil {
			logger.Errorf("migrations: %v", err)
			os.Exit(1)
		}
		if *migrate {
			return
		}
		store, users = repository.NewPgStore(pool), repository.NewUserDirectory(pool)
	}

	// Redis необязателен: без него кеш справочника и рассылка событий живут в процессе.
	var (
		cache  storage.Cache = memory.New()
		pubsub storage.PubSub
	)
	if cfg.RedisURL != "" {
		rc, err := startup.ConnectRedisWithRetry(ctx, cfg.RedisURL, 30*time.Second)
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		cache, pubsub = rc, rc
		logger.Info("redis connected")
	}
	defer cache.Close()
	if !*inMemory {
		users = directory.NewCached(users, cache, cfg.CacheTTL)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	svc := service.NewConversationService(store, users, service.Options{
		PageSize:         cfg.PageSize,
		MaxContentLength: cfg.MaxContentLength,
	})
	svc.SetMetrics(m)

	hub := ws.NewHub(svc, ws.Options{
		MaxConns:       cfg.MaxWSConnections,
		SendBufferSize: cfg.WSSendBufferSize,
		WriteWait:      cfg.WSWriteTimeout,
		PongWait:       cfg.WSPongTimeout,
		MaxMessageSize: cfg.WSMaxMessageSize,
	}, m)

	dispatcher := events.NewDispatcher(m)
	bgCtx, bgCancel := context.WithCancel(ctx)
	var bgWg sync.WaitGroup
	bgWg.Add(1)
	go func() {
		defer bgWg.Done()
		hub.Run(bgCtx)
	}()

	if pubsub != nil {
		relay := events.NewRedisRelay(pubsub, hub)
		dispatcher.AddSink("redis", relay)
		bgWg.Add(1)
		go func() {
			defer bgWg.Done()
			if err := relay.Run(bgCtx); err != nil && bgCtx.Err() == nil {
				logger.Errorf("redis relay: %v", err)
			}
		}()
	} else {
		dispatcher.AddSink("hub", hub)
	}

	var pushSink *events.PushSink
	if pc := push.NewClient(cfg.PushServiceURL, nil); pc.Enabled() {
		pushSink = events.NewPushSink(pc)
		dispatcher.AddSink("push", pushSink)
		logger.Infof("push notifications via %s", cfg.PushServiceURL)
	}
	svc.SetNotifier(dispatcher)

	convH := handler.NewConversationHandler(svc)
	wsH := handler.NewWSHandler(hub, cfg.AllowedOrigins())

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket: иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		compressed := chimw.Compress(5)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compressed.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.SecureHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Id", "X-Timestamp", "X-Signature"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler(reg))

	auth := authMiddleware(cfg)
	r.Route("/api", func(r chi.Router) {
		r.Use(auth)
		r.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
		convH.Routes(r)
	})
	r.With(auth).Get("/ws", wsH.ServeWS)

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s (auth=%s)", cfg.ServerAddr, cfg.Auth.Mode)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	bgCancel()
	bgWg.Wait()
	logger.Info("hub stopped")
	if pushSink != nil {
		pushSink.Close()
	}
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

func authMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	if cfg.Auth.Mode == config.AuthModeJWT {
		return middleware.JWTAuth(cfg.Auth.JWTSecret)
	}
	return middleware.AuthServiceValidate(cfg.Auth.ServiceURL, nil)
}

func connectDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 2
	return startup.ConnectDBWithRetry(ctx, poolCfg, 60*time.Second)
}

func stopEmbedded(db *embeddedpostgres.EmbeddedPostgres) {
	logger.Info("stopping embedded postgres...")
	if err := db.Stop(); err != nil {
		logger.Errorf("embedded postgres stop: %v", err)
	}
}
