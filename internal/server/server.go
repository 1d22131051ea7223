/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/actuator/internal/actuator"
	"github.com/friendsincode/actuator/internal/api"
	"github.com/friendsincode/actuator/internal/audit"
	"github.com/friendsincode/actuator/internal/config"
	"github.com/friendsincode/actuator/internal/db"
	"github.com/friendsincode/actuator/internal/driver"
	"github.com/friendsincode/actuator/internal/eventbus"
	"github.com/friendsincode/actuator/internal/events"
	"github.com/friendsincode/actuator/internal/leadership"
	"github.com/friendsincode/actuator/internal/lock"
	"github.com/friendsincode/actuator/internal/logbuffer"
	"github.com/friendsincode/actuator/internal/priority"
	"github.com/friendsincode/actuator/internal/scheduler"
	schedulerstate "github.com/friendsincode/actuator/internal/scheduler/state"
	"github.com/friendsincode/actuator/internal/scheduling"
	"github.com/friendsincode/actuator/internal/telemetry"
	"github.com/friendsincode/actuator/internal/version"
	"github.com/friendsincode/actuator/internal/webhooks"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db        *gorm.DB
	logBuffer *logbuffer.Buffer
	bus       eventbus.Bus
	registry  *driver.Registry
	scheduler *scheduler.Service
	emitter   *actuator.Emitter
	actuator  *actuator.Service
	auditSvc  *audit.Service
	hooks     *webhooks.Service
	election  *leadership.Election
	gate      *leadership.Gate
	api       *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware)
	router.Use(telemetry.MetricsMiddleware)
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// The events stream is long-lived.
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    router,
		logBuffer: logBuf,
	}

	if err := srv.initDependencies(); err != nil {
		_ = srv.Close()
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	srv.httpServer = &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: srv.router,
		// Header deadline guards against slowloris; the events stream manages its own deadlines.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	loc, err := s.cfg.Location()
	if err != nil {
		return err
	}

	tp, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "actuator",
		ServiceVersion: version.Version,
		InstanceID:     s.cfg.InstanceID,
		OTLPEndpoint:   s.cfg.OTLPEndpoint,
		Enabled:        s.cfg.TracingEnabled,
		SampleRate:     s.cfg.TracingSampleRate,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.DeferClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	})

	devices, err := driver.Load(s.cfg.DevicesFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.logger.Warn().Str("path", s.cfg.DevicesFile).Msg("devices file not found, starting with an empty registry")
		devices = nil
	case err != nil:
		return err
	}
	s.registry = driver.NewRegistry(devices, s.logger)

	bus, err := s.newEventBus()
	if err != nil {
		return err
	}
	s.bus = bus
	s.DeferClose(bus.Close)

	store := schedulerstate.NewStore()
	s.scheduler = scheduler.New(store, priority.NewResolver(s.logger), bus, scheduler.Config{
		AnnounceInterval: s.cfg.AnnounceInterval,
		OutboxSize:       s.cfg.OutboxSize,
	}, s.logger)
	s.DeferClose(func() error { s.scheduler.Close(); return nil })

	s.emitter = actuator.NewEmitter(bus, s.scheduler, s.logger)
	s.actuator = actuator.New(
		scheduling.NewValidator(loc, s.logger),
		s.scheduler,
		lock.NewManager(store, s.scheduler.Now, s.logger),
		s.registry,
		s.emitter,
		bus.Local(),
		s.logger,
	)

	database, err := db.Connect(s.cfg)
	switch {
	case errors.Is(err, db.ErrDisabled):
		s.logger.Info().Msg("lifecycle ledger disabled")
	case err != nil:
		return err
	default:
		if err := db.Migrate(database); err != nil {
			_ = db.Close(database)
			return fmt.Errorf("migrate ledger: %w", err)
		}
		s.db = database
		s.DeferClose(func() error { return db.Close(database) })
		s.auditSvc = audit.NewService(database, bus.Local(), s.logger)
	}

	if len(s.cfg.WebhookURLs) > 0 {
		s.hooks = webhooks.NewService(webhooks.Config{
			URLs:   s.cfg.WebhookURLs,
			Secret: s.cfg.WebhookSecret,
			States: s.cfg.WebhookStates,
		}, bus.Local(), s.logger)
	}

	var leader leadership.Leader = leadership.Always{}
	if s.cfg.LeaderElectionEnabled {
		electionConfig := leadership.ElectionConfig{
			RedisAddr:     s.cfg.RedisAddr,
			RedisPassword: s.cfg.RedisPassword,
			RedisDB:       s.cfg.RedisDB,
			ElectionKey:   "actuator:leader:arbiter",
			InstanceID:    s.cfg.InstanceID,
		}

		election, err := leadership.NewElection(electionConfig, s.logger)
		if err != nil {
			return fmt.Errorf("create leader election: %w", err)
		}
		s.election = election
		s.DeferClose(election.Stop)
		leader = election

		s.logger.Info().
			Str("redis_addr", s.cfg.RedisAddr).
			Str("instance_id", election.InstanceID()).
			Msg("leader election enabled for arbiter")
	}

	s.gate = leadership.NewGate(leader, s.logger)
	s.gate.Add("scheduler", s.scheduler.Run)
	s.gate.Add("actuator", s.actuator.Run)
	s.gate.Add("emitter", func(ctx context.Context) error {
		return s.emitter.Run(ctx, s.scheduler.Notices())
	})
	if s.hooks != nil {
		// Only the leader produces transitions, so only the leader delivers them.
		s.gate.Add("webhooks", func(ctx context.Context) error {
			s.hooks.Start(ctx)
			return nil
		})
	}

	opts := api.Options{
		Devices:   s.registry,
		Leader:    s.gate,
		Logs:      s.logBuffer,
		JWTSecret: []byte(s.cfg.JWTSigningKey),
	}
	if s.auditSvc != nil {
		opts.Ledger = s.auditSvc
	}
	s.api = api.New(s.actuator, bus.Local(), opts, s.logger)

	return nil
}

func (s *Server) newEventBus() (eventbus.Bus, error) {
	local := events.NewBus()
	nodeID := eventbus.NodeID(s.cfg.InstanceID)

	switch s.cfg.BusBackend {
	case config.BusNATS:
		cfg := eventbus.DefaultNATSConfig()
		cfg.URL = s.cfg.NATSURL
		cfg.Token = s.cfg.NATSToken
		cfg.SubjectPrefix = s.cfg.NATSSubjectPrefix
		return eventbus.NewNATSBus(local, cfg, nodeID, s.logger)
	case config.BusRedis:
		cfg := eventbus.DefaultRedisConfig()
		cfg.Addr = s.cfg.RedisAddr
		cfg.Password = s.cfg.RedisPassword
		cfg.DB = s.cfg.RedisDB
		cfg.ChannelPrefix = s.cfg.RedisChannelPrefix
		return eventbus.NewRedisBus(local, cfg, nodeID, s.logger)
	default:
		return eventbus.NewMemory(local), nil
	}
}

// Router exposes the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// LogBuffer returns the buffer the process logger writes into.
func (s *Server) LogBuffer() *logbuffer.Buffer {
	return s.logBuffer
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	if s.election != nil {
		s.election.Start(ctx)
	}

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if err := s.gate.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("leader gate exited")
		}
	}()

	if s.auditSvc != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.auditSvc.Start(ctx)
		}()
	}

	if s.db != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					db.UpdateConnectionMetrics(s.db)
				}
			}
		}()
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Handle("/metrics", telemetry.Handler())
	s.api.Routes(s.router)
}
