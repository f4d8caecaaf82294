package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avathrottle/internal/admission"
	"github.com/vyrodovalexey/avathrottle/internal/audit"
	"github.com/vyrodovalexey/avathrottle/internal/config"
	"github.com/vyrodovalexey/avathrottle/internal/health"
	"github.com/vyrodovalexey/avathrottle/internal/identity"
	"github.com/vyrodovalexey/avathrottle/internal/observability"
	"github.com/vyrodovalexey/avathrottle/internal/policy"
	"github.com/vyrodovalexey/avathrottle/internal/ratelimit"
	"github.com/vyrodovalexey/avathrottle/internal/server"
	"github.com/vyrodovalexey/avathrottle/internal/store"
)

const janitorInterval = time.Minute

// application holds all application components.
type application struct {
	config  *config.Config
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	// redis is nil with the memory store.
	redis    redis.UniversalClient
	memory   *ratelimit.MemoryBackend
	policies *policy.Store
	notifier policy.Notifier
	sampler  *audit.Sampler
	health   *health.Handler
	server   *server.Server

	metricsServer *http.Server

	// logLevelPinned is set when the level came from the command line,
	// which config reloads must not override.
	logLevelPinned bool
}

// newApplication builds every component from cfg. An unreachable Redis
// does not fail startup; the instance serves degraded until it answers.
func newApplication(ctx context.Context, cfg *config.Config, logger observability.Logger) (*application, error) {
	app := &application{config: cfg, logger: logger}

	observability.SetOTelLogger(logger)
	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.Observability.Tracing.ServiceName,
		OTLPEndpoint: cfg.Observability.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Observability.Tracing.SamplingRate,
		Enabled:      cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	app.tracer = tracer

	app.metrics = observability.NewMetrics(observability.DefaultNamespace)
	app.metrics.SetBuildInfo(version, gitCommit, buildTime)
	ns, reg := app.metrics.Namespace(), app.metrics.Registry()

	if cfg.Store.Type == config.StoreTypeRedis {
		app.redis, err = store.Connect(ctx, cfg.Store.Redis,
			store.WithLogger(logger),
			store.WithMetrics(store.NewMetricsWithRegisterer(ns, reg)),
		)
		if err != nil {
			// Keep the client: it reconnects on its own, and until then
			// the limiter fails open and policies fall back to defaults.
			logger.Warn("redis unavailable at startup, serving degraded",
				observability.Strings("addrs", cfg.Store.Redis.Addrs),
				observability.Error(err),
			)
		}
	}

	limiter := app.buildLimiter(ratelimit.NewMetricsWithRegisterer(ns, reg))

	if err := app.buildPolicies(ctx, policy.NewMetricsWithRegisterer(ns, reg)); err != nil {
		app.closeRedis()
		return nil, err
	}

	sink, err := app.buildAuditSink()
	if err != nil {
		app.closeRedis()
		return nil, err
	}
	app.sampler = audit.NewSampler(sink,
		audit.WithSampleRate(cfg.Audit.SampleRate),
		audit.WithQueueSize(cfg.Audit.QueueSize),
		audit.WithWorkers(cfg.Audit.Workers),
		audit.WithWriteTimeout(cfg.Audit.WriteTimeout.OrDefault(audit.DefaultWriteTimeout)),
		audit.WithLogger(logger),
		audit.WithMetrics(audit.NewMetricsWithRegisterer(ns, reg)),
	)

	controller := admission.NewController(
		identity.NewResolver(identity.Config{
			TierClaim:      cfg.Identity.TierClaim,
			DefaultTier:    cfg.Identity.DefaultTier,
			APIKeyHeader:   cfg.Identity.APIKeyHeader,
			TrustedProxies: cfg.Identity.TrustedProxies,
		}),
		app.policies,
		limiter,
		admission.WithRecorder(app.sampler),
		admission.WithLogger(logger),
	)

	app.health = health.NewHandler(version,
		health.WithLogger(logger),
		health.WithMetrics(health.NewMetricsWithRegisterer(ns, reg)),
	)
	if app.redis != nil {
		// Not critical: requests fail open while Redis is away.
		app.health.AddCheck(health.RedisHealthCheck("redis", app.redis, health.WithCritical(false)))
	}

	deps := server.Dependencies{
		Controller:   controller,
		Policies:     app.policies,
		Health:       app.health,
		Tracer:       app.tracer,
		Routes:       cfg.RateLimit.Routes,
		QuotaRoute:   cfg.RateLimit.QuotaRoute,
		AdminEnabled: cfg.Admin.Enabled,
		AdminToken:   cfg.Admin.Token,
	}
	metricsCfg := cfg.Observability.Metrics
	if metricsCfg.Enabled {
		deps.Metrics = app.metrics
		deps.MetricsPath = metricsCfg.Path
		if metricsCfg.Address != "" {
			app.metricsServer = newMetricsServer(metricsCfg, app.metrics)
			deps.MetricsPath = ""
			deps.Metrics = nil
		}
	}
	app.server = server.New(cfg.Server, deps, server.WithLogger(logger))

	if cfg.Admin.Enabled && cfg.Admin.Token == "" {
		logger.Warn("admin API enabled without a token, every admin request will be refused")
	}
	return app, nil
}

// buildLimiter selects the bucket backend for the configured store.
func (a *application) buildLimiter(metrics *ratelimit.Metrics) *ratelimit.Limiter {
	rl := a.config.RateLimit

	var backend ratelimit.Backend
	if a.redis != nil {
		backend = ratelimit.NewRedisBackend(a.redis)
		if rl.CircuitBreaker.Enabled {
			backend = ratelimit.NewBreakerBackend(backend, ratelimit.BreakerSettings{
				MaxFailures:      rl.CircuitBreaker.MaxFailures,
				OpenTimeout:      rl.CircuitBreaker.OpenTimeout.Duration(),
				HalfOpenRequests: rl.CircuitBreaker.HalfOpenRequests,
			},
				ratelimit.WithBreakerLogger(a.logger),
				ratelimit.WithBreakerMetrics(metrics),
			)
		}
	} else {
		a.memory = ratelimit.NewMemoryBackend()
		backend = a.memory
	}

	return ratelimit.NewLimiter(backend,
		ratelimit.WithNamespace(rl.Namespace),
		ratelimit.WithTimeout(rl.Timeout.OrDefault(ratelimit.DefaultTimeout)),
		ratelimit.WithWarnInterval(rl.WarnInterval.OrDefault(ratelimit.DefaultWarnInterval)),
		ratelimit.WithLogger(a.logger),
		ratelimit.WithMetrics(metrics),
	)
}

// buildPolicies creates the policy store, loads the stored document and
// applies the optional seed file.
func (a *application) buildPolicies(ctx context.Context, metrics *policy.Metrics) error {
	pc := a.config.Policy

	var repo policy.Repository
	if a.redis != nil {
		repo = policy.NewRedisRepository(a.redis, pc.Key, pc.Field)
		a.notifier = policy.NewRedisNotifier(a.redis, pc.Channel)
	} else {
		repo = policy.NewMemoryRepository()
	}

	opts := []policy.StoreOption{policy.WithLogger(a.logger), policy.WithMetrics(metrics)}
	if a.notifier != nil {
		opts = append(opts, policy.WithNotifier(a.notifier))
	}
	a.policies = policy.NewStore(repo, opts...)

	// A failed initial load keeps the defaults; the listener retries.
	if err := a.policies.Reload(ctx); err != nil {
		a.logger.Warn("initial policy load failed, serving defaults", observability.Error(err))
	}

	if pc.File == "" {
		return nil
	}
	// A broken seed file fails startup. A store that cannot take it right
	// now does not: the file watcher re-applies it on the next change.
	set, err := policy.LoadFile(pc.File)
	if err != nil {
		return err
	}
	if err := set.Validate(); err != nil {
		return fmt.Errorf("policy file %s: %w", pc.File, err)
	}
	if err := a.policies.Replace(ctx, set); err != nil {
		a.logger.Warn("policy file not persisted, serving stored or default policies",
			observability.String("path", pc.File),
			observability.Error(err),
		)
	}
	return nil
}

// buildAuditSink opens the configured sink. With auditing disabled, or a
// redis sink but no redis, events are discarded.
func (a *application) buildAuditSink() (audit.Sink, error) {
	ac := a.config.Audit
	if !ac.Enabled {
		return audit.NopSink{}, nil
	}

	switch ac.Sink {
	case config.AuditSinkRedis:
		if a.redis == nil {
			a.logger.Warn("audit sink redis needs the redis store, discarding audit events")
			return audit.NopSink{}, nil
		}
		return audit.NewRedisStreamSink(a.redis, ac.Stream, ac.MaxLen), nil
	case config.AuditSinkStdout, config.AuditSinkStderr:
		return audit.OpenWriterSink(ac.Sink)
	case config.AuditSinkFile:
		return audit.OpenWriterSink(ac.Path)
	default:
		return audit.NopSink{}, nil
	}
}

// newMetricsServer serves metrics on their own listener.
func newMetricsServer(cfg config.MetricsConfig, metrics *observability.Metrics) *http.Server {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())

	return &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// start launches the background workers and listeners. Listener errors
// are sent on the returned channel.
func (a *application) start(ctx context.Context) <-chan error {
	errCh := make(chan error, 2)

	if a.memory != nil {
		go a.memory.RunJanitor(ctx, janitorInterval)
	}
	if a.notifier != nil {
		listener := policy.NewListener(a.policies, a.notifier,
			policy.WithResyncInterval(a.config.Policy.ResyncInterval.Duration()),
			policy.WithListenerLogger(a.logger),
		)
		go listener.Run(ctx)
	}

	if a.metricsServer != nil {
		go func() {
			a.logger.Info("starting metrics server", observability.String("address", a.metricsServer.Addr))
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	go func() {
		if err := a.server.Start(ctx); err != nil {
			errCh <- err
		}
	}()
	return errCh
}

func (a *application) closeRedis() {
	if a.redis == nil {
		return
	}
	if err := a.redis.Close(); err != nil {
		a.logger.Warn("failed to close redis client", observability.Error(err))
	}
}
