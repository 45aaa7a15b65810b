package cmd

import (
	"context"

	"tuneforge/cache"
	"tuneforge/config"
	"tuneforge/core/agent"
	"tuneforge/core/auth"
	"tuneforge/core/generation"
	"tuneforge/core/provider"
	"tuneforge/core/ratelimit"
	"tuneforge/core/variant"
	"tuneforge/db"
	"tuneforge/logger"
	"tuneforge/repository"
	"tuneforge/server"
	"tuneforge/storage"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// app is the wired service graph shared by the commands. Redis and MinIO are
// optional: without Redis the limiter and registry stay in process, without
// MinIO the audio stays at the provider.
type app struct {
	cfg   *config.Config
	db    *gorm.DB
	redis *redis.Client
	store *storage.Store

	users  repository.UserRepository
	tasks  repository.GenerationRepository
	tracks repository.TrackRepository
	stems  repository.StemRepository

	rules      *ratelimit.Rules
	limiter    ratelimit.Limiter
	usage      server.UsagePeeker
	providers  provider.Set
	enricher   *agent.Enricher
	bus        *cache.NotificationBus
	bridge     *generation.Bridge
	scheduler  *generation.Scheduler
	sweeper    *generation.Sweeper
	dispatcher *generation.Dispatcher
	grouper    *variant.Grouper
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	gdb, err := db.ConnectGormDB(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gdb); err != nil {
		db.CloseGormDB()
		return nil, err
	}
	a.db = gdb
	a.users = repository.NewUserRepository(gdb)
	a.tasks = repository.NewGenerationRepository(gdb)
	a.tracks = repository.NewTrackRepository(gdb)
	a.stems = repository.NewStemRepository(gdb)

	if client, err := db.ConnectRedis(cfg); err != nil {
		logger.Warn("[App] Redis unavailable, using in-process rate limits and registry", logger.ErrorField(err))
	} else {
		a.redis = client
	}

	if store, err := storage.NewMinioStore(ctx, cfg); err != nil {
		logger.Warn("[App] MinIO unavailable, audio stays at the provider", logger.ErrorField(err))
	} else {
		a.store = store
	}

	rules, err := config.LoadRateRules(cfg.RateLimitFile)
	if err != nil {
		a.close()
		return nil, err
	}
	a.rules = ratelimit.NewRules(rules)

	var registry generation.Registry
	var notifier generation.Notifier
	if a.redis != nil {
		redisLimiter := cache.NewRedisLimiter(a.redis, a.rules)
		a.limiter = ratelimit.FailOpen(redisLimiter, a.rules)
		a.usage = redisLimiter
		registry = cache.NewRedisRegistry(a.redis)
		a.bus = cache.NewNotificationBus(a.redis)
		notifier = a.bus
	} else {
		memLimiter := ratelimit.NewMemoryLimiter(a.rules)
		a.limiter = memLimiter
		a.usage = memLimiter
		registry = generation.NewMemoryRegistry()
	}

	a.providers = buildProviders(cfg)
	if len(a.providers) == 0 {
		logger.Warn("[App] no music provider configured, set SUNO_API_KEY or MUREKA_API_KEY")
	}

	var enricher generation.Enricher
	a.enricher = agent.NewEnricherFromConfig(cfg)
	if cfg.EnrichTracks && a.enricher.Enabled() {
		enricher = a.enricher
	}

	var objectStore generation.ObjectStore
	if a.store != nil {
		objectStore = a.store
	}

	a.grouper = variant.NewGrouper(a.tracks)
	a.bridge = generation.NewBridge(a.tasks, a.tracks, a.stems, objectStore, enricher, notifier, generation.BridgeOptions{
		Workers: cfg.DownloadWorkers,
	})
	a.bridge.SetGrouper(a.grouper)

	a.scheduler = generation.NewScheduler(a.tasks, a.providers, a.bridge, registry, notifier, generation.SchedulerOptions{
		InitialDelay: cfg.PollInitialDelay,
		Interval:     cfg.PollInterval,
		Timeout:      cfg.PollTimeout,
	})
	a.sweeper = generation.NewSweeper(a.tasks, a.tracks, a.stems, a.providers, a.scheduler, a.bridge, cfg.SweepInterval)
	a.dispatcher = generation.NewDispatcher(a.tasks, a.tracks, a.providers, a.limiter, a.scheduler, notifier)
	return a, nil
}

func buildProviders(cfg *config.Config) provider.Set {
	var list []provider.Provider
	if cfg.SunoAPIKey != "" {
		list = append(list, provider.NewSuno(provider.SunoConfig{
			BaseURL:      cfg.SunoAPIURL,
			APIKey:       cfg.SunoAPIKey,
			DefaultModel: cfg.SunoModel,
			QPS:          cfg.ProviderQPS,
			Burst:        cfg.ProviderBurst,
			CallbackURL:  cfg.SunoCallback,
		}))
	}
	if cfg.MurekaAPIKey != "" {
		list = append(list, provider.NewMureka(provider.MurekaConfig{
			BaseURL:      cfg.MurekaAPIURL,
			APIKey:       cfg.MurekaAPIKey,
			DefaultModel: cfg.MurekaModel,
			QPS:          cfg.ProviderQPS,
			Burst:        cfg.ProviderBurst,
		}))
	}
	return provider.NewSet(list...)
}

// apiHandler builds the HTTP layer on top of the wired services.
func (a *app) apiHandler() *server.APIHandler {
	deps := server.Deps{
		Users:      a.users,
		Tasks:      a.tasks,
		Tracks:     a.tracks,
		Stems:      a.stems,
		Tokens:     auth.NewTokenIssuer(a.cfg.JWTSecret, a.cfg.JWTTTL),
		Dispatcher: a.dispatcher,
		Canceller:  a.scheduler,
		Grouper:    a.grouper,
		Limiter:    a.limiter,
		Rules:      a.rules,
		Usage:      a.usage,
		Lyrics:     a.enricher,
		PresignTTL: a.cfg.PresignTTL,
	}
	if a.store != nil {
		deps.Store = a.store
		deps.Syncer = a.sweeper
	}
	if a.bus != nil {
		deps.Notifier = a.bus
	}
	return server.NewAPIHandler(deps)
}

func (a *app) close() {
	if a.redis != nil {
		if err := db.CloseRedis(); err != nil {
			logger.Warn("[App] failed to close Redis", logger.ErrorField(err))
		}
	}
	if err := db.CloseGormDB(); err != nil {
		logger.Warn("[App] failed to close database", logger.ErrorField(err))
	}
}
