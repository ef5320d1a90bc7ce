package bootstrap

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"fitsync_client/adapter/out/backend"
	"fitsync_client/adapter/out/network"
	"fitsync_client/adapter/out/persistence"
	"fitsync_client/adapter/out/storage"
	"fitsync_client/config"
	"fitsync_client/core/port/out"
	"fitsync_client/core/service/auth"
	"fitsync_client/core/service/conflict"
	"fitsync_client/core/service/engine"
	"fitsync_client/core/service/reconcile"
	"fitsync_client/core/service/records"
	"fitsync_client/infra/database"
	"fitsync_client/pkg/apperr"
	"fitsync_client/pkg/logger"
)

type Dependencies struct {
	Config *config.Config

	// Infra
	KV      out.KVStore
	SQLDB   *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Database

	// Repositories
	QueueRepo    out.QueueRepository
	ConflictRepo out.ConflictRepository

	// Adapters
	Backend out.BackendPort
	Monitor *network.Monitor

	// Services
	Session    *auth.Session
	Resolver   *conflict.Resolver
	Manager    *engine.Manager
	Facade     *records.Facade
	Reconciler *reconcile.Reconciler
}

// NewDependencies wires the whole engine. The returned cleanup tears the
// wiring down in reverse order and is safe to call exactly once.
func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()

	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	// Local durable storage
	kv, err := newKVStore(cfg)
	if err != nil {
		return fail(err)
	}
	deps.KV = kv
	cleanups = append(cleanups, func() { kv.Close() })

	deps.QueueRepo = persistence.NewQueueStore(kv)
	deps.ConflictRepo = persistence.NewConflictStore(kv)

	// Backend databases
	if cfg.DatabaseURL != "" {
		db, err := database.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return fail(err)
		}
		deps.SQLDB = db
		cleanups = append(cleanups, func() { db.Close() })
	}
	if cfg.MongoDBURL != "" {
		mongoDB, err := database.NewMongo(cfg.MongoDBURL, cfg.MongoDBName)
		if err != nil {
			return fail(err)
		}
		deps.MongoDB = mongoDB
		cleanups = append(cleanups, func() {
			mongoDB.Client().Disconnect(context.Background())
		})
	}

	factory := backend.NewFactory(backend.FactoryConfig{
		PostgresDB:     deps.SQLDB,
		PostgresURL:    cfg.DatabaseURL,
		MongoDB:        deps.MongoDB,
		BreakerEnabled: cfg.BreakerEnabled,
	})
	backendPort, err := factory.CreateBackend(cfg.BackendProvider)
	if err != nil {
		return fail(err)
	}
	deps.Backend = backendPort

	// Network + session
	deps.Monitor = network.NewMonitor(cfg.StartOnline)
	deps.Session = auth.NewSession(cfg.JWTSecret)

	// Core services
	deps.Manager = engine.NewManager(deps.QueueRepo, backendPort, deps.Monitor, engine.Config{
		MaxAttempts: cfg.SyncMaxAttempts,
	})
	cleanups = append(cleanups, deps.Manager.Destroy)

	if err := deps.Manager.Reset(context.Background()); err != nil {
		return fail(err)
	}

	deps.Resolver = conflict.NewResolver(deps.ConflictRepo)
	deps.Facade = records.NewFacade(deps.Manager, deps.Session, backendPort.Name())
	cleanups = append(cleanups, deps.Facade.Close)

	deps.Reconciler = reconcile.NewReconciler(backendPort, deps.Facade, deps.Resolver, deps.Manager, deps.Session)
	cleanups = append(cleanups, deps.Reconciler.Stop)

	// Change feeds follow the session: start on sign-in, stop on sign-out.
	unsubSession := deps.Session.OnChange(func(userID string) {
		deps.Reconciler.Stop()
		if userID == "" {
			return
		}
		if err := deps.Reconciler.Start(context.Background(), cfg.SyncTables...); err != nil {
			logger.WithError(err).Error("[Bootstrap] could not start reconciler for user %s", userID)
		}
	})
	cleanups = append(cleanups, unsubSession)

	logger.Info("[Bootstrap] dependencies ready (backend=%s storage=%s)", backendPort.Name(), cfg.StorageDriver)
	return deps, cleanup, nil
}

func newKVStore(cfg *config.Config) (out.KVStore, error) {
	switch cfg.StorageDriver {
	case "sqlite":
		return storage.NewSQLiteStore(cfg.StoragePath)
	case "redis":
		client, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return storage.NewRedisStore(client, "fitsync"), nil
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return nil, apperr.ConfigError("unknown storage driver: " + cfg.StorageDriver)
	}
}
