package backend

import (
	"github.com/jmoiron/sqlx"
	"go.mongodb.org/mongo-driver/mongo"

	"fitsync_client/core/port/out"
	"fitsync_client/pkg/apperr"
	"fitsync_client/pkg/logger"
)

// Factory builds the backend adapter the configuration names. The engine
// only ever sees the BackendPort, so deployments swap backends by config
// alone.
type Factory struct {
	pgDB           *sqlx.DB
	pgListenURL    string
	mongoDB        *mongo.Database
	breakerEnabled bool
	log            *logger.Logger
}

type FactoryConfig struct {
	PostgresDB     *sqlx.DB
	PostgresURL    string
	MongoDB        *mongo.Database
	BreakerEnabled bool
}

func NewFactory(cfg FactoryConfig) *Factory {
	return &Factory{
		pgDB:           cfg.PostgresDB,
		pgListenURL:    cfg.PostgresURL,
		mongoDB:        cfg.MongoDB,
		breakerEnabled: cfg.BreakerEnabled,
		log:            logger.WithField("component", "backend_factory"),
	}
}

// CreateBackend returns the adapter for the named provider, wrapped with the
// circuit breaker unless disabled.
func (f *Factory) CreateBackend(provider string) (out.BackendPort, error) {
	var adapter out.BackendPort

	switch provider {
	case "postgres":
		if f.pgDB == nil {
			return nil, apperr.ConfigError("postgres backend selected but no database configured")
		}
		adapter = NewPostgresAdapter(f.pgDB, f.pgListenURL)
	case "mongo":
		if f.mongoDB == nil {
			return nil, apperr.ConfigError("mongo backend selected but no database configured")
		}
		adapter = NewMongoAdapter(f.mongoDB)
	default:
		return nil, apperr.ConfigError("unknown backend provider: " + provider)
	}

	if f.breakerEnabled {
		adapter = NewResilientBackend(adapter)
	}

	f.log.Info("[Factory.CreateBackend] created %s backend (breaker=%t)", provider, f.breakerEnabled)
	return adapter, nil
}
