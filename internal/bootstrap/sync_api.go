package bootstrap

import (
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"fitsync_client/adapter/in/http"
	"fitsync_client/config"
	"fitsync_client/infra/middleware"
	"fitsync_client/pkg/logger"
)

// NewAPI builds the diagnostic HTTP surface. It is meant for loopback use:
// status, queue and conflict inspection, manual drains, the auth/session
// bridge and the record facade.
func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	logLevel := logger.ParseLevel(cfg.LogLevel)
	if cfg.IsDevelopment() {
		logLevel = logger.LevelDebug
	}
	logger.Init(logger.Config{
		Level:   logLevel,
		Service: "fitsync",
	})

	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize dependencies")
		return nil, nil, err
	}

	app := fiber.New(fiber.Config{
		AppName:               "fitsync",
		DisableStartupMessage: cfg.IsProduction(),
		ErrorHandler:          middleware.ErrorHandler(),

		// go-json: noticeably faster than encoding/json on event payloads
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit: 4 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	if cfg.IsDevelopment() {
		app.Use(middleware.RequestLogger())
	}

	http.NewHealthHandlerWithDeps(deps.SQLDB, deps.Redis, deps.MongoDB).Register(app)

	api := app.Group("/api/v1")
	http.NewSyncHandler(deps.Manager, deps.Monitor).Register(api)
	http.NewConflictHandler(deps.Resolver).Register(api)
	http.NewRecordHandler(deps.Facade).Register(api)
	http.NewAuthHandler(deps.Session).Register(api)

	return app, cleanup, nil
}
