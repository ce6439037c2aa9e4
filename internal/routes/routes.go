package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fieldclinic/clinic_session/internal/auth"
	"github.com/fieldclinic/clinic_session/internal/bruteforce"
	"github.com/fieldclinic/clinic_session/internal/config"
	"github.com/fieldclinic/clinic_session/internal/middleware"
)

const (
	apiPrefix  = "/api/v1"
	streamPath = apiPrefix + "/pin/state/stream"
	healthPath = "/healthz"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg     config.Config
	DB      *pgxpool.Pool
	Cache   *redis.Client
	Logger  *slog.Logger
	Session *auth.Manager
	Guard   *bruteforce.Guard
	Inbox   auth.OtpInbox
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if d.Session == nil || d.Guard == nil || d.Inbox == nil {
		return fmt.Errorf("session manager, guard and otp inbox are required")
	}
	if !isDev(d.Cfg.AppEnv) && (d.DB == nil || d.Cache == nil) {
		return fmt.Errorf("database and redis are required when APP_ENV=%s", d.Cfg.AppEnv)
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	if isDev(d.Cfg.AppEnv) {
		app.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
			Next: func(c *fiber.Ctx) bool {
				return c.Path() == streamPath
			},
		}))
	}
	app.Use(middleware.Audit(d.Logger, healthPath, streamPath))

	RegisterHealthRoutes(app, d)

	api := app.Group(apiPrefix)
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFromContext(c.UserContext()),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	var idempotency fiber.Handler
	if d.Cache != nil {
		idempotency = middleware.Idempotency(d.Cache, d.Cfg.RedisKeyPrefix, d.Cfg.IdempotencyTTL, d.Logger)
	}

	sessionHandler := auth.NewHandler(d.Session, d.Inbox, d.Cfg.SyncRetryCount, d.Logger)
	RegisterSessionRoutes(api, sessionHandler, idempotency)
	RegisterPinRoutes(api, bruteforce.NewHandler(d.Guard, d.Logger), sessionHandler,
		middleware.PinUnlocked(d.Guard, d.Logger))

	return nil
}

func isDev(env string) bool {
	switch strings.ToLower(env) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}
