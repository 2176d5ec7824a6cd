package services

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/swagger"
	log "github.com/sirupsen/logrus"

	docs "github.com/verdantcart/guard_api/docs"
	"github.com/verdantcart/guard_api/dto"
	"github.com/verdantcart/guard_api/services/handlers"
	"github.com/verdantcart/guard_api/shared"
)

type HttpService struct {
	context.DefaultService

	jwtSvc       *JWTService
	rlSvc        *RateLimitService
	redisRlSvc   *RedisRateLimitService
	analyticsSvc *AnalyticsService
	exportSvc    *ExportService

	port   int
	server *fiber.App
}

const HTTP_SVC = "http_svc"

func (svc HttpService) Id() string {
	return HTTP_SVC
}

func (svc *HttpService) Configure(ctx *context.Context) error {
	if port := os.Getenv("HTTP_PORT"); port != "" {
		var err error
		if svc.port, err = strconv.Atoi(port); err != nil {
			return err
		}
	} else {
		svc.port = 8000
	}

	return svc.DefaultService.Configure(ctx)
}

func (svc *HttpService) Start() error {
	svc.jwtSvc = svc.Service(JWT_SVC).(*JWTService)
	svc.rlSvc = svc.Service(RATE_LIMIT_SVC).(*RateLimitService)
	svc.redisRlSvc = svc.Service(REDIS_RATE_LIMIT_SVC).(*RedisRateLimitService)
	svc.analyticsSvc = svc.Service(ANALYTICS_SVC).(*AnalyticsService)
	svc.exportSvc = svc.Service(EXPORT_SVC).(*ExportService)

	docs.SwaggerInfo.BasePath = ""

	app := fiber.New(fiber.Config{
		ErrorHandler: svc.handleError,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Admin-Key",
	}))
	app.Use(MonitoringMiddleware())

	app.Get("/ping", svc.ping)
	app.Get("/swagger/*", swagger.HandlerDefault)

	v1 := app.Group("/api/v1")
	v1.Get("/ping", svc.ping)

	// Multi-instance deployments count in Redis; the default counts in the
	// record store.
	var checker handlers.LimitCheckerInterface = svc.rlSvc
	if StoreBackend() == "redis" {
		checker = svc.redisRlSvc
	}

	limitsHandler := handlers.NewLimitsHandler(checker, svc.rlSvc)
	limits := v1.Group("/limits", svc.jwtSvc.RequiredAuth(), svc.rlSvc.IPRateLimit())
	limits.Post("/check", limitsHandler.CheckLimit)
	limits.Post("/attempts", limitsHandler.RecordAttempt)

	adminHandler := handlers.NewAdminHandler(svc.rlSvc, svc.analyticsSvc, svc.exportSvc)
	admin := v1.Group("/admin/ratelimit", svc.jwtSvc.RequireAdmin(), svc.rlSvc.StrictRateLimit())
	admin.Get("/summary", adminHandler.GetSummary)
	admin.Get("/stats", adminHandler.GetStats)
	admin.Get("/blocked-ips", adminHandler.GetBlockedIPs)
	admin.Get("/blocked", adminHandler.GetBlockedIdentifiers)
	admin.Get("/analytics", adminHandler.GetAnalytics)
	admin.Get("/policies", adminHandler.GetPolicies)
	admin.Put("/policies/:endpoint", adminHandler.UpdatePolicy)
	admin.Delete("/limits/:identifier", adminHandler.ClearLimit)
	admin.Post("/cleanup", adminHandler.Cleanup)
	admin.Post("/export", adminHandler.Export)

	svc.server = app

	return app.Listen(fmt.Sprintf(":%v", svc.port))
}

func (svc *HttpService) Shutdown() {
	if svc.server != nil {
		_ = svc.server.Shutdown()
	}
}

// @Summary Ping
// @Description This endpoint checks the health of the service
// @Tags health
// @Accept  json
// @Produce json
// @Success 200 {object} shared.Response{data=string}
// @Router /ping [get]
func (svc *HttpService) ping(c *fiber.Ctx) error {
	c.Set("Cache-Control", "max-age=10")

	return shared.ResponseOK(c, "pong")
}

func (svc *HttpService) handleError(c *fiber.Ctx, err error) error {
	if appErr, ok := shared.GetAppError(err); ok {
		return shared.ResponseJSON(c, appErr.StatusCode, appErr.Message, appErr.Data)
	}

	switch {
	case errors.Is(err, dto.ErrEmptyIdentifier),
		errors.Is(err, dto.ErrInvalidLimit),
		errors.Is(err, dto.ErrInvalidWindow):
		return shared.ResponseBadRequest(c, err.Error())
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return shared.ResponseJSON(c, fiberErr.Code, fiberErr.Message, nil)
	}

	log.WithFields(log.Fields{
		"path":  c.Path(),
		"error": err.Error(),
	}).Error("Unhandled request error")

	return shared.ResponseJSON(c, http.StatusInternalServerError, "Internal Server Error", nil)
}
