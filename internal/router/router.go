package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jwalitptl/mailgate/internal/config"
	"github.com/jwalitptl/mailgate/internal/middleware"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

// Router assembles the HTTP surface: the unauthenticated webhook
// endpoint, health checks, metrics, and the token-guarded operations API.
type Router struct {
	engine   *gin.Engine
	webhookH Handler
	opsH     Handler
	healthH  Handler
	opsCfg   config.OpsConfig
}

func NewRouter(webhookH, opsH, healthH Handler, opsCfg config.OpsConfig) *Router {
	gin.SetMode(gin.ReleaseMode)
	middleware.RegisterValidators()

	engine := gin.New()

	engine.Use(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.Logger(),
	)

	return &Router{
		engine:   engine,
		webhookH: webhookH,
		opsH:     opsH,
		healthH:  healthH,
		opsCfg:   opsCfg,
	}
}

func (r *Router) Setup() {
	root := r.engine.Group("")

	// Webhook delivery must never be rate limited or authenticated here.
	// The signature check inside the handler is the authentication.
	r.webhookH.RegisterRoutes(root)

	r.healthH.RegisterRoutes(root)
	root.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ops := r.engine.Group("/api/v1")
	ops.Use(middleware.TokenAuth(r.opsCfg.AuthToken))

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		RPS:   r.opsCfg.RequestsPerSecond,
		Burst: r.opsCfg.Burst,
	})
	ops.Use(rateLimiter.RateLimit())

	r.opsH.RegisterRoutes(ops)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
