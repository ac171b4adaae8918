package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/medrecords-api/internal/middleware"
	"github.com/jwalitptl/medrecords-api/pkg/metrics"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type RouterConfig struct {
	Mode             string
	RateLimitEnabled bool
	RateLimit        rate.Limit
	RateBurst        int
	WindowRequests   int
	Window           time.Duration
	RequestTimeout   time.Duration
	CORSConfig       middleware.CORSConfig
	SecurityConfig   middleware.SecurityConfig
	SizeLimitConfig  middleware.SizeLimitConfig
}

// Router owns the gin engine. Health routes sit at the root, everything
// else under /api/v1; public handlers see an optional session, protected
// ones require it.
type Router struct {
	engine    *gin.Engine
	auth      *middleware.AuthMiddleware
	health    Handler
	public    []Handler
	protected []Handler
	config    RouterConfig
}

func NewRouter(
	auth *middleware.AuthMiddleware,
	health Handler,
	public []Handler,
	protected []Handler,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config RouterConfig,
) *Router {
	if config.Mode != "" {
		gin.SetMode(config.Mode)
	}
	engine := gin.New()

	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(logger),
		middleware.Logger(logger),
		middleware.Metrics(m),
		middleware.SecurityHeaders(config.SecurityConfig),
		middleware.CORS(config.CORSConfig),
	)

	if config.RateLimitEnabled {
		engine.Use(middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  config.RateLimit,
			Burst: config.RateBurst,
		}).RateLimit())
	}

	return &Router{
		engine:    engine,
		auth:      auth,
		health:    health,
		public:    public,
		protected: protected,
		config:    config,
	}
}

func (r *Router) Setup() {
	config := r.config
	if r.health != nil {
		r.health.RegisterRoutes(&r.engine.RouterGroup)
	}

	api := r.engine.Group("/api/v1")
	api.Use(
		middleware.NoStore(),
		middleware.SizeLimit(config.SizeLimitConfig),
		middleware.Timeout(middleware.TimeoutConfig{Duration: config.RequestTimeout}),
	)
	if config.RateLimitEnabled && config.WindowRequests > 0 {
		api.Use(middleware.NewIPRateLimiter(config.WindowRequests, config.Window).RateLimit())
	}
	api.Use(r.auth.Authenticate())

	for _, h := range r.public {
		h.RegisterRoutes(api)
	}

	protected := api.Group("")
	protected.Use(r.auth.RequireSession())
	for _, h := range r.protected {
		h.RegisterRoutes(protected)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
