package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/theblitlabs/taskfleet/internal/api/middleware"
	v1 "github.com/theblitlabs/taskfleet/internal/api/v1"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

type Router struct {
	engine   *gin.Engine
	endpoint string
}

// NewRouter mounts the v1 surface under endpoint and the metrics of gatherer
// at /metrics. A nil gatherer serves the default registry.
func NewRouter(h v1.Handlers, gatherer prometheus.Gatherer, endpoint string) *Router {
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(middleware.Logging())

	r := &Router{
		engine:   engine,
		endpoint: endpoint,
	}

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	r.registerRoutes(h)
	return r
}

func (r *Router) registerRoutes(h v1.Handlers) {
	api := r.engine.Group(r.endpoint)
	v1.RegisterRoutes(api, h)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func (r *Router) AddMiddleware(middleware gin.HandlerFunc) {
	r.engine.Use(middleware)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}
