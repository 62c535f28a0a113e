package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/code-100-precent/lingecho-gateway/internal/gateway"
	"github.com/code-100-precent/lingecho-gateway/pkg/middleware"
	"github.com/code-100-precent/lingecho-gateway/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Handlers struct {
	rt       *gateway.Runtime
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewHandlers(rt *gateway.Runtime) *Handlers {
	return &Handlers{
		rt:     rt,
		logger: rt.Logger(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			// Telephony providers do not send a browser Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Register mounts health, metrics and the stream upgrade routes.
func (h *Handlers) Register(engine *gin.Engine) error {
	engine.GET("/", h.Health)
	engine.GET("/health", h.Health)
	engine.GET("/metrics", h.Metrics)
	engine.GET("/metrics/prometheus", gin.WrapH(promhttp.HandlerFor(h.rt.Metrics.Registry(), promhttp.HandlerOpts{})))

	limiter, err := middleware.UpgradeRateLimiter(h.rt.Config().Server.UpgradeRateLimit, h.logger)
	if err != nil {
		return err
	}
	streamPath := "/" + strings.Trim(h.rt.Config().Stream.Path, "/")
	stream := engine.Group(streamPath, limiter)
	stream.GET("", h.Stream)
	// any sub-path; the token is its last segment
	stream.GET("/*rest", h.Stream)

	engine.NoRoute(response.NotFound)
	return nil
}
