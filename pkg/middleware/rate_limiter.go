package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/code-100-precent/lingecho-gateway/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"
)

// UpgradeRateLimiter builds a per-client-IP limiter for stream upgrades.
// rate uses the limiter format ("60-M", "10-S", "1000-H"). An empty rate
// returns a pass-through handler.
func UpgradeRateLimiter(rate string, logger *zap.Logger) (gin.HandlerFunc, error) {
	rate = strings.TrimSpace(rate)
	if rate == "" {
		return func(c *gin.Context) { c.Next() }, nil
	}
	r, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid upgrade rate limit %q: %w", rate, err)
	}
	store := memory.NewStore()
	instance := limiter.New(store, r)

	return mgin.NewMiddleware(instance,
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			logger.Warn("[RateLimit] upgrade rejected",
				zap.String("ip", c.ClientIP()),
				zap.String("path", c.Request.URL.Path),
			)
			response.AbortWithError(c, http.StatusTooManyRequests, response.ErrRateLimited)
		}),
		mgin.WithErrorHandler(func(c *gin.Context, err error) {
			logger.Error("[RateLimit] store failure", zap.Error(err))
			c.Next()
		}),
	), nil
}
