package api

import (
	"context"
	"net/http"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/evetabi/slotmine/internal/api/handler"
	"github.com/evetabi/slotmine/internal/api/middleware"
	"github.com/evetabi/slotmine/internal/config"
	"github.com/evetabi/slotmine/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDeps bundles every dependency needed to build the router.
// Populated once in main() and passed to SetupRouter.
type RouterDeps struct {
	Hub      *ws.Hub
	Views    handler.Views
	Txns     handler.TransactionReader
	Resolver *ws.IdentityResolver
	Metrics  *prometheus.Registry // nil = no /metrics route
	Cfg      *config.Config
}

// SetupRouter creates the public Gin engine: health, metrics, the WebSocket
// upgrade and the read-only REST twins of the broadcast topics.  Background
// goroutines started here (rate-limiter janitor) stop with ctx.
func SetupRouter(ctx context.Context, deps RouterDeps) *gin.Engine {
	if deps.Cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// ── CORS ─────────────────────────────────────────────────────────────────
	r.Use(corsMiddleware(deps.Cfg))

	// ── Health and metrics ───────────────────────────────────────────────────
	r.GET("/health", func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if deps.Hub != nil {
			body["connections"] = deps.Hub.ConnectionCount()
		}
		c.JSON(http.StatusOK, body)
	})
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))
	}

	// ── WebSocket ─────────────────────────────────────────────────────────────
	if deps.Hub != nil {
		upgradeRL := middleware.RateLimitMiddleware(ctx, deps.Cfg.WS.UpgradesPerMinute)
		r.GET("/ws", upgradeRL, func(c *gin.Context) {
			deps.Hub.ServeWs(c.Writer, c.Request)
		})
	}

	if deps.Views == nil {
		return r
	}

	// ── REST views ────────────────────────────────────────────────────────────
	marketH := handler.NewMarketHandler(deps.Views)
	earningsH := handler.NewEarningsHandler(deps.Views)
	walletH := handler.NewWalletHandler(deps.Views, deps.Txns)

	jwtMW := middleware.JWTMiddleware(deps.Resolver)

	api := r.Group("/api")
	{
		api.GET("/market", marketH.Snapshot)

		authed := api.Group("")
		authed.Use(jwtMW)
		{
			authed.GET("/me/earnings", earningsH.Me)

			wallet := authed.Group("/wallet")
			{
				wallet.GET("/balance", walletH.GetBalance)
				wallet.GET("/transactions", walletH.GetTransactions)
			}
		}
	}

	return r
}

// ── CORS helper ───────────────────────────────────────────────────────────────

// corsMiddleware sets CORS headers.  With no configured origins (or "*")
// every origin is allowed; otherwise only the listed ones are echoed back.
func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	allowed := mapset.NewSet(cfg.WS.AllowedOrigins...)
	allowAll := allowed.Cardinality() == 0 || allowed.Contains("*")

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowed.Contains(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}

		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
