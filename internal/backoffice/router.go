package backoffice

import (
	"net/http"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/evetabi/slotmine/internal/api/middleware"
	"github.com/evetabi/slotmine/internal/backoffice/handler"
	"github.com/evetabi/slotmine/internal/config"
	"github.com/gin-gonic/gin"
)

// BackofficeDeps bundles every dependency needed for the admin router.
type BackofficeDeps struct {
	Hub       handler.HubAdmin
	Market    handler.MarketViewer
	Accounts  handler.AccountControl
	Wallets   handler.WalletLedger
	Positions handler.PositionLookup
	Settler   handler.Settler
	Jobs      handler.JobTrigger
	Cfg       *config.Config
}

// SetupBackofficeRouter creates the admin Gin engine served on the back-office
// port.  Every route requires an allowlisted IP and the admin API key.
func SetupBackofficeRouter(deps BackofficeDeps) *gin.Engine {
	if deps.Cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(ipWhitelistMiddleware(deps.Cfg.Server.BackofficeAllowedIPs))

	dashH := handler.NewDashboardHandler(deps.Hub, deps.Market)
	poolH := handler.NewPoolHandler(deps.Hub)
	userH := handler.NewUserAdminHandler(deps.Hub, deps.Accounts, deps.Wallets)
	posH := handler.NewPositionAdminHandler(deps.Positions, deps.Settler, deps.Jobs)

	admin := r.Group("/admin")
	admin.Use(middleware.AdminKeyMiddleware(deps.Cfg.Admin.APIKeyHash))
	{
		admin.GET("/stats", dashH.Stats)
		admin.GET("/dashboard", dashH.Dashboard)

		admin.GET("/pool-config", poolH.Get)
		admin.PATCH("/pool-config", poolH.Patch)

		// Users
		u := admin.Group("/users")
		{
			u.GET("/:id", userH.Get)
			u.GET("/:id/online", userH.Online)
			u.GET("/:id/connections", userH.Connections)
			u.GET("/:id/wallet", userH.Wallet)
			u.POST("/:id/suspend", userH.Suspend)
			u.POST("/:id/reinstate", userH.Reinstate)
			u.POST("/:id/kick", userH.Kick)
		}

		admin.GET("/positions/:id", posH.Get)
		admin.POST("/positions/:id/settle", posH.Settle)
		admin.POST("/broadcast/:job", posH.Broadcast)
	}

	return r
}

// ── IP whitelist middleware ───────────────────────────────────────────────────

// ipWhitelistMiddleware blocks requests from IPs not in the allowlist.
// allowedIPs is a comma-separated string; empty means allow all.
func ipWhitelistMiddleware(allowedIPs string) gin.HandlerFunc {
	if allowedIPs == "" {
		return func(c *gin.Context) { c.Next() } // dev mode: no restriction
	}

	allowed := mapset.NewThreadUnsafeSet[string]()
	for _, ip := range strings.Split(allowedIPs, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			allowed.Add(ip)
		}
	}

	return func(c *gin.Context) {
		if !allowed.Contains(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "access denied: your IP is not whitelisted",
				"code":    "ERR_FORBIDDEN",
			})
			return
		}
		c.Next()
	}
}
