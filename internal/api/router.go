// Package api wires the HTTP surface: routes, middleware and CORS.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kasoko/settlement/internal/api/handler"
	"github.com/kasoko/settlement/internal/api/middleware"
	"github.com/kasoko/settlement/internal/config"
	"github.com/kasoko/settlement/internal/repository"
	"github.com/kasoko/settlement/internal/ws"
)

// RouterDeps bundles every dependency needed to build the router.
// Populated once in main() and passed to SetupRouter.
type RouterDeps struct {
	Settler    handler.Settler
	Payouts    handler.PayoutRetrier
	Reconciler handler.Reconciler
	MarketRepo *repository.MarketRepository
	TxRepo     *repository.TransactionRepository
	Hub        *ws.Hub
	Cfg        *config.Config
	Logger     *slog.Logger
}

// SetupRouter creates and configures the main Gin engine with all routes,
// middleware, CORS, and rate limiting rules.
func SetupRouter(deps RouterDeps) *gin.Engine {
	if deps.Cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// ── CORS ─────────────────────────────────────────────────────────────────
	r.Use(corsMiddleware(deps.Cfg))

	// ── Health check ─────────────────────────────────────────────────────────
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// ── Handlers ─────────────────────────────────────────────────────────────
	settlementH := handler.NewSettlementHandler(deps.Settler, deps.Payouts, deps.MarketRepo, deps.TxRepo)
	callbackH := handler.NewCallbackHandler(deps.Reconciler, deps.Logger)

	// ── Rate limiters ─────────────────────────────────────────────────────────
	adminRL := middleware.RateLimitMiddleware(10)    // admin actions are rare
	callbackRL := middleware.RateLimitMiddleware(50) // provider bursts after settlement

	api := r.Group("/api/v1")
	{
		// ── Gateway callback (public; the URL is the shared secret) ──────────
		payments := api.Group("/payments")
		payments.Use(callbackRL)
		{
			payments.POST("/b2c-callback", callbackH.B2CResult)
		}

		// ── Back-office (staff JWT required) ─────────────────────────────────
		admin := api.Group("/admin")
		admin.Use(adminRL)
		admin.Use(middleware.JWTMiddleware([]byte(deps.Cfg.JWT.AccessSecret)))
		admin.Use(middleware.StaffMiddleware())
		{
			markets := admin.Group("/markets")
			{
				markets.GET("", settlementH.ListMarkets)
				markets.POST("/:id/resolve", settlementH.ResolveMarket)
				markets.POST("/:id/settle", settlementH.SettleMarket)
				markets.GET("/:id/settlement-status", settlementH.SettlementStatus)
			}

			payouts := admin.Group("/payouts")
			{
				payouts.POST("/retry-failed", settlementH.RetryFailedPayouts)
				payouts.POST("/:id/retry", settlementH.RetryPayout)
			}

			admin.GET("/users/:id/transactions", settlementH.UserTransactions)
		}
	}

	// ── WebSocket (staff dashboard) ───────────────────────────────────────────
	if deps.Hub != nil {
		r.GET("/ws", func(c *gin.Context) {
			deps.Hub.ServeWs(c.Writer, c.Request)
		})
	}

	return r
}

// ── CORS helper ───────────────────────────────────────────────────────────────

// corsMiddleware returns a gin middleware that sets appropriate CORS headers.
// In development all origins are allowed; in production only the back-office
// origins.
func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if !cfg.IsProd() {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			allowed := map[string]bool{
				"https://admin.kasoko.co.ke": true,
				"https://kasoko.co.ke":       true,
			}
			if allowed[origin] {
				c.Header("Access-Control-Allow-Origin", origin)
			}
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
