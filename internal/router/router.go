// internal/router/router.go
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/javajoker/imi-licensing/internal/config"
	"github.com/javajoker/imi-licensing/internal/handlers"
	"github.com/javajoker/imi-licensing/internal/middleware"
	"github.com/javajoker/imi-licensing/internal/services"
	"github.com/javajoker/imi-licensing/internal/utils"
)

const version = "1.0.0"

// Initialize builds the HTTP surface over svc. limiter may be nil to disable
// rate limiting.
func Initialize(cfg *config.Config, svc *services.Container, limiter *middleware.RateLimiter) *gin.Engine {
	// Initialize handlers
	licenseHandler := handlers.NewLicenseHandler(svc.Licenses, svc.IP, svc.Machine)
	amendmentHandler := handlers.NewAmendmentHandler(svc.Amendments, svc.Licenses)
	extensionHandler := handlers.NewExtensionHandler(svc.Extensions, svc.Licenses)
	renewalHandler := handlers.NewRenewalHandler(svc.Renewals, svc.Licenses)
	conflictHandler := handlers.NewConflictHandler(svc.Conflicts, svc.Pricing)
	ipAssetHandler := handlers.NewIPAssetHandler(svc.IP, svc.Conflicts, svc.Licenses)
	verificationHandler := handlers.NewVerificationHandler(svc.Licenses, svc.Proofs, svc.Storage)
	adminHandler := handlers.NewAdminHandler(svc.Admin)

	// Set JWT secret
	utils.SetJWTSecret(cfg.JWT.SecretKey)

	// Initialize Gin router
	r := gin.New()

	// Global middleware
	r.Use(gin.Recovery())
	r.Use(middleware.RequestContext())
	r.Use(middleware.RequestLogger(svc.Metrics))
	r.Use(middleware.CORS(cfg.Server.CORSOrigins))
	r.Use(middleware.I18nMiddleware(cfg.I18n.DefaultLocale))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"version": version,
		})
	})
	if svc.Metrics != nil {
		r.GET("/metrics", gin.WrapH(svc.Metrics.Handler()))
	}

	// API v1 routes
	v1 := r.Group("/v1")
	if limiter == nil {
		limiter = middleware.NewRateLimiter(rate.Limit(cfg.Server.RateLimitRPS), cfg.Server.RateLimitBurst)
	}

	// Public proof verification
	verify := v1.Group("/verify")
	verify.Use(middleware.OptionalAuth(), limiter.Middleware())
	{
		verify.GET("/public-key", verificationHandler.GetPublicKey)
		verify.GET("/licenses/:id", verificationHandler.VerifyLicense)
	}

	api := v1.Group("")
	api.Use(middleware.AuthRequired(), limiter.Middleware(), middleware.Idempotency(svc.Idempotency))
	{
		licenses := api.Group("/licenses")
		{
			licenses.POST("/validate", licenseHandler.ValidateLicense)
			licenses.POST("", licenseHandler.CreateLicense)
			licenses.GET("", licenseHandler.ListLicenses)
			licenses.GET("/:id", licenseHandler.GetLicense)
			licenses.POST("/:id/submit", licenseHandler.SubmitForApproval)
			licenses.POST("/:id/approval", licenseHandler.ApproveLicense)
			licenses.POST("/:id/signatures", licenseHandler.SignLicense)
			licenses.POST("/:id/transitions", licenseHandler.TransitionStatus)
			licenses.GET("/:id/history", licenseHandler.GetStatusHistory)
			licenses.GET("/:id/audit", licenseHandler.GetAuditTrail)

			licenses.POST("/:id/amendments", amendmentHandler.ProposeAmendment)
			licenses.GET("/:id/amendments", amendmentHandler.ListAmendments)

			licenses.POST("/:id/extensions", extensionHandler.RequestExtension)
			licenses.GET("/:id/extensions", extensionHandler.ListExtensions)

			licenses.GET("/:id/renewal/eligibility", renewalHandler.CheckEligibility)
			licenses.POST("/:id/renewal/offers", renewalHandler.GenerateOffer)
			licenses.POST("/:id/renewal/offers/:offerId/accept", renewalHandler.AcceptOffer)
			licenses.POST("/:id/renewal/offers/:offerId/reject", renewalHandler.RejectOffer)
		}

		api.GET("/amendments/:id", amendmentHandler.GetAmendment)
		api.POST("/amendments/:id/decision", amendmentHandler.DecideAmendment)
		api.POST("/extensions/:id/decision", extensionHandler.DecideExtension)

		api.POST("/conflicts/check", conflictHandler.CheckConflicts)
		api.POST("/pricing/quote", conflictHandler.Quote)

		ipAssets := api.Group("/ip-assets")
		{
			ipAssets.GET("/:id", ipAssetHandler.GetIPAsset)
			ipAssets.GET("/:id/conflict-preview", ipAssetHandler.GetConflictPreview)
			ipAssets.GET("/:id/licenses", ipAssetHandler.GetAssetLicenses)
		}

		// Admin routes
		admin := api.Group("/admin")
		admin.Use(middleware.AdminRequired())
		{
			admin.GET("/dashboard/stats", adminHandler.GetDashboardStats)
			admin.GET("/notifications", adminHandler.GetNotifications)
			admin.POST("/licenses/:id/status", adminHandler.OverrideLicenseStatus)
			admin.POST("/sweeps/:name", adminHandler.RunSweep)
		}
	}

	return r
}
