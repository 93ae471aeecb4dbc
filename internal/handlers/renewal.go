// internal/handlers/renewal.go
package handlers

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/imi-licensing/internal/i18n"
	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/services"
	"github.com/javajoker/imi-licensing/internal/utils"
)

type RenewalHandler struct {
	renewalService *services.RenewalService
	licenseService *services.LicenseService
}

func NewRenewalHandler(renewalService *services.RenewalService, licenseService *services.LicenseService) *RenewalHandler {
	return &RenewalHandler{
		renewalService: renewalService,
		licenseService: licenseService,
	}
}

type rejectOfferRequest struct {
	Reason string `json:"reason" binding:"max=2000"`
}

// GET /licenses/:id/renewal/eligibility
func (h *RenewalHandler) CheckEligibility(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	licenseID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var opts services.RenewalOptions
	if strategy := c.Query("strategy"); strategy != "" {
		opts.Strategy = models.RenewalStrategy(strings.ToUpper(strategy))
	}
	if days := c.Query("duration_days"); days != "" {
		n, err := strconv.Atoi(days)
		if err != nil {
			utils.BadRequestResponse(c, "Invalid duration_days", nil)
			return
		}
		opts.DurationDays = n
	}

	ctx := c.Request.Context()
	license, err := h.licenseService.GetLicense(ctx, licenseID)
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.licenseService.CanView(ctx, license, actor); err != nil {
		fail(c, err)
		return
	}

	result, err := h.renewalService.CheckEligibility(ctx, licenseID, opts)
	if err != nil {
		fail(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"eligibility": result,
	})
}

// POST /licenses/:id/renewal/offers
func (h *RenewalHandler) GenerateOffer(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	licenseID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var opts services.RenewalOptions
	if c.Request.ContentLength != 0 && !bindJSON(c, &opts) {
		return
	}

	offer, err := h.renewalService.GenerateOffer(c.Request.Context(), licenseID, actor, opts)
	if err != nil {
		fail(c, err)
		return
	}

	utils.CreatedResponse(c, gin.H{
		"message": i18n.T(lang, i18n.KeyRenewalOfferGenerated),
		"offer":   offer,
	})
}

// POST /licenses/:id/renewal/offers/:offerId/accept
func (h *RenewalHandler) AcceptOffer(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	licenseID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	renewal, err := h.renewalService.AcceptOffer(c.Request.Context(), licenseID, c.Param("offerId"), actor)
	if err != nil {
		fail(c, err)
		return
	}

	utils.CreatedResponse(c, gin.H{
		"message": i18n.T(lang, i18n.KeyRenewalAccepted),
		"license": renewal,
	})
}

// POST /licenses/:id/renewal/offers/:offerId/reject
func (h *RenewalHandler) RejectOffer(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	licenseID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req rejectOfferRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}

	if err := h.renewalService.RejectOffer(c.Request.Context(), licenseID, c.Param("offerId"), actor, req.Reason); err != nil {
		fail(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": i18n.T(lang, i18n.KeyRenewalRejected),
	})
}
