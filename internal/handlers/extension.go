// internal/handlers/extension.go
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/imi-licensing/internal/i18n"
	"github.com/javajoker/imi-licensing/internal/services"
	"github.com/javajoker/imi-licensing/internal/utils"
)

type ExtensionHandler struct {
	extensionService *services.ExtensionService
	licenseService   *services.LicenseService
}

func NewExtensionHandler(extensionService *services.ExtensionService, licenseService *services.LicenseService) *ExtensionHandler {
	return &ExtensionHandler{
		extensionService: extensionService,
		licenseService:   licenseService,
	}
}

type extensionRequest struct {
	ExtensionDays int    `json:"extension_days"`
	Reason        string `json:"reason"`
}

type extensionDecisionRequest struct {
	Approve *bool  `json:"approve" binding:"required"`
	Reason  string `json:"reason" binding:"max=2000"`
}

// POST /licenses/:id/extensions
func (h *ExtensionHandler) RequestExtension(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	licenseID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req extensionRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.extensionService.RequestExtension(c.Request.Context(), services.ExtensionRequestInput{
		LicenseID:     licenseID,
		Actor:         actor,
		ExtensionDays: req.ExtensionDays,
		Reason:        req.Reason,
	})
	if err != nil {
		fail(c, err)
		return
	}

	key := i18n.KeyExtensionRequested
	if result.Applied {
		key = i18n.KeyExtensionApplied
	}
	utils.CreatedResponse(c, gin.H{
		"message":   i18n.T(lang, key),
		"extension": result,
	})
}

// GET /licenses/:id/extensions
func (h *ExtensionHandler) ListExtensions(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	licenseID, ok := uuidParam(c, "id")
	if !ok {
		return
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

	extensions, err := h.extensionService.ListExtensions(ctx, licenseID)
	if err != nil {
		fail(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"extensions": extensions,
	})
}

// POST /extensions/:id/decision
func (h *ExtensionHandler) DecideExtension(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req extensionDecisionRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.extensionService.ProcessApproval(c.Request.Context(), services.ExtensionDecisionInput{
		ExtensionID: id,
		Actor:       actor,
		Approve:     *req.Approve,
		Reason:      req.Reason,
	})
	if err != nil {
		fail(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message":   i18n.T(lang, i18n.KeyExtensionDecided),
		"extension": result,
	})
}
