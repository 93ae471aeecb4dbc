// internal/handlers/amendment.go
package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/imi-licensing/internal/i18n"
	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/services"
	"github.com/javajoker/imi-licensing/internal/utils"
)

type AmendmentHandler struct {
	amendmentService *services.AmendmentService
	licenseService   *services.LicenseService
}

func NewAmendmentHandler(amendmentService *services.AmendmentService, licenseService *services.LicenseService) *AmendmentHandler {
	return &AmendmentHandler{
		amendmentService: amendmentService,
		licenseService:   licenseService,
	}
}

type proposeAmendmentRequest struct {
	Type     models.AmendmentType  `json:"type"`
	Changes  models.AmendmentTerms `json:"changes"`
	Reason   string                `json:"reason"`
	Deadline *time.Time            `json:"deadline,omitempty"`
}

// POST /licenses/:id/amendments
func (h *AmendmentHandler) ProposeAmendment(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	licenseID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req proposeAmendmentRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.amendmentService.ProposeAmendment(c.Request.Context(), services.ProposeAmendmentInput{
		LicenseID: licenseID,
		Actor:     actor,
		Type:      req.Type,
		Changes:   req.Changes,
		Reason:    req.Reason,
		Deadline:  req.Deadline,
	})
	if err != nil {
		fail(c, err)
		return
	}

	utils.CreatedResponse(c, gin.H{
		"message":   i18n.T(lang, i18n.KeyAmendmentProposed),
		"amendment": result,
	})
}

// GET /licenses/:id/amendments
func (h *AmendmentHandler) ListAmendments(c *gin.Context) {
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

	amendments, err := h.amendmentService.ListAmendments(ctx, licenseID)
	if err != nil {
		fail(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"amendments": amendments,
	})
}

// GET /amendments/:id
func (h *AmendmentHandler) GetAmendment(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	amendment, err := h.amendmentService.GetAmendment(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	license, err := h.licenseService.GetLicense(ctx, amendment.LicenseID)
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.licenseService.CanView(ctx, license, actor); err != nil {
		fail(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"amendment": amendment,
	})
}

// POST /amendments/:id/decision
func (h *AmendmentHandler) DecideAmendment(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req decisionRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.amendmentService.ProcessApproval(c.Request.Context(), services.AmendmentDecisionInput{
		AmendmentID: id,
		Actor:       actor,
		Approve:     *req.Approve,
		Comment:     req.Comment,
	})
	if err != nil {
		fail(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message":   i18n.T(lang, i18n.KeyAmendmentDecided),
		"amendment": result,
	})
}
