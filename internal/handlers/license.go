// internal/handlers/license.go
package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/javajoker/imi-licensing/internal/apperrors"
	"github.com/javajoker/imi-licensing/internal/i18n"
	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/services"
	"github.com/javajoker/imi-licensing/internal/utils"
)

type LicenseHandler struct {
	licenseService *services.LicenseService
	ipService      *services.IPService
	machine        *services.StateMachine
}

func NewLicenseHandler(licenseService *services.LicenseService, ipService *services.IPService, machine *services.StateMachine) *LicenseHandler {
	return &LicenseHandler{
		licenseService: licenseService,
		ipService:      ipService,
		machine:        machine,
	}
}

type decisionRequest struct {
	Approve *bool  `json:"approve" binding:"required"`
	Comment string `json:"comment" binding:"max=2000"`
}

type transitionRequest struct {
	Status models.LicenseStatus `json:"status" binding:"required"`
	Reason string               `json:"reason" binding:"max=2000"`
}

// loadVisible loads the license named by the :id param and checks the actor may read it.
func (h *LicenseHandler) loadVisible(c *gin.Context, actor models.Actor) (*models.License, bool) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return nil, false
	}
	license, err := h.licenseService.GetLicense(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return nil, false
	}
	if err := h.licenseService.CanView(c.Request.Context(), license, actor); err != nil {
		fail(c, err)
		return nil, false
	}
	return license, true
}

// POST /licenses/validate
func (h *LicenseHandler) ValidateLicense(c *gin.Context) {
	if _, ok := requireActor(c); !ok {
		return
	}

	var req services.LicenseInput
	if !bindJSON(c, &req) {
		return
	}

	opts := services.ValidationOptions{Mode: services.ValidationMode(strings.ToUpper(c.DefaultQuery("mode", string(services.ModeCollectAll))))}
	result, err := h.licenseService.ValidateLicense(c.Request.Context(), req, opts)
	if err != nil {
		fail(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"validation": result,
	})
}

// POST /licenses
func (h *LicenseHandler) CreateLicense(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	var req services.LicenseInput
	if !bindJSON(c, &req) {
		return
	}

	license, err := h.licenseService.CreateLicense(c.Request.Context(), req, actor)
	if err != nil {
		fail(c, err)
		return
	}

	utils.CreatedResponse(c, gin.H{
		"message": i18n.T(lang, i18n.KeyLicenseCreated),
		"license": license,
	})
}

// GET /licenses
func (h *LicenseHandler) ListLicenses(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	params := services.LicenseListParams{PaginationParams: utils.GetPaginationParams(c)}
	if ipAssetIDStr := c.Query("ip_asset_id"); ipAssetIDStr != "" {
		ipAssetID, err := uuid.Parse(ipAssetIDStr)
		if err != nil {
			utils.BadRequestResponse(c, "Invalid ip_asset_id", nil)
			return
		}
		params.IPAssetID = &ipAssetID
	}
	if brandIDStr := c.Query("brand_id"); brandIDStr != "" {
		brandID, err := uuid.Parse(brandIDStr)
		if err != nil {
			utils.BadRequestResponse(c, "Invalid brand_id", nil)
			return
		}
		params.BrandID = &brandID
	}
	if status := c.Query("status"); status != "" {
		for _, s := range strings.Split(status, ",") {
			params.Statuses = append(params.Statuses, models.LicenseStatus(strings.ToUpper(strings.TrimSpace(s))))
		}
	}

	// Brands only see their own grants; creators list per asset they own.
	switch actor.Role {
	case models.ActorRoleBrand:
		params.BrandID = &actor.ID
	case models.ActorRoleCreator:
		if params.IPAssetID == nil {
			utils.BadRequestResponse(c, "ip_asset_id is required", nil)
			return
		}
		view, err := h.ipService.GetIPAsset(c.Request.Context(), *params.IPAssetID)
		if err != nil {
			fail(c, err)
			return
		}
		if err := h.ipService.CanViewAsset(c.Request.Context(), view, actor); err != nil {
			fail(c, err)
			return
		}
	}

	licenses, total, err := h.licenseService.ListLicenses(c.Request.Context(), params)
	if err != nil {
		fail(c, err)
		return
	}

	result := utils.CreatePaginationResult(licenses, total, params.PaginationParams.Normalize())
	utils.PaginatedResponse(c, result)
}

// GET /licenses/:id
func (h *LicenseHandler) GetLicense(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	license, ok := h.loadVisible(c, actor)
	if !ok {
		return
	}

	utils.SuccessResponse(c, gin.H{
		"license": license,
	})
}

// POST /licenses/:id/submit
func (h *LicenseHandler) SubmitForApproval(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	license, err := h.licenseService.SubmitForApproval(c.Request.Context(), id, actor)
	if err != nil {
		fail(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": i18n.T(lang, i18n.KeyLicenseSubmitted),
		"license": license,
	})
}

// POST /licenses/:id/approval
func (h *LicenseHandler) ApproveLicense(c *gin.Context) {
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

	license, err := h.licenseService.ApproveLicense(c.Request.Context(), services.ApprovalInput{
		LicenseID: id,
		Actor:     actor,
		Approve:   *req.Approve,
		Comment:   req.Comment,
	})
	if err != nil {
		fail(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": i18n.T(lang, i18n.KeyLicenseDecided),
		"license": license,
	})
}

// POST /licenses/:id/signatures
func (h *LicenseHandler) SignLicense(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	result, err := h.licenseService.RecordSignature(c.Request.Context(), services.SignatureInput{
		LicenseID: id,
		Actor:     actor,
	})
	if err != nil {
		fail(c, err)
		return
	}

	key := i18n.KeyLicenseSigned
	if result.Executed {
		key = i18n.KeyLicenseExecuted
	}
	utils.SuccessResponse(c, gin.H{
		"message":   i18n.T(lang, key),
		"signature": result,
	})
}

// POST /licenses/:id/transitions
func (h *LicenseHandler) TransitionStatus(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req transitionRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	to := models.LicenseStatus(strings.ToUpper(string(req.Status)))
	if err := h.machine.Transition(ctx, id, to, services.TransitionOptions{Actor: actor, Reason: req.Reason}); err != nil {
		fail(c, err)
		return
	}

	license, err := h.licenseService.GetLicense(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": i18n.T(lang, i18n.KeyLicenseTransitioned),
		"license": license,
	})
}

// GET /licenses/:id/history
func (h *LicenseHandler) GetStatusHistory(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	license, ok := h.loadVisible(c, actor)
	if !ok {
		return
	}

	history, err := h.licenseService.GetStatusHistory(c.Request.Context(), license.ID)
	if err != nil {
		fail(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"history": history,
	})
}

// GET /licenses/:id/audit
func (h *LicenseHandler) GetAuditTrail(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	if actor.Role != models.ActorRoleAdmin {
		fail(c, apperrors.NewPermission("only admins can read the audit trail"))
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	entries, err := h.licenseService.GetAuditTrail(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"audit": entries,
	})
}
