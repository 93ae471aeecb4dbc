// internal/handlers/ip_asset.go
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/services"
	"github.com/javajoker/imi-licensing/internal/utils"
)

type IPAssetHandler struct {
	ipService       *services.IPService
	conflictService *services.ConflictService
	licenseService  *services.LicenseService
}

func NewIPAssetHandler(ipService *services.IPService, conflictService *services.ConflictService, licenseService *services.LicenseService) *IPAssetHandler {
	return &IPAssetHandler{
		ipService:       ipService,
		conflictService: conflictService,
		licenseService:  licenseService,
	}
}

// loadVisible loads the asset named by :id and checks the actor may read it.
func (h *IPAssetHandler) loadVisible(c *gin.Context) (*services.AssetView, models.Actor, bool) {
	actor, ok := requireActor(c)
	if !ok {
		return nil, actor, false
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return nil, actor, false
	}

	ctx := c.Request.Context()
	view, err := h.ipService.GetIPAsset(ctx, id)
	if err != nil {
		fail(c, err)
		return nil, actor, false
	}
	if err := h.ipService.CanViewAsset(ctx, view, actor); err != nil {
		fail(c, err)
		return nil, actor, false
	}
	return view, actor, true
}

// GET /ip-assets/:id
func (h *IPAssetHandler) GetIPAsset(c *gin.Context) {
	view, _, ok := h.loadVisible(c)
	if !ok {
		return
	}

	utils.SuccessResponse(c, gin.H{
		"ip_asset": view,
	})
}

// GET /ip-assets/:id/conflict-preview
func (h *IPAssetHandler) GetConflictPreview(c *gin.Context) {
	view, _, ok := h.loadVisible(c)
	if !ok {
		return
	}

	preview, err := h.conflictService.GetConflictPreview(c.Request.Context(), view.ID)
	if err != nil {
		fail(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"preview": preview,
	})
}

// GET /ip-assets/:id/licenses
func (h *IPAssetHandler) GetAssetLicenses(c *gin.Context) {
	view, actor, ok := h.loadVisible(c)
	if !ok {
		return
	}

	params := services.LicenseListParams{
		PaginationParams: utils.GetPaginationParams(c),
		IPAssetID:        &view.ID,
	}
	if actor.Role == models.ActorRoleBrand {
		params.BrandID = &actor.ID
	}

	licenses, total, err := h.licenseService.ListLicenses(c.Request.Context(), params)
	if err != nil {
		fail(c, err)
		return
	}

	result := utils.CreatePaginationResult(licenses, total, params.PaginationParams)
	utils.PaginatedResponse(c, result)
}
