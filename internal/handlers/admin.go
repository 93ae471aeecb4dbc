// internal/handlers/admin.go
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

type AdminHandler struct {
	adminService *services.AdminService
}

func NewAdminHandler(adminService *services.AdminService) *AdminHandler {
	return &AdminHandler{
		adminService: adminService,
	}
}

// GET /admin/dashboard/stats
func (h *AdminHandler) GetDashboardStats(c *gin.Context) {
	stats, err := h.adminService.GetDashboardStats(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"stats": stats,
	})
}

// GET /admin/notifications
func (h *AdminHandler) GetNotifications(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	notifications, err := h.adminService.ListNotifications(c.Request.Context(), limit)
	if err != nil {
		fail(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"notifications": notifications,
	})
}

// POST /admin/licenses/:id/status
func (h *AdminHandler) OverrideLicenseStatus(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req services.StatusOverrideInput
	if !bindJSON(c, &req) {
		return
	}
	req.LicenseID = id
	req.Actor = actor
	req.Status = models.LicenseStatus(strings.ToUpper(string(req.Status)))

	license, err := h.adminService.OverrideStatus(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": i18n.T(lang, i18n.KeyLicenseTransitioned),
		"license": license,
	})
}

// POST /admin/sweeps/:name
func (h *AdminHandler) RunSweep(c *gin.Context) {
	lang := utils.GetLangFromContext(c)

	result, err := h.adminService.RunSweep(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": i18n.T(lang, i18n.KeySweepCompleted),
		"result":  result,
	})
}
