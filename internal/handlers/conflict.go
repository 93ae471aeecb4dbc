// internal/handlers/conflict.go
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/imi-licensing/internal/services"
	"github.com/javajoker/imi-licensing/internal/utils"
)

type ConflictHandler struct {
	conflictService *services.ConflictService
	pricingService  *services.PricingService
}

func NewConflictHandler(conflictService *services.ConflictService, pricingService *services.PricingService) *ConflictHandler {
	return &ConflictHandler{
		conflictService: conflictService,
		pricingService:  pricingService,
	}
}

// POST /conflicts/check
func (h *ConflictHandler) CheckConflicts(c *gin.Context) {
	if _, ok := requireActor(c); !ok {
		return
	}

	var req services.ConflictInput
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.conflictService.CheckConflicts(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"conflicts": result,
	})
}

// POST /pricing/quote
func (h *ConflictHandler) Quote(c *gin.Context) {
	if _, ok := requireActor(c); !ok {
		return
	}

	var req services.QuoteInput
	if !bindJSON(c, &req) {
		return
	}

	quote, err := h.pricingService.Quote(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"quote": quote,
	})
}
