// internal/handlers/verification.go
package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/imi-licensing/internal/i18n"
	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/services"
	"github.com/javajoker/imi-licensing/internal/utils"
)

const proofDownloadTTL = 15 * time.Minute

type VerificationHandler struct {
	licenseService *services.LicenseService
	proofService   *services.ProofService
	storageService *services.StorageService
}

// NewVerificationHandler serves public proof checks. storageService may be
// nil when proofs are not archived.
func NewVerificationHandler(licenseService *services.LicenseService, proofService *services.ProofService, storageService *services.StorageService) *VerificationHandler {
	return &VerificationHandler{
		licenseService: licenseService,
		proofService:   proofService,
		storageService: storageService,
	}
}

// GET /verify/licenses/:id
func (h *VerificationHandler) VerifyLicense(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	license, err := h.licenseService.GetLicense(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	proof := license.ExecutionProof.Data()
	valid := false
	if !proof.IsZero() {
		if valid, err = h.licenseService.VerifyProof(ctx, id); err != nil {
			fail(c, err)
			return
		}
	}

	message := i18n.T(lang, i18n.KeyVerificationFailed)
	if valid {
		message = i18n.T(lang, i18n.KeyVerificationSuccess)
	}

	response := gin.H{
		"message":      message,
		"valid":        valid,
		"license_id":   license.ID,
		"status":       license.Status,
		"in_force":     valid && (license.Status == models.LicenseStatusActive || license.Status == models.LicenseStatusExpiringSoon),
		"start_date":   license.StartDate,
		"end_date":     license.EndDate,
		"payload_hash": proof.PayloadHash,
		"key_id":       proof.KeyID,
		"issued_at":    proof.IssuedAt,
	}

	if h.storageService != nil && proof.ArchiveKey != "" {
		if url, err := h.storageService.GeneratePresignedURL(proof.ArchiveKey, proofDownloadTTL); err == nil {
			response["archive_url"] = url
		}
	}

	utils.SuccessResponse(c, response)
}

// GET /verify/public-key
func (h *VerificationHandler) GetPublicKey(c *gin.Context) {
	utils.SuccessResponse(c, gin.H{
		"algorithm":  services.ProofAlgorithm,
		"public_key": h.proofService.PublicKey(),
	})
}
