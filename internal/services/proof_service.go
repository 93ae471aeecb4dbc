// internal/services/proof_service.go
package services

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/hkdf"

	"github.com/javajoker/imi-licensing/internal/config"
	"github.com/javajoker/imi-licensing/internal/models"
)

const ProofAlgorithm = "JCS+SHA-256+Ed25519"

// ProofPayload is the executed record that an execution proof signs.
type ProofPayload struct {
	LicenseID        uuid.UUID                `json:"license_id"`
	IPAssetID        uuid.UUID                `json:"ip_asset_id"`
	BrandID          uuid.UUID                `json:"brand_id"`
	ParentLicenseID  *uuid.UUID               `json:"parent_license_id,omitempty"`
	LicenseType      models.LicenseType       `json:"license_type"`
	StartDate        time.Time                `json:"start_date"`
	EndDate          time.Time                `json:"end_date"`
	FeeCents         int64                    `json:"fee_cents"`
	RevShareBps      int                      `json:"rev_share_bps"`
	Scope            models.Scope             `json:"scope"`
	PaymentTerms     string                   `json:"payment_terms,omitempty"`
	BillingFrequency models.BillingFrequency  `json:"billing_frequency,omitempty"`
	Signatures       []models.SignatureRecord `json:"signatures"`
	ExecutedAt       time.Time                `json:"executed_at"`
	KeyID            string                   `json:"key_id"`
}

// ProofService signs and verifies execution proofs. The Ed25519 key is
// derived from the configured secret with HKDF, so every replica signs with
// the same key.
type ProofService struct {
	keyID      string
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

func NewProofService(cfg config.ProofConfig) (*ProofService, error) {
	if cfg.SigningSecret == "" {
		return nil, fmt.Errorf("proof signing secret is required")
	}

	seed := make([]byte, ed25519.SeedSize)
	kdf := hkdf.New(sha256.New, []byte(cfg.SigningSecret), nil, []byte("imi-licensing/execution-proof/"+cfg.KeyID))
	if _, err := io.ReadFull(kdf, seed); err != nil {
		return nil, fmt.Errorf("failed to derive proof signing key: %w", err)
	}

	privateKey := ed25519.NewKeyFromSeed(seed)
	return &ProofService{
		keyID:      cfg.KeyID,
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
	}, nil
}

// PublicKey returns the base64 verification key.
func (s *ProofService) PublicKey() string {
	return base64.StdEncoding.EncodeToString(s.publicKey)
}

// Canonical returns the JCS form of the license's proof payload at executedAt.
func (s *ProofService) Canonical(license *models.License, executedAt time.Time, keyID string) ([]byte, error) {
	payload := ProofPayload{
		LicenseID:        license.ID,
		IPAssetID:        license.IPAssetID,
		BrandID:          license.BrandID,
		ParentLicenseID:  license.ParentLicenseID,
		LicenseType:      license.LicenseType,
		StartDate:        license.StartDate.UTC(),
		EndDate:          license.EndDate.UTC(),
		FeeCents:         license.FeeCents,
		RevShareBps:      license.RevShareBps,
		Scope:            license.GetScope(),
		PaymentTerms:     license.PaymentTerms,
		BillingFrequency: license.BillingFrequency,
		Signatures:       append([]models.SignatureRecord{}, license.Signatures...),
		ExecutedAt:       executedAt.UTC(),
		KeyID:            keyID,
	}
	for i := range payload.Signatures {
		payload.Signatures[i].SignedAt = payload.Signatures[i].SignedAt.UTC()
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal proof payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize proof payload: %w", err)
	}
	return canonical, nil
}

// Issue signs the executed terms of license. It returns the proof and the
// canonical payload it covers.
func (s *ProofService) Issue(license *models.License, executedAt time.Time) (models.ExecutionProof, []byte, error) {
	canonical, err := s.Canonical(license, executedAt, s.keyID)
	if err != nil {
		return models.ExecutionProof{}, nil, err
	}
	digest := sha256.Sum256(canonical)
	signature := ed25519.Sign(s.privateKey, digest[:])

	return models.ExecutionProof{
		Algorithm:   ProofAlgorithm,
		PayloadHash: hex.EncodeToString(digest[:]),
		Signature:   base64.StdEncoding.EncodeToString(signature),
		PublicKey:   s.PublicKey(),
		KeyID:       s.keyID,
		IssuedAt:    executedAt.UTC(),
	}, canonical, nil
}

// VerifyProof recomputes the payload hash of license and checks the stored
// signature against it. Any change to the signed terms fails verification.
func (s *ProofService) VerifyProof(license *models.License) (bool, error) {
	proof := license.ExecutionProof.Data()
	if proof.IsZero() {
		return false, fmt.Errorf("license %s has no execution proof", license.ID)
	}
	if proof.Algorithm != ProofAlgorithm {
		return false, fmt.Errorf("unsupported proof algorithm %q", proof.Algorithm)
	}

	canonical, err := s.Canonical(license, proof.IssuedAt, proof.KeyID)
	if err != nil {
		return false, err
	}
	digest := sha256.Sum256(canonical)
	if hex.EncodeToString(digest[:]) != proof.PayloadHash {
		return false, nil
	}

	publicKey, err := base64.StdEncoding.DecodeString(proof.PublicKey)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid proof public key")
	}
	if proof.KeyID == s.keyID && !s.publicKey.Equal(ed25519.PublicKey(publicKey)) {
		return false, nil
	}
	signature, err := base64.StdEncoding.DecodeString(proof.Signature)
	if err != nil {
		return false, fmt.Errorf("invalid proof signature encoding: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), digest[:], signature), nil
}
