// internal/services/idempotency_service.go
package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"gorm.io/datatypes"

	"github.com/javajoker/imi-licensing/internal/apperrors"
	"github.com/javajoker/imi-licensing/internal/clock"
	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/repository"
)

// IdempotencyService deduplicates retried mutating requests. A key moves from
// processing to processed; a key left processing past staleAfter is treated
// as abandoned and may be claimed again.
type IdempotencyService struct {
	store      repository.IdempotencyRepository
	staleAfter time.Duration
	clock      clock.Clock
}

func NewIdempotencyService(store repository.IdempotencyRepository, staleAfter time.Duration, clk clock.Clock) *IdempotencyService {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &IdempotencyService{store: store, staleAfter: staleAfter, clock: clk}
}

// HashRequest fingerprints a request so a reused key with a different body
// can be told apart from a retry.
func HashRequest(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Begin claims (scope, key). It returns the stored record when the request
// was already processed and should be replayed, or nil when the caller owns
// the key and must finish with Complete or Abandon.
func (s *IdempotencyService) Begin(ctx context.Context, scope, key, requestHash string) (*models.IdempotencyRecord, error) {
	now := s.clock.Now()
	rec := &models.IdempotencyRecord{
		Scope:       scope,
		Key:         key,
		RequestHash: requestHash,
		Status:      models.IdempotencyStatusProcessing,
		LockedAt:    now,
	}
	inserted, err := s.store.InsertIdempotencyRecord(ctx, rec)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to claim idempotency key %s", key)
	}
	if inserted {
		return nil, nil
	}

	existing, err := s.store.GetIdempotencyRecord(ctx, scope, key)
	if isNotFound(err) {
		// Abandoned and deleted between the insert and the read.
		return s.Begin(ctx, scope, key, requestHash)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load idempotency key %s", key)
	}

	if existing.RequestHash != "" && requestHash != "" && existing.RequestHash != requestHash {
		return nil, apperrors.NewValidation("idempotency key reused", "the key was already used for a different request")
	}
	switch existing.Status {
	case models.IdempotencyStatusProcessed:
		return existing, nil
	default:
		if now.Sub(existing.LockedAt) < s.staleAfter {
			return nil, apperrors.NewIdempotencyInProgress(key)
		}
		reclaimed, err := s.store.ReclaimIdempotencyRecord(ctx, scope, key, existing.LockedAt, now, requestHash)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to reclaim idempotency key %s", key)
		}
		if !reclaimed {
			return nil, apperrors.NewIdempotencyInProgress(key)
		}
		return nil, nil
	}
}

// Complete stores the response replayed to later retries.
func (s *IdempotencyService) Complete(ctx context.Context, scope, key, requestHash string, code int, body []byte) error {
	rec := &models.IdempotencyRecord{
		Scope:        scope,
		Key:          key,
		RequestHash:  requestHash,
		Status:       models.IdempotencyStatusProcessed,
		ResponseCode: code,
		ResponseBody: datatypes.JSON(body),
		LockedAt:     s.clock.Now(),
	}
	if err := s.store.SaveIdempotencyRecord(ctx, rec); err != nil {
		return apperrors.Wrap(err, "failed to store idempotent response for %s", key)
	}
	return nil
}

// Abandon releases the key so the request can be retried.
func (s *IdempotencyService) Abandon(ctx context.Context, scope, key string) error {
	if err := s.store.DeleteIdempotencyRecord(ctx, scope, key); err != nil {
		return apperrors.Wrap(err, "failed to release idempotency key %s", key)
	}
	return nil
}
