// internal/repository/repository.go
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/javajoker/imi-licensing/internal/models"
)

// ErrNotFound is returned when a lookup matches no live record.
var ErrNotFound = errors.New("record not found")

// LicenseFilter narrows ListLicenses. Zero fields do not filter.
type LicenseFilter struct {
	IPAssetID       *uuid.UUID
	BrandID         *uuid.UUID
	ParentLicenseID *uuid.UUID
	Statuses        []models.LicenseStatus
	EndBefore       *time.Time // end_date < t
	EndOnOrBefore   *time.Time // end_date <= t
	UpdatedBefore   *time.Time
	AutoRenew       *bool
	SortByEndDate   bool
	Limit           int
	Offset          int
}

// OverlapQuery selects grants on one asset whose closed date range
// intersects [Start, End].
type OverlapQuery struct {
	IPAssetID    uuid.UUID
	Start        time.Time
	End          time.Time
	Statuses     []models.LicenseStatus
	LicenseTypes []models.LicenseType
	ExcludeID    *uuid.UUID
}

type AssetRepository interface {
	// GetAsset returns the asset even when soft deleted, so callers can
	// report deletion instead of absence.
	GetAsset(ctx context.Context, id uuid.UUID) (*models.IPAsset, error)
	ListOwnerships(ctx context.Context, assetID uuid.UUID) ([]models.AssetOwnership, error)
	CreateAsset(ctx context.Context, asset *models.IPAsset) error
	CreateOwnership(ctx context.Context, ownership *models.AssetOwnership) error
	// LockAsset serializes writers that decide on the grants of one asset.
	LockAsset(ctx context.Context, id uuid.UUID) error
}

type UserRepository interface {
	// GetUser returns the user even when soft deleted.
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
}

type LicenseRepository interface {
	CreateLicense(ctx context.Context, license *models.License) error
	GetLicense(ctx context.Context, id uuid.UUID) (*models.License, error)
	// GetLicenseForUpdate loads the license and holds its row lock until the
	// surrounding transaction ends.
	GetLicenseForUpdate(ctx context.Context, id uuid.UUID) (*models.License, error)
	UpdateLicense(ctx context.Context, license *models.License) error
	ListLicenses(ctx context.Context, filter LicenseFilter) ([]models.License, int64, error)
	FindOverlappingLicenses(ctx context.Context, q OverlapQuery) ([]models.License, error)
	SumBrandFees(ctx context.Context, brandID uuid.UUID, statuses []models.LicenseStatus, excludeID *uuid.UUID) (int64, error)
}

type HistoryRepository interface {
	AppendStatusHistory(ctx context.Context, entry *models.StatusHistoryEntry) error
	ListStatusHistory(ctx context.Context, licenseID uuid.UUID) ([]models.StatusHistoryEntry, error)
}

type AmendmentRepository interface {
	// CreateAmendment inserts the amendment together with its approval records.
	CreateAmendment(ctx context.Context, amendment *models.Amendment) error
	GetAmendment(ctx context.Context, id uuid.UUID) (*models.Amendment, error)
	// GetAmendmentForUpdate loads the amendment and holds its row lock until
	// the surrounding transaction ends.
	GetAmendmentForUpdate(ctx context.Context, id uuid.UUID) (*models.Amendment, error)
	UpdateAmendment(ctx context.Context, amendment *models.Amendment) error
	UpdateApprovalRecord(ctx context.Context, record *models.ApprovalRecord) error
	NextAmendmentNumber(ctx context.Context, licenseID uuid.UUID) (int, error)
	ListAmendments(ctx context.Context, licenseID uuid.UUID) ([]models.Amendment, error)
}

type ExtensionRepository interface {
	CreateExtension(ctx context.Context, extension *models.Extension) error
	GetExtension(ctx context.Context, id uuid.UUID) (*models.Extension, error)
	GetExtensionForUpdate(ctx context.Context, id uuid.UUID) (*models.Extension, error)
	UpdateExtension(ctx context.Context, extension *models.Extension) error
	ListExtensions(ctx context.Context, licenseID uuid.UUID) ([]models.Extension, error)
}

type AuditRepository interface {
	AppendAudit(ctx context.Context, entry *models.AuditLog) error
	ListAudit(ctx context.Context, resourceID uuid.UUID) ([]models.AuditLog, error)
}

type OutboxRepository interface {
	EnqueueEvent(ctx context.Context, event *models.OutboxEvent) error
	ListPendingEvents(ctx context.Context, now time.Time, limit int) ([]models.OutboxEvent, error)
	MarkEventDispatched(ctx context.Context, id string, at time.Time) error
	// MarkEventFailed records a failed attempt. The event stays pending until
	// retryAt unless giveUp is set.
	MarkEventFailed(ctx context.Context, id string, reason string, retryAt time.Time, giveUp bool) error
}

type IdempotencyRepository interface {
	GetIdempotencyRecord(ctx context.Context, scope, key string) (*models.IdempotencyRecord, error)
	// InsertIdempotencyRecord stores rec unless (scope, key) exists and
	// reports whether it was stored.
	InsertIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) (bool, error)
	SaveIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) error
	// ReclaimIdempotencyRecord moves a processing claim to a new owner only
	// while its lock is still the one observed at lockedAt. It reports
	// whether this caller won the claim.
	ReclaimIdempotencyRecord(ctx context.Context, scope, key string, lockedAt, now time.Time, requestHash string) (bool, error)
	DeleteIdempotencyRecord(ctx context.Context, scope, key string) error
}

type NotificationRepository interface {
	CreateAdminNotification(ctx context.Context, n *models.AdminNotification) error
	ListAdminNotifications(ctx context.Context, limit int) ([]models.AdminNotification, error)
}

// Store is the persistence port of the licensing core.
type Store interface {
	AssetRepository
	UserRepository
	LicenseRepository
	HistoryRepository
	AmendmentRepository
	ExtensionRepository
	AuditRepository
	OutboxRepository
	IdempotencyRepository
	NotificationRepository

	// Transaction runs fn atomically. The Store passed to fn is bound to the
	// transaction; fn's error rolls every write back.
	Transaction(ctx context.Context, fn func(tx Store) error) error
}
