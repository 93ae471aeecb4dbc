// internal/repository/gorm_store.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/imi-licensing/internal/models"
)

// GormStore implements Store on PostgreSQL through gorm.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Assets

func (s *GormStore) GetAsset(ctx context.Context, id uuid.UUID) (*models.IPAsset, error) {
	var asset models.IPAsset
	if err := s.db.WithContext(ctx).Unscoped().First(&asset, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &asset, nil
}

func (s *GormStore) ListOwnerships(ctx context.Context, assetID uuid.UUID) ([]models.AssetOwnership, error) {
	var records []models.AssetOwnership
	err := s.db.WithContext(ctx).
		Where("ip_asset_id = ?", assetID).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list ownerships: %w", err)
	}
	return records, nil
}

func (s *GormStore) CreateAsset(ctx context.Context, asset *models.IPAsset) error {
	asset.EnsureID()
	return s.db.WithContext(ctx).Omit(clause.Associations).Create(asset).Error
}

func (s *GormStore) CreateOwnership(ctx context.Context, ownership *models.AssetOwnership) error {
	ownership.EnsureID()
	return s.db.WithContext(ctx).Create(ownership).Error
}

func (s *GormStore) LockAsset(ctx context.Context, id uuid.UUID) error {
	var asset models.IPAsset
	err := s.db.WithContext(ctx).Unscoped().
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id").
		First(&asset, "id = ?", id).Error
	if err != nil {
		return notFound(err)
	}
	return nil
}

// Users

func (s *GormStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Unscoped().First(&user, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (s *GormStore) CreateUser(ctx context.Context, user *models.User) error {
	user.EnsureID()
	return s.db.WithContext(ctx).Create(user).Error
}

// Licenses

func (s *GormStore) CreateLicense(ctx context.Context, license *models.License) error {
	license.EnsureID()
	return s.db.WithContext(ctx).Create(license).Error
}

func (s *GormStore) GetLicense(ctx context.Context, id uuid.UUID) (*models.License, error) {
	var license models.License
	if err := s.db.WithContext(ctx).First(&license, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &license, nil
}

func (s *GormStore) GetLicenseForUpdate(ctx context.Context, id uuid.UUID) (*models.License, error) {
	var license models.License
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&license, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &license, nil
}

func (s *GormStore) UpdateLicense(ctx context.Context, license *models.License) error {
	return s.db.WithContext(ctx).Save(license).Error
}

func (s *GormStore) ListLicenses(ctx context.Context, filter LicenseFilter) ([]models.License, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.License{})

	if filter.IPAssetID != nil {
		query = query.Where("ip_asset_id = ?", *filter.IPAssetID)
	}
	if filter.BrandID != nil {
		query = query.Where("brand_id = ?", *filter.BrandID)
	}
	if filter.ParentLicenseID != nil {
		query = query.Where("parent_license_id = ?", *filter.ParentLicenseID)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.EndBefore != nil {
		query = query.Where("end_date < ?", *filter.EndBefore)
	}
	if filter.EndOnOrBefore != nil {
		query = query.Where("end_date <= ?", *filter.EndOnOrBefore)
	}
	if filter.UpdatedBefore != nil {
		query = query.Where("updated_at < ?", *filter.UpdatedBefore)
	}
	if filter.AutoRenew != nil {
		query = query.Where("auto_renew = ?", *filter.AutoRenew)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count licenses: %w", err)
	}

	if filter.SortByEndDate {
		query = query.Order("end_date ASC")
	} else {
		query = query.Order("created_at DESC")
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit).Offset(filter.Offset)
	}

	var licenses []models.License
	if err := query.Find(&licenses).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list licenses: %w", err)
	}
	return licenses, total, nil
}

func (s *GormStore) FindOverlappingLicenses(ctx context.Context, q OverlapQuery) ([]models.License, error) {
	query := s.db.WithContext(ctx).
		Where("ip_asset_id = ?", q.IPAssetID).
		Where("start_date <= ? AND end_date >= ?", q.End, q.Start)

	if len(q.Statuses) > 0 {
		query = query.Where("status IN ?", q.Statuses)
	}
	if len(q.LicenseTypes) > 0 {
		query = query.Where("license_type IN ?", q.LicenseTypes)
	}
	if q.ExcludeID != nil {
		query = query.Where("id <> ?", *q.ExcludeID)
	}

	var licenses []models.License
	if err := query.Order("start_date ASC").Find(&licenses).Error; err != nil {
		return nil, fmt.Errorf("failed to find overlapping licenses: %w", err)
	}
	return licenses, nil
}

func (s *GormStore) SumBrandFees(ctx context.Context, brandID uuid.UUID, statuses []models.LicenseStatus, excludeID *uuid.UUID) (int64, error) {
	query := s.db.WithContext(ctx).Model(&models.License{}).
		Select("COALESCE(SUM(fee_cents), 0)").
		Where("brand_id = ?", brandID)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	if excludeID != nil {
		query = query.Where("id <> ?", *excludeID)
	}

	var total int64
	if err := query.Scan(&total).Error; err != nil {
		return 0, fmt.Errorf("failed to sum brand fees: %w", err)
	}
	return total, nil
}

// Status history

func (s *GormStore) AppendStatusHistory(ctx context.Context, entry *models.StatusHistoryEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *GormStore) ListStatusHistory(ctx context.Context, licenseID uuid.UUID) ([]models.StatusHistoryEntry, error) {
	var entries []models.StatusHistoryEntry
	err := s.db.WithContext(ctx).
		Where("license_id = ?", licenseID).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list status history: %w", err)
	}
	return entries, nil
}

// Amendments

func (s *GormStore) CreateAmendment(ctx context.Context, amendment *models.Amendment) error {
	amendment.EnsureID()
	for i := range amendment.Approvals {
		amendment.Approvals[i].EnsureID()
		amendment.Approvals[i].AmendmentID = amendment.ID
	}
	return s.db.WithContext(ctx).Create(amendment).Error
}

func (s *GormStore) GetAmendment(ctx context.Context, id uuid.UUID) (*models.Amendment, error) {
	var amendment models.Amendment
	err := s.db.WithContext(ctx).
		Preload("Approvals", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		First(&amendment, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &amendment, nil
}

func (s *GormStore) GetAmendmentForUpdate(ctx context.Context, id uuid.UUID) (*models.Amendment, error) {
	var amendment models.Amendment
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Preload("Approvals", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		First(&amendment, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &amendment, nil
}

func (s *GormStore) UpdateAmendment(ctx context.Context, amendment *models.Amendment) error {
	return s.db.WithContext(ctx).Omit(clause.Associations).Save(amendment).Error
}

func (s *GormStore) UpdateApprovalRecord(ctx context.Context, record *models.ApprovalRecord) error {
	return s.db.WithContext(ctx).Save(record).Error
}

func (s *GormStore) NextAmendmentNumber(ctx context.Context, licenseID uuid.UUID) (int, error) {
	var current int
	err := s.db.WithContext(ctx).Unscoped().Model(&models.Amendment{}).
		Select("COALESCE(MAX(amendment_number), 0)").
		Where("license_id = ?", licenseID).
		Scan(&current).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read amendment number: %w", err)
	}
	return current + 1, nil
}

func (s *GormStore) ListAmendments(ctx context.Context, licenseID uuid.UUID) ([]models.Amendment, error) {
	var amendments []models.Amendment
	err := s.db.WithContext(ctx).
		Preload("Approvals").
		Where("license_id = ?", licenseID).
		Order("amendment_number ASC").
		Find(&amendments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list amendments: %w", err)
	}
	return amendments, nil
}

// Extensions

func (s *GormStore) CreateExtension(ctx context.Context, extension *models.Extension) error {
	extension.EnsureID()
	return s.db.WithContext(ctx).Create(extension).Error
}

func (s *GormStore) GetExtension(ctx context.Context, id uuid.UUID) (*models.Extension, error) {
	var extension models.Extension
	if err := s.db.WithContext(ctx).First(&extension, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &extension, nil
}

func (s *GormStore) GetExtensionForUpdate(ctx context.Context, id uuid.UUID) (*models.Extension, error) {
	var extension models.Extension
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&extension, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &extension, nil
}

func (s *GormStore) UpdateExtension(ctx context.Context, extension *models.Extension) error {
	return s.db.WithContext(ctx).Save(extension).Error
}

func (s *GormStore) ListExtensions(ctx context.Context, licenseID uuid.UUID) ([]models.Extension, error) {
	var extensions []models.Extension
	err := s.db.WithContext(ctx).
		Where("license_id = ?", licenseID).
		Order("created_at ASC").
		Find(&extensions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list extensions: %w", err)
	}
	return extensions, nil
}

// Audit

func (s *GormStore) AppendAudit(ctx context.Context, entry *models.AuditLog) error {
	entry.EnsureID()
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *GormStore) ListAudit(ctx context.Context, resourceID uuid.UUID) ([]models.AuditLog, error) {
	var entries []models.AuditLog
	err := s.db.WithContext(ctx).
		Where("resource_id = ?", resourceID).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log: %w", err)
	}
	return entries, nil
}

// Outbox

func (s *GormStore) EnqueueEvent(ctx context.Context, event *models.OutboxEvent) error {
	return s.db.WithContext(ctx).Create(event).Error
}

func (s *GormStore) ListPendingEvents(ctx context.Context, now time.Time, limit int) ([]models.OutboxEvent, error) {
	var events []models.OutboxEvent
	query := s.db.WithContext(ctx).
		Where("status = ? AND available_at <= ?", models.OutboxStatusPending, now).
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending events: %w", err)
	}
	return events, nil
}

func (s *GormStore) MarkEventDispatched(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.OutboxStatusDispatched,
			"dispatched_at": at,
			"attempts":      gorm.Expr("attempts + 1"),
			"last_error":    "",
		}).Error
}

func (s *GormStore) MarkEventFailed(ctx context.Context, id string, reason string, retryAt time.Time, giveUp bool) error {
	status := models.OutboxStatusPending
	if giveUp {
		status = models.OutboxStatusFailed
	}
	return s.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"available_at": retryAt,
			"attempts":     gorm.Expr("attempts + 1"),
			"last_error":   reason,
		}).Error
}

// Idempotency

func (s *GormStore) GetIdempotencyRecord(ctx context.Context, scope, key string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := s.db.WithContext(ctx).First(&rec, "scope = ? AND key = ?", scope, key).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (s *GormStore) InsertIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *GormStore) SaveIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) error {
	return s.db.WithContext(ctx).Save(rec).Error
}

func (s *GormStore) ReclaimIdempotencyRecord(ctx context.Context, scope, key string, lockedAt, now time.Time, requestHash string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.IdempotencyRecord{}).
		Where("scope = ? AND key = ? AND status = ? AND locked_at = ?", scope, key, models.IdempotencyStatusProcessing, lockedAt).
		Updates(map[string]interface{}{
			"locked_at":    now,
			"request_hash": requestHash,
			"updated_at":   now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *GormStore) DeleteIdempotencyRecord(ctx context.Context, scope, key string) error {
	return s.db.WithContext(ctx).
		Where("scope = ? AND key = ?", scope, key).
		Delete(&models.IdempotencyRecord{}).Error
}

// Notifications

func (s *GormStore) CreateAdminNotification(ctx context.Context, n *models.AdminNotification) error {
	n.EnsureID()
	return s.db.WithContext(ctx).Create(n).Error
}

func (s *GormStore) ListAdminNotifications(ctx context.Context, limit int) ([]models.AdminNotification, error) {
	var out []models.AdminNotification
	query := s.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list admin notifications: %w", err)
	}
	return out, nil
}
