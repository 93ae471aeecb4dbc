package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/javajoker/imi-licensing/internal/clock"
	"github.com/javajoker/imi-licensing/internal/models"
)

type MemoryStoreTestSuite struct {
	suite.Suite
	clock *clock.FixedClock
	store *MemoryStore
	ctx   context.Context
}

func (suite *MemoryStoreTestSuite) SetupTest() {
	suite.clock = clock.NewFixed(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	suite.store = NewMemoryStore(suite.clock)
	suite.ctx = context.Background()
}

func (suite *MemoryStoreTestSuite) newLicense(assetID uuid.UUID, status models.LicenseStatus, start, end time.Time) *models.License {
	l := &models.License{
		IPAssetID:   assetID,
		BrandID:     uuid.New(),
		LicenseType: models.LicenseTypeNonExclusive,
		Status:      status,
		StartDate:   start,
		EndDate:     end,
		FeeCents:    100_000,
	}
	suite.Require().NoError(suite.store.CreateLicense(suite.ctx, l))
	return l
}

func (suite *MemoryStoreTestSuite) TestTransactionRollsBackOnError() {
	assetID := uuid.New()
	keep := suite.newLicense(assetID, models.LicenseStatusActive, suite.clock.Now(), suite.clock.Now().AddDate(0, 6, 0))

	boom := errors.New("boom")
	err := suite.store.Transaction(suite.ctx, func(tx Store) error {
		l, err := tx.GetLicenseForUpdate(suite.ctx, keep.ID)
		suite.Require().NoError(err)
		l.Status = models.LicenseStatusTerminated
		suite.Require().NoError(tx.UpdateLicense(suite.ctx, l))
		suite.Require().NoError(tx.AppendStatusHistory(suite.ctx, &models.StatusHistoryEntry{LicenseID: l.ID}))
		return boom
	})
	suite.ErrorIs(err, boom)

	got, err := suite.store.GetLicense(suite.ctx, keep.ID)
	suite.Require().NoError(err)
	suite.Equal(models.LicenseStatusActive, got.Status)

	history, err := suite.store.ListStatusHistory(suite.ctx, keep.ID)
	suite.Require().NoError(err)
	suite.Empty(history)
}

func (suite *MemoryStoreTestSuite) TestReturnedValuesAreCopies() {
	l := suite.newLicense(uuid.New(), models.LicenseStatusDraft, suite.clock.Now(), suite.clock.Now().AddDate(1, 0, 0))
	l.Status = models.LicenseStatusCanceled

	got, err := suite.store.GetLicense(suite.ctx, l.ID)
	suite.Require().NoError(err)
	suite.Equal(models.LicenseStatusDraft, got.Status)
}

func (suite *MemoryStoreTestSuite) TestFindOverlappingLicenses() {
	assetID := uuid.New()
	jan := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	dec := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)

	overlapping := suite.newLicense(assetID, models.LicenseStatusActive, jun, dec)
	suite.newLicense(assetID, models.LicenseStatusExpired, jun, dec)
	suite.newLicense(assetID, models.LicenseStatusActive, dec.AddDate(0, 0, 1), dec.AddDate(1, 0, 0))
	suite.newLicense(uuid.New(), models.LicenseStatusActive, jan, dec)

	found, err := suite.store.FindOverlappingLicenses(suite.ctx, OverlapQuery{
		IPAssetID: assetID,
		Start:     jan,
		End:       dec,
		Statuses:  []models.LicenseStatus{models.LicenseStatusActive},
	})
	suite.Require().NoError(err)
	suite.Require().Len(found, 1)
	suite.Equal(overlapping.ID, found[0].ID)

	found, err = suite.store.FindOverlappingLicenses(suite.ctx, OverlapQuery{
		IPAssetID: assetID,
		Start:     jan,
		End:       dec,
		Statuses:  []models.LicenseStatus{models.LicenseStatusActive},
		ExcludeID: &overlapping.ID,
	})
	suite.Require().NoError(err)
	suite.Empty(found)
}

func (suite *MemoryStoreTestSuite) TestListLicensesFilters() {
	assetID := uuid.New()
	now := suite.clock.Now()
	soon := suite.newLicense(assetID, models.LicenseStatusActive, now.AddDate(0, -6, 0), now.AddDate(0, 0, 10))
	suite.newLicense(assetID, models.LicenseStatusActive, now, now.AddDate(1, 0, 0))

	cutoff := now.AddDate(0, 0, 30)
	found, total, err := suite.store.ListLicenses(suite.ctx, LicenseFilter{
		Statuses:      []models.LicenseStatus{models.LicenseStatusActive},
		EndOnOrBefore: &cutoff,
		SortByEndDate: true,
	})
	suite.Require().NoError(err)
	suite.Equal(int64(1), total)
	suite.Equal(soon.ID, found[0].ID)

	_, total, err = suite.store.ListLicenses(suite.ctx, LicenseFilter{IPAssetID: &assetID, Limit: 1})
	suite.Require().NoError(err)
	suite.Equal(int64(2), total)
}

func (suite *MemoryStoreTestSuite) TestAmendmentNumbersAndApprovals() {
	licenseID := uuid.New()
	n, err := suite.store.NextAmendmentNumber(suite.ctx, licenseID)
	suite.Require().NoError(err)
	suite.Equal(1, n)

	a := &models.Amendment{
		LicenseID:       licenseID,
		AmendmentNumber: n,
		Status:          models.AmendmentStatusProposed,
		Approvals: []models.ApprovalRecord{
			{ApproverID: uuid.New(), ApproverRole: models.ActorRoleCreator, Status: models.ApprovalStatusPending},
			{ApproverID: uuid.New(), ApproverRole: models.ActorRoleCreator, Status: models.ApprovalStatusPending},
		},
	}
	suite.Require().NoError(suite.store.CreateAmendment(suite.ctx, a))

	dup := &models.Amendment{LicenseID: licenseID, AmendmentNumber: n}
	suite.Error(suite.store.CreateAmendment(suite.ctx, dup))

	n, err = suite.store.NextAmendmentNumber(suite.ctx, licenseID)
	suite.Require().NoError(err)
	suite.Equal(2, n)

	loaded, err := suite.store.GetAmendment(suite.ctx, a.ID)
	suite.Require().NoError(err)
	suite.Require().Len(loaded.Approvals, 2)

	record := loaded.Approvals[0]
	record.Status = models.ApprovalStatusApproved
	suite.Require().NoError(suite.store.UpdateApprovalRecord(suite.ctx, &record))

	loaded, err = suite.store.GetAmendment(suite.ctx, a.ID)
	suite.Require().NoError(err)
	approved, rejected, pending := loaded.ApprovalTally()
	suite.Equal(1, approved)
	suite.Equal(0, rejected)
	suite.Equal(1, pending)
}

func (suite *MemoryStoreTestSuite) TestOutboxLifecycle() {
	now := suite.clock.Now()
	suite.Require().NoError(suite.store.EnqueueEvent(suite.ctx, &models.OutboxEvent{ID: "01A", EventType: "license.created"}))
	suite.Require().NoError(suite.store.EnqueueEvent(suite.ctx, &models.OutboxEvent{ID: "01B", EventType: "license.status_changed"}))

	pending, err := suite.store.ListPendingEvents(suite.ctx, now, 10)
	suite.Require().NoError(err)
	suite.Require().Len(pending, 2)
	suite.Equal("01A", pending[0].ID)

	suite.Require().NoError(suite.store.MarkEventDispatched(suite.ctx, "01A", now))
	suite.Require().NoError(suite.store.MarkEventFailed(suite.ctx, "01B", "nats down", now.Add(time.Minute), false))

	pending, err = suite.store.ListPendingEvents(suite.ctx, now, 10)
	suite.Require().NoError(err)
	suite.Empty(pending)

	pending, err = suite.store.ListPendingEvents(suite.ctx, now.Add(time.Minute), 10)
	suite.Require().NoError(err)
	suite.Require().Len(pending, 1)
	suite.Equal(1, pending[0].Attempts)
}

func (suite *MemoryStoreTestSuite) TestIdempotencyInsertOnce() {
	rec := &models.IdempotencyRecord{Scope: "POST /v1/licenses", Key: "k1", Status: models.IdempotencyStatusProcessing}
	inserted, err := suite.store.InsertIdempotencyRecord(suite.ctx, rec)
	suite.Require().NoError(err)
	suite.True(inserted)

	inserted, err = suite.store.InsertIdempotencyRecord(suite.ctx, &models.IdempotencyRecord{Scope: rec.Scope, Key: rec.Key})
	suite.Require().NoError(err)
	suite.False(inserted)

	suite.Require().NoError(suite.store.DeleteIdempotencyRecord(suite.ctx, rec.Scope, rec.Key))
	_, err = suite.store.GetIdempotencyRecord(suite.ctx, rec.Scope, rec.Key)
	suite.ErrorIs(err, ErrNotFound)
}

func (suite *MemoryStoreTestSuite) TestIdempotencyReclaimNeedsObservedLock() {
	lockedAt := suite.clock.Now()
	rec := &models.IdempotencyRecord{Scope: "POST /v1/licenses", Key: "k2", Status: models.IdempotencyStatusProcessing, LockedAt: lockedAt}
	inserted, err := suite.store.InsertIdempotencyRecord(suite.ctx, rec)
	suite.Require().NoError(err)
	suite.Require().True(inserted)

	later := lockedAt.Add(10 * time.Minute)
	won, err := suite.store.ReclaimIdempotencyRecord(suite.ctx, rec.Scope, rec.Key, lockedAt, later, "h1")
	suite.Require().NoError(err)
	suite.True(won)

	won, err = suite.store.ReclaimIdempotencyRecord(suite.ctx, rec.Scope, rec.Key, lockedAt, later.Add(time.Second), "h2")
	suite.Require().NoError(err)
	suite.False(won)

	got, err := suite.store.GetIdempotencyRecord(suite.ctx, rec.Scope, rec.Key)
	suite.Require().NoError(err)
	suite.True(got.LockedAt.Equal(later))
	suite.Equal("h1", got.RequestHash)
}

func (suite *MemoryStoreTestSuite) TestSoftDeletedAssetIsStillReturned() {
	asset := &models.IPAsset{Title: "Logo", AssetType: models.AssetTypeLogo}
	suite.Require().NoError(suite.store.CreateAsset(suite.ctx, asset))
	asset.DeletedAt.Time = suite.clock.Now()
	asset.DeletedAt.Valid = true
	suite.store.data.Assets[asset.ID] = clone(asset)

	got, err := suite.store.GetAsset(suite.ctx, asset.ID)
	suite.Require().NoError(err)
	suite.True(got.IsDeleted())
}

func TestMemoryStoreTestSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreTestSuite))
}
