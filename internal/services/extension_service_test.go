package services

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/javajoker/imi-licensing/internal/apperrors"
	"github.com/javajoker/imi-licensing/internal/models"
)

type ExtensionServiceTestSuite struct {
	serviceSuite
	brand   *models.User
	owner   *models.User
	asset   *models.IPAsset
	license *models.License
}

func (suite *ExtensionServiceTestSuite) SetupTest() {
	suite.serviceSuite.SetupTest()
	suite.brand = suite.newBrand(true)
	suite.owner = suite.newCreator()
	suite.asset = suite.newAsset(suite.owner)
	suite.license = suite.seedLicense(suite.asset.ID, suite.brand.ID, models.LicenseTypeNonExclusive,
		models.LicenseStatusActive, testNow, testNow.AddDate(0, 0, 365), 500_000)
}

func (suite *ExtensionServiceTestSuite) TestShortExtensionAppliesImmediately() {
	result, err := suite.extensions.RequestExtension(suite.ctx, ExtensionRequestInput{
		LicenseID:     suite.license.ID,
		Actor:         actorOf(suite.brand),
		ExtensionDays: 30,
	})
	suite.Require().NoError(err)
	suite.True(result.Applied)
	suite.False(result.Extension.ApprovalRequired)
	suite.Equal(models.ExtensionStatusApproved, result.Extension.Status)
	suite.Equal(int64(41_096), result.Extension.AdditionalFeeCents)

	got := suite.reload(suite.license.ID)
	suite.True(got.EndDate.Equal(testNow.AddDate(0, 0, 395)))
	suite.Equal(int64(541_096), got.FeeCents)
}

func (suite *ExtensionServiceTestSuite) TestLongExtensionWaitsForOwner() {
	result, err := suite.extensions.RequestExtension(suite.ctx, ExtensionRequestInput{
		LicenseID:     suite.license.ID,
		Actor:         actorOf(suite.brand),
		ExtensionDays: 45,
	})
	suite.Require().NoError(err)
	suite.False(result.Applied)
	suite.True(result.Extension.ApprovalRequired)
	suite.Equal(models.ExtensionStatusPending, result.Extension.Status)
	suite.True(suite.reload(suite.license.ID).EndDate.Equal(suite.license.EndDate))

	_, err = suite.extensions.ProcessApproval(suite.ctx, ExtensionDecisionInput{
		ExtensionID: result.Extension.ID,
		Actor:       actorOf(suite.brand),
		Approve:     true,
	})
	suite.requireErrorType(err, apperrors.ErrTypePermission)

	decided, err := suite.extensions.ProcessApproval(suite.ctx, ExtensionDecisionInput{
		ExtensionID: result.Extension.ID,
		Actor:       actorOf(suite.owner),
		Approve:     true,
	})
	suite.Require().NoError(err)
	suite.True(decided.Applied)
	suite.Equal(models.ExtensionStatusApproved, decided.Extension.Status)

	got := suite.reload(suite.license.ID)
	suite.True(got.EndDate.Equal(testNow.AddDate(0, 0, 410)))
	suite.Equal(int64(500_000+ExtensionFee(500_000, 365, 45)), got.FeeCents)
}

func (suite *ExtensionServiceTestSuite) TestResolvedExtensionTakesNoSecondDecision() {
	coOwned := suite.newAsset(suite.owner, suite.newCreator())
	license := suite.seedLicense(coOwned.ID, suite.brand.ID, models.LicenseTypeNonExclusive,
		models.LicenseStatusActive, testNow, testNow.AddDate(0, 0, 365), 500_000)
	ownerships, err := suite.store.ListOwnerships(suite.ctx, coOwned.ID)
	suite.Require().NoError(err)
	suite.Require().Len(ownerships, 2)

	requested, err := suite.extensions.RequestExtension(suite.ctx, ExtensionRequestInput{
		LicenseID:     license.ID,
		Actor:         actorOf(suite.brand),
		ExtensionDays: 45,
	})
	suite.Require().NoError(err)

	var wg sync.WaitGroup
	errs := make([]error, len(ownerships))
	for i, o := range ownerships {
		wg.Add(1)
		go func(i int, ownerID uuid.UUID) {
			defer wg.Done()
			_, errs[i] = suite.extensions.ProcessApproval(suite.ctx, ExtensionDecisionInput{
				ExtensionID: requested.Extension.ID,
				Actor:       models.Actor{ID: ownerID, Role: models.ActorRoleCreator},
				Approve:     true,
			})
		}(i, o.OwnerID)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			suite.requireErrorType(err, apperrors.ErrTypeStateTransition)
		}
	}
	suite.Equal(1, failed)

	got := suite.reload(license.ID)
	suite.True(got.EndDate.Equal(license.EndDate.AddDate(0, 0, 45)))
	suite.Equal(license.FeeCents+requested.Extension.AdditionalFeeCents, got.FeeCents)
}

func (suite *ExtensionServiceTestSuite) TestPendingExtensionBlocksAnother() {
	_, err := suite.extensions.RequestExtension(suite.ctx, ExtensionRequestInput{
		LicenseID:     suite.license.ID,
		Actor:         actorOf(suite.brand),
		ExtensionDays: 60,
	})
	suite.Require().NoError(err)

	_, err = suite.extensions.RequestExtension(suite.ctx, ExtensionRequestInput{
		LicenseID:     suite.license.ID,
		Actor:         actorOf(suite.brand),
		ExtensionDays: 10,
	})
	suite.requireErrorType(err, apperrors.ErrTypeStateTransition)
}

func (suite *ExtensionServiceTestSuite) TestRejectionNeedsReason() {
	result, err := suite.extensions.RequestExtension(suite.ctx, ExtensionRequestInput{
		LicenseID:     suite.license.ID,
		Actor:         actorOf(suite.brand),
		ExtensionDays: 90,
	})
	suite.Require().NoError(err)

	_, err = suite.extensions.ProcessApproval(suite.ctx, ExtensionDecisionInput{
		ExtensionID: result.Extension.ID,
		Actor:       actorOf(suite.owner),
	})
	suite.requireErrorType(err, apperrors.ErrTypeValidation)

	decided, err := suite.extensions.ProcessApproval(suite.ctx, ExtensionDecisionInput{
		ExtensionID: result.Extension.ID,
		Actor:       actorOf(suite.owner),
		Reason:      "campaign calendar is full",
	})
	suite.Require().NoError(err)
	suite.False(decided.Applied)
	suite.Equal(models.ExtensionStatusRejected, decided.Extension.Status)
	suite.Equal("campaign calendar is full", decided.Extension.RejectionReason)
	suite.True(suite.reload(suite.license.ID).EndDate.Equal(suite.license.EndDate))
}

func (suite *ExtensionServiceTestSuite) TestExclusiveExtensionCannotOverlapAnotherExclusive() {
	exclusive := suite.seedLicense(suite.asset.ID, suite.brand.ID, models.LicenseTypeExclusive,
		models.LicenseStatusActive, testNow.AddDate(1, 1, 0), testNow.AddDate(1, 6, 0), 200_000)
	other := suite.newBrand(true)
	suite.seedLicense(suite.asset.ID, other.ID, models.LicenseTypeExclusive,
		models.LicenseStatusActive, testNow.AddDate(1, 7, 0), testNow.AddDate(2, 0, 0), 200_000)

	_, err := suite.extensions.RequestExtension(suite.ctx, ExtensionRequestInput{
		LicenseID:     exclusive.ID,
		Actor:         actorOf(suite.brand),
		ExtensionDays: 60,
	})
	suite.requireErrorType(err, apperrors.ErrTypeConflict)

	appErr, ok := apperrors.As(err)
	suite.Require().True(ok)
	suite.Require().NotEmpty(appErr.Conflicts)
	suite.Equal(models.ConflictExclusiveOverlap, appErr.Conflicts[0].ReasonCode)

	extensions, err := suite.extensions.ListExtensions(suite.ctx, exclusive.ID)
	suite.Require().NoError(err)
	suite.Empty(extensions)
}

func (suite *ExtensionServiceTestSuite) TestTerminatedLicenseCannotBeExtended() {
	terminated := suite.seedLicense(suite.asset.ID, suite.brand.ID, models.LicenseTypeNonExclusive,
		models.LicenseStatusTerminated, testNow, testNow.AddDate(0, 6, 0), 100_000)

	_, err := suite.extensions.RequestExtension(suite.ctx, ExtensionRequestInput{
		LicenseID:     terminated.ID,
		Actor:         actorOf(suite.brand),
		ExtensionDays: 10,
	})
	suite.requireErrorType(err, apperrors.ErrTypeStateTransition)
}

func TestExtensionServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ExtensionServiceTestSuite))
}
