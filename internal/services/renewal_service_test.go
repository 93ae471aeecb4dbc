package services

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/javajoker/imi-licensing/internal/apperrors"
	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/repository"
)

type RenewalServiceTestSuite struct {
	serviceSuite
	brand *models.User
	owner *models.User
	asset *models.IPAsset
}

func (suite *RenewalServiceTestSuite) SetupTest() {
	suite.serviceSuite.SetupTest()
	suite.brand = suite.newBrand(true)
	suite.owner = suite.newCreator()
	suite.asset = suite.newAsset(suite.owner)
}

// expiringIn seeds a 365-day grant ending n days from now.
func (suite *RenewalServiceTestSuite) expiringIn(n int, status models.LicenseStatus, parent *uuid.UUID) *models.License {
	end := testNow.AddDate(0, 0, n)
	return suite.seedChild(parent, status, end.AddDate(0, 0, -365), end)
}

func (suite *RenewalServiceTestSuite) seedChild(parent *uuid.UUID, status models.LicenseStatus, start, end time.Time) *models.License {
	l := &models.License{
		IPAssetID:       suite.asset.ID,
		BrandID:         suite.brand.ID,
		CreatedBy:       suite.brand.ID,
		ParentLicenseID: parent,
		LicenseType:     models.LicenseTypeNonExclusive,
		Status:          status,
		StartDate:       start,
		EndDate:         end,
		FeeCents:        500_000,
	}
	l.EnsureID()
	l.SetScope(testScope())
	suite.Require().NoError(suite.store.CreateLicense(suite.ctx, l))
	return l
}

func (suite *RenewalServiceTestSuite) children(parentID uuid.UUID) []models.License {
	children, _, err := suite.store.ListLicenses(suite.ctx, repository.LicenseFilter{ParentLicenseID: &parentID})
	suite.Require().NoError(err)
	return children
}

func (suite *RenewalServiceTestSuite) TestTooEarlyToRenew() {
	license := suite.expiringIn(300, models.LicenseStatusActive, nil)

	result, err := suite.renewals.CheckEligibility(suite.ctx, license.ID, RenewalOptions{})
	suite.Require().NoError(err)
	suite.False(result.Eligible)
	suite.Equal(300, result.DaysUntilEnd)
	suite.Require().Len(result.Reasons, 1)
	suite.Contains(result.Reasons[0], "too early")
	suite.Nil(result.SuggestedTerms)
}

func (suite *RenewalServiceTestSuite) TestWindowClosesAfterGrace() {
	license := suite.expiringIn(-45, models.LicenseStatusExpired, nil)

	result, err := suite.renewals.CheckEligibility(suite.ctx, license.ID, RenewalOptions{})
	suite.Require().NoError(err)
	suite.False(result.Eligible)
	suite.Contains(result.Reasons[0], "window closed")
}

func (suite *RenewalServiceTestSuite) TestLoyalLicenseeGetsDiscount() {
	first := suite.seedChild(nil, models.LicenseStatusRenewed, testNow.AddDate(-4, 0, 0), testNow.AddDate(-3, 0, 0))
	second := suite.seedChild(&first.ID, models.LicenseStatusRenewed, testNow.AddDate(-3, 0, 1), testNow.AddDate(-2, 0, 0))
	third := suite.seedChild(&second.ID, models.LicenseStatusRenewed, testNow.AddDate(-2, 0, 1), testNow.AddDate(-1, 0, 0))
	license := suite.expiringIn(60, models.LicenseStatusActive, &third.ID)

	result, err := suite.renewals.CheckEligibility(suite.ctx, license.ID, RenewalOptions{})
	suite.Require().NoError(err)
	suite.True(result.Eligible)
	suite.Equal(3, result.PriorRenewals)
	suite.Require().NotNil(result.SuggestedTerms)
	suite.Equal(int64(463_500), result.SuggestedTerms.FeeCents)

	kinds := make([]string, 0, len(result.SuggestedTerms.Adjustments))
	for _, a := range result.SuggestedTerms.Adjustments {
		kinds = append(kinds, a.Kind)
	}
	suite.Equal([]string{AdjustmentStrategy, AdjustmentLoyalty}, kinds)
}

func (suite *RenewalServiceTestSuite) TestDisputedOwnershipBlocksRenewal() {
	license := suite.expiringIn(30, models.LicenseStatusActive, nil)
	suite.Require().NoError(suite.store.CreateOwnership(suite.ctx, &models.AssetOwnership{
		IPAssetID:     suite.asset.ID,
		OwnerID:       uuid.New(),
		OwnershipType: models.OwnershipTypeContributor,
		Disputed:      true,
		EffectiveFrom: testNow.AddDate(0, -1, 0),
	}))

	result, err := suite.renewals.CheckEligibility(suite.ctx, license.ID, RenewalOptions{})
	suite.Require().NoError(err)
	suite.False(result.Eligible)
	suite.Contains(result.Reasons[0], "disputed")
}

func (suite *RenewalServiceTestSuite) TestAcceptingTwiceCreatesOneRenewal() {
	license := suite.expiringIn(45, models.LicenseStatusActive, nil)

	offer, err := suite.renewals.GenerateOffer(suite.ctx, license.ID, actorOf(suite.brand), RenewalOptions{})
	suite.Require().NoError(err)
	suite.Equal(models.OfferStatusPending, offer.Status)
	suite.True(offer.ExpiresAt.Equal(testNow.AddDate(0, 0, suite.licensing.OfferValidityDays)))

	child, err := suite.renewals.AcceptOffer(suite.ctx, license.ID, offer.ID, actorOf(suite.brand))
	suite.Require().NoError(err)
	suite.Equal(models.LicenseStatusPendingApproval, child.Status)
	suite.Require().NotNil(child.ParentLicenseID)
	suite.Equal(license.ID, *child.ParentLicenseID)
	suite.True(child.StartDate.Equal(license.EndDate.AddDate(0, 0, 1)))
	suite.Equal(offer.Terms.FeeCents, child.FeeCents)

	_, err = suite.renewals.AcceptOffer(suite.ctx, license.ID, offer.ID, actorOf(suite.brand))
	suite.requireErrorType(err, apperrors.ErrTypeStateTransition)
	suite.Len(suite.children(license.ID), 1)

	parent := suite.reload(license.ID)
	suite.Equal(models.LicenseStatusActive, parent.Status)
	suite.Equal(models.OfferStatusAccepted, parent.RenewalOffers[0].Status)
	suite.Equal(child.ID, *parent.RenewalOffers[0].AcceptedLicenseID)

	result, err := suite.renewals.CheckEligibility(suite.ctx, license.ID, RenewalOptions{})
	suite.Require().NoError(err)
	suite.False(result.Eligible)
}

func (suite *RenewalServiceTestSuite) TestAcceptingMovesExpiringParentToRenewed() {
	license := suite.expiringIn(20, models.LicenseStatusExpiringSoon, nil)

	offer, err := suite.renewals.GenerateOffer(suite.ctx, license.ID, actorOf(suite.brand), RenewalOptions{Strategy: models.RenewalStrategyFlat})
	suite.Require().NoError(err)
	_, err = suite.renewals.AcceptOffer(suite.ctx, license.ID, offer.ID, actorOf(suite.brand))
	suite.Require().NoError(err)

	suite.Equal(models.LicenseStatusRenewed, suite.reload(license.ID).Status)
	history, err := suite.store.ListStatusHistory(suite.ctx, license.ID)
	suite.Require().NoError(err)
	suite.Require().Len(history, 1)
	suite.Equal(models.LicenseStatusExpiringSoon, history[0].FromStatus)
	suite.Equal(models.LicenseStatusRenewed, history[0].ToStatus)
}

func (suite *RenewalServiceTestSuite) TestNewOfferExpiresOlderOne() {
	license := suite.expiringIn(45, models.LicenseStatusActive, nil)

	first, err := suite.renewals.GenerateOffer(suite.ctx, license.ID, actorOf(suite.brand), RenewalOptions{})
	suite.Require().NoError(err)
	suite.clock.Advance(time.Minute)
	second, err := suite.renewals.GenerateOffer(suite.ctx, license.ID, actorOf(suite.owner), RenewalOptions{Strategy: models.RenewalStrategyFlat})
	suite.Require().NoError(err)
	suite.NotEqual(first.ID, second.ID)

	parent := suite.reload(license.ID)
	suite.Require().Len(parent.RenewalOffers, 2)
	suite.Equal(models.OfferStatusExpired, parent.RenewalOffers[0].Status)
	suite.Equal(models.OfferStatusPending, parent.RenewalOffers[1].Status)

	_, err = suite.renewals.AcceptOffer(suite.ctx, license.ID, first.ID, actorOf(suite.brand))
	suite.requireErrorType(err, apperrors.ErrTypeStateTransition)
}

func (suite *RenewalServiceTestSuite) TestLapsedOfferCannotBeAccepted() {
	license := suite.expiringIn(45, models.LicenseStatusActive, nil)
	offer, err := suite.renewals.GenerateOffer(suite.ctx, license.ID, actorOf(suite.brand), RenewalOptions{})
	suite.Require().NoError(err)

	suite.clock.Advance(days(suite.licensing.OfferValidityDays + 1))
	_, err = suite.renewals.AcceptOffer(suite.ctx, license.ID, offer.ID, actorOf(suite.brand))
	suite.requireErrorType(err, apperrors.ErrTypeStateTransition)

	parent := suite.reload(license.ID)
	suite.Equal(models.OfferStatusExpired, parent.RenewalOffers[0].Status)
	suite.Empty(suite.children(license.ID))
}

func (suite *RenewalServiceTestSuite) TestRejectOffer() {
	license := suite.expiringIn(45, models.LicenseStatusActive, nil)
	offer, err := suite.renewals.GenerateOffer(suite.ctx, license.ID, actorOf(suite.brand), RenewalOptions{})
	suite.Require().NoError(err)

	err = suite.renewals.RejectOffer(suite.ctx, license.ID, offer.ID, actorOf(suite.owner), "")
	suite.requireErrorType(err, apperrors.ErrTypePermission)

	suite.Require().NoError(suite.renewals.RejectOffer(suite.ctx, license.ID, offer.ID, actorOf(suite.brand), "budget moved"))
	suite.Equal(models.OfferStatusRejected, suite.reload(license.ID).RenewalOffers[0].Status)

	_, err = suite.renewals.AcceptOffer(suite.ctx, license.ID, "missing", actorOf(suite.brand))
	suite.requireErrorType(err, apperrors.ErrTypeNotFound)
}

func (suite *RenewalServiceTestSuite) TestIneligibleLicenseGetsNoOffer() {
	license := suite.expiringIn(300, models.LicenseStatusActive, nil)

	_, err := suite.renewals.GenerateOffer(suite.ctx, license.ID, actorOf(suite.brand), RenewalOptions{})
	suite.requireErrorType(err, apperrors.ErrTypeValidation)
	suite.Empty(suite.reload(license.ID).RenewalOffers)
}

func TestRenewalServiceTestSuite(t *testing.T) {
	suite.Run(t, new(RenewalServiceTestSuite))
}
