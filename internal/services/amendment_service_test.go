package services

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/javajoker/imi-licensing/internal/apperrors"
	"github.com/javajoker/imi-licensing/internal/models"
)

type AmendmentServiceTestSuite struct {
	serviceSuite
	brand   *models.User
	first   *models.User
	second  *models.User
	asset   *models.IPAsset
	license *models.License
}

func (suite *AmendmentServiceTestSuite) SetupTest() {
	suite.serviceSuite.SetupTest()
	suite.brand = suite.newBrand(true)
	suite.first = suite.newCreator()
	suite.second = suite.newCreator()
	suite.asset = suite.newAsset(suite.first, suite.second)
	suite.license = suite.seedLicense(suite.asset.ID, suite.brand.ID, models.LicenseTypeNonExclusive,
		models.LicenseStatusActive, testNow, testNow.AddDate(1, 0, 0), 200_000)
}

func (suite *AmendmentServiceTestSuite) proposeFee(fee int64) *models.Amendment {
	result, err := suite.amendments.ProposeAmendment(suite.ctx, ProposeAmendmentInput{
		LicenseID: suite.license.ID,
		Actor:     actorOf(suite.brand),
		Type:      models.AmendmentTypeFinancial,
		Changes:   models.AmendmentTerms{FeeCents: &fee},
		Reason:    "extra placements",
	})
	suite.Require().NoError(err)
	suite.Equal(2, result.RemainingApprovals)
	suite.Equal(1, result.Amendment.AmendmentNumber)
	return result.Amendment
}

func (suite *AmendmentServiceTestSuite) decide(amendment *models.Amendment, approver *models.User, approve bool, comment string) (*AmendmentResult, error) {
	return suite.amendments.ProcessApproval(suite.ctx, AmendmentDecisionInput{
		AmendmentID: amendment.ID,
		Actor:       actorOf(approver),
		Approve:     approve,
		Comment:     comment,
	})
}

func (suite *AmendmentServiceTestSuite) TestUnanimousApprovalAppliesTerms() {
	amendment := suite.proposeFee(260_000)

	result, err := suite.decide(amendment, suite.first, true, "")
	suite.Require().NoError(err)
	suite.Equal(1, result.RemainingApprovals)
	suite.Equal(models.AmendmentStatusProposed, result.Amendment.Status)
	suite.Equal(int64(200_000), suite.reload(suite.license.ID).FeeCents)

	result, err = suite.decide(amendment, suite.second, true, "")
	suite.Require().NoError(err)
	suite.Zero(result.RemainingApprovals)
	suite.Equal(models.AmendmentStatusApproved, result.Amendment.Status)

	got := suite.reload(suite.license.ID)
	suite.Equal(int64(260_000), got.FeeCents)
	suite.Equal(1, got.AmendmentCount)

	stored, err := suite.amendments.GetAmendment(suite.ctx, amendment.ID)
	suite.Require().NoError(err)
	suite.Equal(int64(200_000), *stored.Before.Data().FeeCents)
}

func (suite *AmendmentServiceTestSuite) TestConcurrentApprovalsBothCount() {
	amendment := suite.proposeFee(260_000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, approver := range []*models.User{suite.first, suite.second} {
		wg.Add(1)
		go func(i int, approver *models.User) {
			defer wg.Done()
			_, errs[i] = suite.decide(amendment, approver, true, "")
		}(i, approver)
	}
	wg.Wait()
	suite.NoError(errs[0])
	suite.NoError(errs[1])

	stored, err := suite.amendments.GetAmendment(suite.ctx, amendment.ID)
	suite.Require().NoError(err)
	suite.Equal(models.AmendmentStatusApproved, stored.Status)
	suite.Equal(int64(260_000), suite.reload(suite.license.ID).FeeCents)

	_, err = suite.decide(amendment, suite.first, false, "changed my mind")
	suite.requireErrorType(err, apperrors.ErrTypeStateTransition)
}

func (suite *AmendmentServiceTestSuite) TestOneRejectionRejectsAmendment() {
	amendment := suite.proposeFee(260_000)

	_, err := suite.decide(amendment, suite.first, true, "")
	suite.Require().NoError(err)

	_, err = suite.decide(amendment, suite.second, false, "")
	suite.requireErrorType(err, apperrors.ErrTypeValidation)

	result, err := suite.decide(amendment, suite.second, false, "fee too low")
	suite.Require().NoError(err)
	suite.Equal(models.AmendmentStatusRejected, result.Amendment.Status)
	suite.Equal("fee too low", result.Amendment.ResolutionNote)
	suite.Equal(int64(200_000), suite.reload(suite.license.ID).FeeCents)

	_, err = suite.decide(amendment, suite.first, true, "")
	suite.requireErrorType(err, apperrors.ErrTypeStateTransition)
}

func (suite *AmendmentServiceTestSuite) TestDecisionAfterDeadlineRejects() {
	amendment := suite.proposeFee(260_000)
	suite.clock.Advance(days(suite.licensing.AmendmentDeadlineDays + 1))

	_, err := suite.decide(amendment, suite.first, true, "")
	suite.requireErrorType(err, apperrors.ErrTypeStateTransition)

	stored, err := suite.amendments.GetAmendment(suite.ctx, amendment.ID)
	suite.Require().NoError(err)
	suite.Equal(models.AmendmentStatusRejected, stored.Status)
	suite.Equal(amendmentExpiredNote, stored.ResolutionNote)
}

func (suite *AmendmentServiceTestSuite) TestOnlyApproversDecide() {
	amendment := suite.proposeFee(260_000)

	_, err := suite.decide(amendment, suite.brand, true, "")
	suite.requireErrorType(err, apperrors.ErrTypePermission)

	_, err = suite.decide(amendment, suite.first, true, "")
	suite.Require().NoError(err)
	_, err = suite.decide(amendment, suite.first, true, "")
	suite.requireErrorType(err, apperrors.ErrTypeStateTransition)
}

func (suite *AmendmentServiceTestSuite) TestCreatorProposalNeedsBrand() {
	revShare := 1500
	result, err := suite.amendments.ProposeAmendment(suite.ctx, ProposeAmendmentInput{
		LicenseID: suite.license.ID,
		Actor:     actorOf(suite.second),
		Type:      models.AmendmentTypeFinancial,
		Changes:   models.AmendmentTerms{RevShareBps: &revShare},
		Reason:    "add a revenue share",
	})
	suite.Require().NoError(err)
	suite.Require().Len(result.Amendment.Approvals, 1)
	suite.Equal(suite.brand.ID, result.Amendment.Approvals[0].ApproverID)
	suite.Equal(models.ActorRoleBrand, result.Amendment.Approvals[0].ApproverRole)
}

func (suite *AmendmentServiceTestSuite) TestDatesAmendmentCannotCreateConflict() {
	other := suite.newBrand(true)
	suite.seedLicense(suite.asset.ID, other.ID, models.LicenseTypeExclusive, models.LicenseStatusActive,
		testNow.AddDate(1, 1, 0), testNow.AddDate(2, 0, 0), 400_000)

	end := testNow.AddDate(1, 3, 0)
	_, err := suite.amendments.ProposeAmendment(suite.ctx, ProposeAmendmentInput{
		LicenseID: suite.license.ID,
		Actor:     actorOf(suite.brand),
		Type:      models.AmendmentTypeDates,
		Changes:   models.AmendmentTerms{EndDate: &end},
		Reason:    "longer campaign",
	})
	suite.requireErrorType(err, apperrors.ErrTypeConflict)

	amendments, err := suite.amendments.ListAmendments(suite.ctx, suite.license.ID)
	suite.Require().NoError(err)
	suite.Empty(amendments)
}

func (suite *AmendmentServiceTestSuite) TestEmptyChangesAreInvalid() {
	_, err := suite.amendments.ProposeAmendment(suite.ctx, ProposeAmendmentInput{
		LicenseID: suite.license.ID,
		Actor:     actorOf(suite.brand),
		Type:      models.AmendmentTypeOther,
		Reason:    "nothing",
	})
	suite.requireErrorType(err, apperrors.ErrTypeValidation)
}

func (suite *AmendmentServiceTestSuite) TestStrangerCannotPropose() {
	stranger := suite.newBrand(true)
	fee := int64(1)
	_, err := suite.amendments.ProposeAmendment(suite.ctx, ProposeAmendmentInput{
		LicenseID: suite.license.ID,
		Actor:     actorOf(stranger),
		Type:      models.AmendmentTypeFinancial,
		Changes:   models.AmendmentTerms{FeeCents: &fee},
		Reason:    "cheaper",
	})
	suite.requireErrorType(err, apperrors.ErrTypePermission)
}

func TestAmendmentServiceTestSuite(t *testing.T) {
	suite.Run(t, new(AmendmentServiceTestSuite))
}
