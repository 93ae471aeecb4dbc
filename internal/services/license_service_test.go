package services

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/javajoker/imi-licensing/internal/apperrors"
	"github.com/javajoker/imi-licensing/internal/models"
)

type LicenseServiceTestSuite struct {
	serviceSuite
	brand *models.User
	owner *models.User
	admin *models.User
	asset *models.IPAsset
}

func (suite *LicenseServiceTestSuite) SetupTest() {
	suite.serviceSuite.SetupTest()
	suite.brand = suite.newBrand(true)
	suite.owner = suite.newCreator()
	suite.admin = suite.newAdmin()
	suite.asset = suite.newAsset(suite.owner)
}

func (suite *LicenseServiceTestSuite) createDraft(fee int64) *models.License {
	in := suite.licenseInput(suite.asset.ID, suite.brand.ID, models.LicenseTypeNonExclusive,
		testNow.AddDate(0, 0, 7), testNow.AddDate(1, 0, 7), fee)
	license, err := suite.licenses.CreateLicense(suite.ctx, in, actorOf(suite.brand))
	suite.Require().NoError(err)
	suite.Equal(models.LicenseStatusDraft, license.Status)
	return license
}

func (suite *LicenseServiceTestSuite) TestApproveAndSignActivatesWithProof() {
	license := suite.createDraft(300_000)

	submitted, err := suite.licenses.SubmitForApproval(suite.ctx, license.ID, actorOf(suite.brand))
	suite.Require().NoError(err)
	suite.Equal(models.LicenseStatusPendingApproval, submitted.Status)
	suite.Require().Len(submitted.RequiredApprovals, 1)
	suite.Equal(models.ActorRoleCreator, submitted.RequiredApprovals[0].Role)

	approved, err := suite.licenses.ApproveLicense(suite.ctx, ApprovalInput{
		LicenseID: license.ID,
		Actor:     actorOf(suite.owner),
		Approve:   true,
	})
	suite.Require().NoError(err)
	suite.Equal(models.LicenseStatusPendingSignature, approved.Status)

	signed, err := suite.licenses.RecordSignature(suite.ctx, SignatureInput{LicenseID: license.ID, Actor: actorOf(suite.brand)})
	suite.Require().NoError(err)
	suite.False(signed.Executed)
	suite.Equal([]string{string(models.ActorRoleCreator)}, signed.Missing)

	signed, err = suite.licenses.RecordSignature(suite.ctx, SignatureInput{LicenseID: license.ID, Actor: actorOf(suite.owner)})
	suite.Require().NoError(err)
	suite.True(signed.Executed)
	suite.Equal(models.LicenseStatusActive, signed.License.Status)
	suite.NotNil(signed.License.SignedAt)

	ok, err := suite.licenses.VerifyProof(suite.ctx, license.ID)
	suite.Require().NoError(err)
	suite.True(ok)

	history, err := suite.licenses.GetStatusHistory(suite.ctx, license.ID)
	suite.Require().NoError(err)
	suite.Require().Len(history, 3)
	want := [][2]models.LicenseStatus{
		{models.LicenseStatusDraft, models.LicenseStatusPendingApproval},
		{models.LicenseStatusPendingApproval, models.LicenseStatusPendingSignature},
		{models.LicenseStatusPendingSignature, models.LicenseStatusActive},
	}
	for i, entry := range history {
		suite.Equal(want[i][0], entry.FromStatus)
		suite.Equal(want[i][1], entry.ToStatus)
	}
}

func (suite *LicenseServiceTestSuite) TestTamperedTermsFailProofVerification() {
	license := suite.createDraft(300_000)
	_, err := suite.licenses.SubmitForApproval(suite.ctx, license.ID, actorOf(suite.brand))
	suite.Require().NoError(err)
	_, err = suite.licenses.ApproveLicense(suite.ctx, ApprovalInput{LicenseID: license.ID, Actor: actorOf(suite.owner), Approve: true})
	suite.Require().NoError(err)
	_, err = suite.licenses.RecordSignature(suite.ctx, SignatureInput{LicenseID: license.ID, Actor: actorOf(suite.brand)})
	suite.Require().NoError(err)
	_, err = suite.licenses.RecordSignature(suite.ctx, SignatureInput{LicenseID: license.ID, Actor: actorOf(suite.owner)})
	suite.Require().NoError(err)

	stored := suite.reload(license.ID)
	stored.FeeCents = 1
	suite.Require().NoError(suite.store.UpdateLicense(suite.ctx, stored))

	ok, err := suite.licenses.VerifyProof(suite.ctx, license.ID)
	suite.Require().NoError(err)
	suite.False(ok)
}

func (suite *LicenseServiceTestSuite) TestLargeFeeNeedsAdminApproval() {
	license := suite.createDraft(1_500_000)
	submitted, err := suite.licenses.SubmitForApproval(suite.ctx, license.ID, actorOf(suite.brand))
	suite.Require().NoError(err)
	suite.Len(submitted.RequiredApprovals, 2)

	_, err = suite.licenses.ApproveLicense(suite.ctx, ApprovalInput{LicenseID: license.ID, Actor: actorOf(suite.owner), Approve: true})
	suite.Require().NoError(err)
	suite.Equal(models.LicenseStatusPendingApproval, suite.reload(license.ID).Status)

	approved, err := suite.licenses.ApproveLicense(suite.ctx, ApprovalInput{LicenseID: license.ID, Actor: actorOf(suite.admin), Approve: true})
	suite.Require().NoError(err)
	suite.Equal(models.LicenseStatusPendingSignature, approved.Status)
}

func (suite *LicenseServiceTestSuite) TestBrandCannotApprove() {
	license := suite.createDraft(300_000)
	_, err := suite.licenses.SubmitForApproval(suite.ctx, license.ID, actorOf(suite.brand))
	suite.Require().NoError(err)

	_, err = suite.licenses.ApproveLicense(suite.ctx, ApprovalInput{LicenseID: license.ID, Actor: actorOf(suite.brand), Approve: true})
	suite.requireErrorType(err, apperrors.ErrTypePermission)
}

func (suite *LicenseServiceTestSuite) TestRejectionRejectsLicense() {
	license := suite.createDraft(300_000)
	_, err := suite.licenses.SubmitForApproval(suite.ctx, license.ID, actorOf(suite.brand))
	suite.Require().NoError(err)

	rejected, err := suite.licenses.ApproveLicense(suite.ctx, ApprovalInput{
		LicenseID: license.ID,
		Actor:     actorOf(suite.owner),
		Comment:   "not for this campaign",
	})
	suite.Require().NoError(err)
	suite.Equal(models.LicenseStatusRejected, rejected.Status)

	_, err = suite.licenses.ApproveLicense(suite.ctx, ApprovalInput{LicenseID: license.ID, Actor: actorOf(suite.owner), Approve: true})
	suite.requireErrorType(err, apperrors.ErrTypeStateTransition)
}

func (suite *LicenseServiceTestSuite) TestCreateRejectsExclusiveOverlap() {
	other := suite.newBrand(true)
	suite.seedLicense(suite.asset.ID, other.ID, models.LicenseTypeExclusive, models.LicenseStatusActive,
		testNow, testNow.AddDate(1, 0, 0), 400_000)

	in := suite.licenseInput(suite.asset.ID, suite.brand.ID, models.LicenseTypeNonExclusive,
		testNow.AddDate(0, 1, 0), testNow.AddDate(0, 2, 0), 100_000)
	_, err := suite.licenses.CreateLicense(suite.ctx, in, actorOf(suite.brand))
	suite.requireErrorType(err, apperrors.ErrTypeConflict)

	licenses, total, err := suite.licenses.ListLicenses(suite.ctx, LicenseListParams{BrandID: &suite.brand.ID})
	suite.Require().NoError(err)
	suite.Empty(licenses)
	suite.Zero(total)
}

func (suite *LicenseServiceTestSuite) TestCreatorMustOwnAsset() {
	stranger := suite.newCreator()
	in := suite.licenseInput(suite.asset.ID, suite.brand.ID, models.LicenseTypeNonExclusive,
		testNow.AddDate(0, 1, 0), testNow.AddDate(0, 2, 0), 100_000)
	_, err := suite.licenses.CreateLicense(suite.ctx, in, actorOf(stranger))
	suite.requireErrorType(err, apperrors.ErrTypePermission)
}

func (suite *LicenseServiceTestSuite) TestUnverifiedBrandBudgetCap() {
	unverified := suite.newBrand(false)
	elsewhere := suite.newAsset(suite.newCreator())
	suite.seedLicense(elsewhere.ID, unverified.ID, models.LicenseTypeNonExclusive, models.LicenseStatusActive,
		testNow, testNow.AddDate(1, 0, 0), 800_000)

	in := suite.licenseInput(suite.asset.ID, unverified.ID, models.LicenseTypeNonExclusive,
		testNow.AddDate(0, 1, 0), testNow.AddDate(0, 4, 0), 300_000)
	result, err := suite.licenses.ValidateLicense(suite.ctx, in, ValidationOptions{})
	suite.Require().NoError(err)
	suite.False(result.Valid)
	budget := result.Check(CheckBudget)
	suite.Require().NotNil(budget)
	suite.False(budget.Passed)
	suite.Require().Len(budget.Errors, 1)
	suite.Contains(budget.Errors[0], "exceed")

	lower := int64(150_000)
	in.FeeCents = &lower
	result, err = suite.licenses.ValidateLicense(suite.ctx, in, ValidationOptions{})
	suite.Require().NoError(err)
	suite.True(result.Check(CheckBudget).Passed)
}

func (suite *LicenseServiceTestSuite) TestTwentyThousandDollarGrantByBrandVerification() {
	unverified := suite.newBrand(false)
	in := suite.licenseInput(suite.asset.ID, unverified.ID, models.LicenseTypeNonExclusive,
		testNow.AddDate(0, 1, 0), testNow.AddDate(0, 4, 0), 2_000_000)
	result, err := suite.licenses.ValidateLicense(suite.ctx, in, ValidationOptions{})
	suite.Require().NoError(err)
	suite.False(result.Valid)
	budget := result.Check(CheckBudget)
	suite.Require().NotNil(budget)
	suite.False(budget.Passed)
	suite.Require().Len(budget.Errors, 1)
	suite.Contains(budget.Errors[0], "exceed")

	in.BrandID = suite.brand.ID
	result, err = suite.licenses.ValidateLicense(suite.ctx, in, ValidationOptions{})
	suite.Require().NoError(err)
	suite.True(result.Valid)
	budget = result.Check(CheckBudget)
	suite.True(budget.Passed)
	suite.Empty(budget.Errors)
	suite.Empty(budget.Warnings)
}

func (suite *LicenseServiceTestSuite) TestCreateWithoutFeeUsesCalculatedQuote() {
	start := testNow.AddDate(0, 0, 7)
	in := suite.licenseInput(suite.asset.ID, suite.brand.ID, models.LicenseTypeNonExclusive,
		start, start.AddDate(0, 0, 365), 0)
	in.FeeCents = nil

	license, err := suite.licenses.CreateLicense(suite.ctx, in, actorOf(suite.brand))
	suite.Require().NoError(err)
	suite.Equal(int64(300_000), license.FeeCents)
	suite.Equal(int64(300_000), suite.reload(license.ID).FeeCents)

	quote := suite.calc.Calculate(FeeInputs{
		AssetType:   string(suite.asset.AssetType),
		LicenseType: in.LicenseType,
		StartDate:   in.StartDate,
		EndDate:     in.EndDate,
		Scope:       in.Scope,
	}, 0)
	suite.Equal(quote.FeeCents, license.FeeCents)
}

func (suite *LicenseServiceTestSuite) TestCreateWithoutFeeAppliesBrandVolumeDiscount() {
	elsewhere := suite.newAsset(suite.newCreator())
	suite.seedLicense(elsewhere.ID, suite.brand.ID, models.LicenseTypeNonExclusive, models.LicenseStatusExpired,
		testNow.AddDate(-1, 0, 0), testNow.AddDate(0, -1, 0), 1_000_000)

	start := testNow.AddDate(0, 0, 7)
	in := suite.licenseInput(suite.asset.ID, suite.brand.ID, models.LicenseTypeNonExclusive,
		start, start.AddDate(0, 0, 365), 0)
	in.FeeCents = nil

	license, err := suite.licenses.CreateLicense(suite.ctx, in, actorOf(suite.brand))
	suite.Require().NoError(err)
	suite.Equal(int64(291_000), license.FeeCents)
}

func (suite *LicenseServiceTestSuite) TestExplicitZeroFeeIsKept() {
	in := suite.licenseInput(suite.asset.ID, suite.brand.ID, models.LicenseTypeNonExclusive,
		testNow.AddDate(0, 1, 0), testNow.AddDate(0, 4, 0), 0)
	in.RevShareBps = 1500

	license, err := suite.licenses.CreateLicense(suite.ctx, in, actorOf(suite.brand))
	suite.Require().NoError(err)
	suite.Zero(license.FeeCents)
}

func (suite *LicenseServiceTestSuite) TestVerifiedBrandHighValueWarning() {
	in := suite.licenseInput(suite.asset.ID, suite.brand.ID, models.LicenseTypeNonExclusive,
		testNow.AddDate(0, 1, 0), testNow.AddDate(0, 4, 0), 12_000_000)
	result, err := suite.licenses.ValidateLicense(suite.ctx, in, ValidationOptions{})
	suite.Require().NoError(err)
	suite.True(result.Valid)

	budget := result.Check(CheckBudget)
	suite.Require().NotNil(budget)
	suite.True(budget.Passed)
	suite.NotEmpty(budget.Warnings)
}

func (suite *LicenseServiceTestSuite) TestFailFastSkipsRemainingChecks() {
	in := suite.licenseInput(suite.asset.ID, suite.brand.ID, models.LicenseTypeNonExclusive,
		testNow.AddDate(0, 4, 0), testNow.AddDate(0, 1, 0), 100_000)
	result, err := suite.licenses.ValidateLicense(suite.ctx, in, ValidationOptions{Mode: ModeFailFast})
	suite.Require().NoError(err)
	suite.False(result.Valid)
	suite.False(result.Check(CheckDateOverlap).Passed)
	suite.True(result.Check(CheckApprovals).Skipped)
}

func (suite *LicenseServiceTestSuite) TestCheckConflictsReportsExclusiveOverlap() {
	other := suite.newBrand(true)
	existing := suite.seedLicense(suite.asset.ID, other.ID, models.LicenseTypeExclusive, models.LicenseStatusActive,
		testNow, testNow.AddDate(1, 0, 0), 400_000)

	result, err := suite.conflicts.CheckConflicts(suite.ctx, ConflictInput{
		IPAssetID:   suite.asset.ID,
		BrandID:     suite.brand.ID,
		StartDate:   testNow.AddDate(0, 6, 0),
		EndDate:     testNow.AddDate(1, 6, 0),
		LicenseType: models.LicenseTypeNonExclusive,
		Scope:       testScope(),
	})
	suite.Require().NoError(err)
	suite.True(result.HasConflicts)
	suite.True(result.HasReason(models.ConflictExclusiveOverlap))
	suite.Equal(existing.ID, result.Conflicts[0].ConflictingLicenseID)
	suite.True(result.Conflicts[0].OverlapStart.Equal(testNow.AddDate(0, 6, 0)))
	suite.True(result.Conflicts[0].OverlapEnd.Equal(testNow.AddDate(1, 0, 0)))

	result, err = suite.conflicts.CheckConflicts(suite.ctx, ConflictInput{
		IPAssetID:   suite.asset.ID,
		BrandID:     suite.brand.ID,
		StartDate:   testNow.AddDate(1, 0, 1),
		EndDate:     testNow.AddDate(2, 0, 0),
		LicenseType: models.LicenseTypeNonExclusive,
		Scope:       testScope(),
	})
	suite.Require().NoError(err)
	suite.False(result.HasConflicts)
}

func TestLicenseServiceTestSuite(t *testing.T) {
	suite.Run(t, new(LicenseServiceTestSuite))
}
