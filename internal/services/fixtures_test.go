package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/javajoker/imi-licensing/internal/apperrors"
	"github.com/javajoker/imi-licensing/internal/clock"
	"github.com/javajoker/imi-licensing/internal/config"
	"github.com/javajoker/imi-licensing/internal/metrics"
	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/repository"
)

var testNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// serviceSuite wires every service on a memory store and a fixed clock.
type serviceSuite struct {
	suite.Suite
	ctx       context.Context
	clock     *clock.FixedClock
	store     *repository.MemoryStore
	metrics   *metrics.Metrics
	licensing config.LicensingConfig
	pricing   config.PricingConfig

	calc       *FeeCalculator
	conflicts  *ConflictService
	pipeline   *ValidationPipeline
	machine    *StateMachine
	proofs     *ProofService
	licenses   *LicenseService
	amendments *AmendmentService
	extensions *ExtensionService
	renewals   *RenewalService
	sweeps     *SweepService
}

func (suite *serviceSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.clock = clock.NewFixed(testNow)
	suite.store = repository.NewMemoryStore(suite.clock)
	suite.metrics = metrics.New()
	suite.licensing = config.DefaultLicensing()
	suite.pricing = config.DefaultPricing()

	proofs, err := NewProofService(config.ProofConfig{SigningSecret: "test-secret", KeyID: "test"})
	suite.Require().NoError(err)
	suite.proofs = proofs

	suite.calc = NewFeeCalculator(suite.pricing)
	suite.conflicts = NewConflictService(suite.store, suite.clock, suite.licensing, suite.metrics)
	suite.pipeline = NewValidationPipeline(suite.conflicts, suite.licensing, suite.clock, suite.metrics)
	suite.machine = NewStateMachine(suite.store, suite.pipeline, suite.licensing, suite.clock, suite.metrics)
	suite.licenses = NewLicenseService(suite.store, suite.pipeline, suite.machine, suite.proofs, suite.calc, suite.licensing, suite.clock)
	suite.amendments = NewAmendmentService(suite.store, suite.conflicts, suite.licensing, suite.clock)
	suite.extensions = NewExtensionService(suite.store, suite.machine, suite.licensing, suite.clock)
	suite.renewals = NewRenewalService(suite.store, suite.conflicts, suite.pipeline, suite.machine, suite.calc, suite.licensing, suite.clock)
	suite.sweeps = NewSweepService(suite.store, suite.machine, suite.renewals, suite.amendments, suite.licensing,
		config.SweepConfig{WorkerPoolSize: 4, BatchSize: 100}, suite.clock, suite.metrics)
}

func (suite *serviceSuite) TearDownTest() {
	suite.sweeps.Close()
}

func (suite *serviceSuite) newUser(userType models.UserType, level models.VerificationLevel) *models.User {
	u := &models.User{
		Email:             uuid.NewString() + "@example.com",
		DisplayName:       string(userType),
		UserType:          userType,
		VerificationLevel: level,
		Status:            models.UserStatusActive,
	}
	u.EnsureID()
	suite.Require().NoError(suite.store.CreateUser(suite.ctx, u))
	return u
}

func (suite *serviceSuite) newBrand(verified bool) *models.User {
	if verified {
		return suite.newUser(models.UserTypeBrand, models.VerificationLevelVerified)
	}
	return suite.newUser(models.UserTypeBrand, models.VerificationLevelUnverified)
}

func (suite *serviceSuite) newCreator() *models.User {
	return suite.newUser(models.UserTypeCreator, models.VerificationLevelVerified)
}

func (suite *serviceSuite) newAdmin() *models.User {
	return suite.newUser(models.UserTypeAdmin, models.VerificationLevelVerified)
}

// newAsset creates an approved asset split evenly between owners; the first
// owner is primary and takes any remainder.
func (suite *serviceSuite) newAsset(owners ...*models.User) *models.IPAsset {
	suite.Require().NotEmpty(owners)
	asset := &models.IPAsset{
		CreatorID: owners[0].ID,
		Title:     "Sunset over the harbour",
		AssetType: models.AssetTypeImage,
		Status:    models.AssetStatusApproved,
	}
	asset.EnsureID()
	suite.Require().NoError(suite.store.CreateAsset(suite.ctx, asset))

	share := 10000 / len(owners)
	for i, owner := range owners {
		o := &models.AssetOwnership{
			IPAssetID:     asset.ID,
			OwnerID:       owner.ID,
			ShareBps:      share,
			OwnershipType: models.OwnershipTypeCoOwner,
			EffectiveFrom: testNow.AddDate(-1, 0, 0),
		}
		if i == 0 {
			o.ShareBps += 10000 - share*len(owners)
			o.OwnershipType = models.OwnershipTypePrimary
		}
		o.EnsureID()
		suite.Require().NoError(suite.store.CreateOwnership(suite.ctx, o))
	}
	return asset
}

func testScope() models.Scope {
	return models.Scope{
		Media:       models.MediaFlags{Digital: true},
		Placements:  models.PlacementFlags{Social: true},
		Territories: []string{"US"},
	}
}

// seedLicense stores a license directly, bypassing validation.
func (suite *serviceSuite) seedLicense(assetID, brandID uuid.UUID, licenseType models.LicenseType, status models.LicenseStatus, start, end time.Time, feeCents int64) *models.License {
	l := &models.License{
		IPAssetID:   assetID,
		BrandID:     brandID,
		CreatedBy:   brandID,
		LicenseType: licenseType,
		Status:      status,
		StartDate:   start,
		EndDate:     end,
		FeeCents:    feeCents,
	}
	l.EnsureID()
	l.SetScope(testScope())
	suite.Require().NoError(suite.store.CreateLicense(suite.ctx, l))
	return l
}

func (suite *serviceSuite) licenseInput(assetID, brandID uuid.UUID, licenseType models.LicenseType, start, end time.Time, feeCents int64) LicenseInput {
	return LicenseInput{
		IPAssetID:   assetID,
		BrandID:     brandID,
		LicenseType: licenseType,
		StartDate:   start,
		EndDate:     end,
		FeeCents:    &feeCents,
		Scope:       testScope(),
	}
}

func (suite *serviceSuite) reload(id uuid.UUID) *models.License {
	l, err := suite.store.GetLicense(suite.ctx, id)
	suite.Require().NoError(err)
	return l
}

func (suite *serviceSuite) requireErrorType(err error, t apperrors.ErrorType) {
	suite.Require().Error(err)
	suite.Require().Truef(apperrors.IsType(err, t), "expected %s error, got %v", t, err)
}

func actorOf(u *models.User) models.Actor {
	return models.Actor{ID: u.ID, Role: models.ActorRole(u.UserType)}
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
