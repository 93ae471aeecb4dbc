//go:build integration

package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/javajoker/imi-licensing/internal/clock"
	"github.com/javajoker/imi-licensing/internal/config"
	"github.com/javajoker/imi-licensing/internal/database"
	"github.com/javajoker/imi-licensing/internal/metrics"
	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/repository"
)

// ConcurrentApprovalTestSuite runs competing decisions against PostgreSQL,
// where transactions interleave instead of queueing.
type ConcurrentApprovalTestSuite struct {
	suite.Suite
	ctx        context.Context
	container  *postgres.PostgresContainer
	db         *gorm.DB
	store      *repository.GormStore
	amendments *AmendmentService
	extensions *ExtensionService

	brand  *models.User
	first  *models.User
	second *models.User
	asset  *models.IPAsset
}

func (suite *ConcurrentApprovalTestSuite) SetupSuite() {
	suite.ctx = context.Background()

	container, err := postgres.Run(suite.ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("licensing_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	suite.Require().NoError(err)
	suite.container = container

	dsn, err := container.ConnectionString(suite.ctx, "sslmode=disable")
	suite.Require().NoError(err)

	suite.db, err = gorm.Open(pgdriver.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	suite.Require().NoError(err)
	suite.Require().NoError(database.RunMigrations(suite.db))
}

func (suite *ConcurrentApprovalTestSuite) TearDownSuite() {
	if suite.container != nil {
		suite.NoError(suite.container.Terminate(suite.ctx))
	}
}

func (suite *ConcurrentApprovalTestSuite) SetupTest() {
	clk := clock.NewFixed(testNow)
	licensing := config.DefaultLicensing()
	m := metrics.New()

	suite.store = repository.NewGormStore(suite.db)
	conflicts := NewConflictService(suite.store, clk, licensing, m)
	pipeline := NewValidationPipeline(conflicts, licensing, clk, m)
	machine := NewStateMachine(suite.store, pipeline, licensing, clk, m)
	suite.amendments = NewAmendmentService(suite.store, conflicts, licensing, clk)
	suite.extensions = NewExtensionService(suite.store, machine, licensing, clk)

	suite.brand = suite.user(models.UserTypeBrand)
	suite.first = suite.user(models.UserTypeCreator)
	suite.second = suite.user(models.UserTypeCreator)

	suite.asset = &models.IPAsset{
		CreatorID: suite.first.ID,
		Title:     "Harbour at dusk",
		AssetType: models.AssetTypeImage,
		Status:    models.AssetStatusApproved,
	}
	suite.asset.EnsureID()
	suite.Require().NoError(suite.store.CreateAsset(suite.ctx, suite.asset))
	for i, owner := range []*models.User{suite.first, suite.second} {
		o := &models.AssetOwnership{
			IPAssetID:     suite.asset.ID,
			OwnerID:       owner.ID,
			ShareBps:      5000,
			OwnershipType: models.OwnershipTypeCoOwner,
			EffectiveFrom: testNow.AddDate(-1, 0, 0),
		}
		if i == 0 {
			o.OwnershipType = models.OwnershipTypePrimary
		}
		o.EnsureID()
		suite.Require().NoError(suite.store.CreateOwnership(suite.ctx, o))
	}
}

func (suite *ConcurrentApprovalTestSuite) user(userType models.UserType) *models.User {
	u := &models.User{
		Email:             uuid.NewString() + "@example.com",
		DisplayName:       string(userType),
		UserType:          userType,
		VerificationLevel: models.VerificationLevelVerified,
		Status:            models.UserStatusActive,
	}
	u.EnsureID()
	suite.Require().NoError(suite.store.CreateUser(suite.ctx, u))
	return u
}

func (suite *ConcurrentApprovalTestSuite) license() *models.License {
	l := &models.License{
		IPAssetID:   suite.asset.ID,
		BrandID:     suite.brand.ID,
		CreatedBy:   suite.brand.ID,
		LicenseType: models.LicenseTypeNonExclusive,
		Status:      models.LicenseStatusActive,
		StartDate:   testNow,
		EndDate:     testNow.AddDate(0, 0, 365),
		FeeCents:    200_000,
	}
	l.EnsureID()
	l.SetScope(testScope())
	suite.Require().NoError(suite.store.CreateLicense(suite.ctx, l))
	return l
}

// race runs every decision at once and returns their errors in order.
func (suite *ConcurrentApprovalTestSuite) race(decisions ...func() error) []error {
	errs := make([]error, len(decisions))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, decide := range decisions {
		wg.Add(1)
		go func(i int, decide func() error) {
			defer wg.Done()
			<-start
			errs[i] = decide()
		}(i, decide)
	}
	close(start)
	wg.Wait()
	return errs
}

func (suite *ConcurrentApprovalTestSuite) TestSimultaneousApprovalsResolveAmendment() {
	license := suite.license()
	fee := int64(260_000)
	proposed, err := suite.amendments.ProposeAmendment(suite.ctx, ProposeAmendmentInput{
		LicenseID: license.ID,
		Actor:     actorOf(suite.brand),
		Type:      models.AmendmentTypeFinancial,
		Changes:   models.AmendmentTerms{FeeCents: &fee},
		Reason:    "extra placements",
	})
	suite.Require().NoError(err)
	suite.Require().Equal(2, proposed.RemainingApprovals)

	approve := func(u *models.User) func() error {
		return func() error {
			_, err := suite.amendments.ProcessApproval(suite.ctx, AmendmentDecisionInput{
				AmendmentID: proposed.Amendment.ID,
				Actor:       actorOf(u),
				Approve:     true,
			})
			return err
		}
	}
	for _, err := range suite.race(approve(suite.first), approve(suite.second)) {
		suite.NoError(err)
	}

	stored, err := suite.store.GetAmendment(suite.ctx, proposed.Amendment.ID)
	suite.Require().NoError(err)
	suite.Equal(models.AmendmentStatusApproved, stored.Status)
	for _, record := range stored.Approvals {
		suite.Equal(models.ApprovalStatusApproved, record.Status)
	}

	got, err := suite.store.GetLicense(suite.ctx, license.ID)
	suite.Require().NoError(err)
	suite.Equal(fee, got.FeeCents)
	suite.Equal(1, got.AmendmentCount)
}

func (suite *ConcurrentApprovalTestSuite) TestSimultaneousExtensionDecisionsApplyOnce() {
	license := suite.license()
	requested, err := suite.extensions.RequestExtension(suite.ctx, ExtensionRequestInput{
		LicenseID:     license.ID,
		Actor:         actorOf(suite.brand),
		ExtensionDays: 45,
	})
	suite.Require().NoError(err)
	suite.Require().Equal(models.ExtensionStatusPending, requested.Extension.Status)

	approve := func(u *models.User) func() error {
		return func() error {
			_, err := suite.extensions.ProcessApproval(suite.ctx, ExtensionDecisionInput{
				ExtensionID: requested.Extension.ID,
				Actor:       actorOf(u),
				Approve:     true,
			})
			return err
		}
	}
	errs := suite.race(approve(suite.first), approve(suite.second))

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			suite.Contains(err.Error(), "already")
		}
	}
	suite.Equal(1, failed)

	got, err := suite.store.GetLicense(suite.ctx, license.ID)
	suite.Require().NoError(err)
	suite.True(got.EndDate.Equal(license.EndDate.AddDate(0, 0, 45)))
	suite.Equal(license.FeeCents+requested.Extension.AdditionalFeeCents, got.FeeCents)
}

func TestConcurrentApprovalTestSuite(t *testing.T) {
	suite.Run(t, new(ConcurrentApprovalTestSuite))
}
