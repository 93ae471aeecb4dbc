//go:build integration

package repository

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/javajoker/imi-licensing/internal/database"
	"github.com/javajoker/imi-licensing/internal/models"
)

var (
	testDB      *gorm.DB
	pgContainer *postgres.PostgresContainer
)

// TestMain starts PostgreSQL (or uses TEST_DB_HOST) before running tests
func TestMain(m *testing.M) {
	ctx := context.Background()

	var dsn string
	var err error

	if host := os.Getenv("TEST_DB_HOST"); host != "" {
		dsn = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			host, envOr("TEST_DB_PORT", "5432"), envOr("TEST_DB_USER", "postgres"),
			envOr("TEST_DB_PASSWORD", "postgres"), envOr("TEST_DB_NAME", "test_db"))
	} else {
		pgContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test_db"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			fmt.Printf("Failed to start PostgreSQL container: %v\n", err)
			os.Exit(1)
		}

		dsn, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			fmt.Printf("Failed to get connection string: %v\n", err)
			terminate(ctx)
			os.Exit(1)
		}
	}

	testDB, err = gorm.Open(pgdriver.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		fmt.Printf("Failed to connect to database: %v\n", err)
		terminate(ctx)
		os.Exit(1)
	}

	if err := database.RunMigrations(testDB); err != nil {
		fmt.Printf("Failed to migrate database: %v\n", err)
		terminate(ctx)
		os.Exit(1)
	}

	code := m.Run()
	terminate(ctx)
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func terminate(ctx context.Context) {
	if pgContainer != nil {
		if err := pgContainer.Terminate(ctx); err != nil {
			fmt.Printf("Failed to terminate PostgreSQL container: %v\n", err)
		}
	}
}

type GormStoreTestSuite struct {
	suite.Suite
	store *GormStore
	ctx   context.Context
	asset *models.IPAsset
}

func (suite *GormStoreTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.store = NewGormStore(testDB)

	suite.asset = &models.IPAsset{
		CreatorID: uuid.New(),
		Title:     "Mascot",
		AssetType: models.AssetTypeCharacter,
		Status:    models.AssetStatusPublished,
	}
	suite.Require().NoError(suite.store.CreateAsset(suite.ctx, suite.asset))
}

func (suite *GormStoreTestSuite) createLicense(status models.LicenseStatus, start, end time.Time) *models.License {
	l := &models.License{
		IPAssetID:   suite.asset.ID,
		BrandID:     uuid.New(),
		LicenseType: models.LicenseTypeNonExclusive,
		Status:      status,
		StartDate:   start,
		EndDate:     end,
		FeeCents:    250_000,
	}
	l.SetScope(models.Scope{Media: models.MediaFlags{Digital: true}, Placements: models.PlacementFlags{Social: true}})
	suite.Require().NoError(suite.store.CreateLicense(suite.ctx, l))
	return l
}

func (suite *GormStoreTestSuite) TestLicenseRoundTripKeepsSubRecords() {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := suite.createLicense(models.LicenseStatusActive, start, start.AddDate(1, 0, 0))
	l.Signatures = append(l.Signatures, models.SignatureRecord{SignerID: l.BrandID, Role: models.ActorRoleBrand, SignedAt: start})
	suite.Require().NoError(suite.store.UpdateLicense(suite.ctx, l))

	got, err := suite.store.GetLicense(suite.ctx, l.ID)
	suite.Require().NoError(err)
	suite.True(got.GetScope().Media.Digital)
	suite.Require().Len(got.Signatures, 1)
	suite.Equal(l.BrandID, got.Signatures[0].SignerID)
}

func (suite *GormStoreTestSuite) TestOverlapQueryUsesClosedRange() {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)
	touching := suite.createLicense(models.LicenseStatusActive, end, end.AddDate(0, 3, 0))

	found, err := suite.store.FindOverlappingLicenses(suite.ctx, OverlapQuery{
		IPAssetID: suite.asset.ID,
		Start:     start,
		End:       end,
		Statuses:  []models.LicenseStatus{models.LicenseStatusActive},
	})
	suite.Require().NoError(err)
	ids := make([]uuid.UUID, 0, len(found))
	for _, f := range found {
		ids = append(ids, f.ID)
	}
	suite.Contains(ids, touching.ID)
}

func (suite *GormStoreTestSuite) TestTransactionRollback() {
	start := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	l := suite.createLicense(models.LicenseStatusDraft, start, start.AddDate(0, 3, 0))

	err := suite.store.Transaction(suite.ctx, func(tx Store) error {
		locked, err := tx.GetLicenseForUpdate(suite.ctx, l.ID)
		if err != nil {
			return err
		}
		locked.Status = models.LicenseStatusCanceled
		if err := tx.UpdateLicense(suite.ctx, locked); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	suite.Require().Error(err)

	got, err := suite.store.GetLicense(suite.ctx, l.ID)
	suite.Require().NoError(err)
	suite.Equal(models.LicenseStatusDraft, got.Status)
}

func (suite *GormStoreTestSuite) TestAssetLockSerializesWriters() {
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := suite.store.Transaction(suite.ctx, func(tx Store) error {
				if err := tx.LockAsset(suite.ctx, suite.asset.ID); err != nil {
					return err
				}
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				time.Sleep(50 * time.Millisecond)
				return nil
			})
			require.NoError(suite.T(), err)
		}(i)
	}
	wg.Wait()
	suite.Len(order, 2)
}

func (suite *GormStoreTestSuite) TestIdempotencyInsertOnce() {
	rec := &models.IdempotencyRecord{Scope: "test", Key: uuid.NewString(), Status: models.IdempotencyStatusProcessing, LockedAt: time.Now().UTC()}
	inserted, err := suite.store.InsertIdempotencyRecord(suite.ctx, rec)
	suite.Require().NoError(err)
	suite.True(inserted)

	again := *rec
	inserted, err = suite.store.InsertIdempotencyRecord(suite.ctx, &again)
	suite.Require().NoError(err)
	suite.False(inserted)
}

func (suite *GormStoreTestSuite) TestIdempotencyReclaimIsConditional() {
	lockedAt := time.Now().UTC().Truncate(time.Microsecond)
	rec := &models.IdempotencyRecord{Scope: "test", Key: uuid.NewString(), Status: models.IdempotencyStatusProcessing, LockedAt: lockedAt}
	inserted, err := suite.store.InsertIdempotencyRecord(suite.ctx, rec)
	suite.Require().NoError(err)
	suite.Require().True(inserted)

	stored, err := suite.store.GetIdempotencyRecord(suite.ctx, rec.Scope, rec.Key)
	suite.Require().NoError(err)

	var mu sync.Mutex
	winners := 0
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			won, err := suite.store.ReclaimIdempotencyRecord(suite.ctx, rec.Scope, rec.Key, stored.LockedAt,
				lockedAt.Add(time.Duration(n+1)*time.Minute), fmt.Sprintf("hash-%d", n))
			require.NoError(suite.T(), err)
			if won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	suite.Equal(1, winners)
}

func (suite *GormStoreTestSuite) TestAmendmentWithApprovals() {
	start := time.Date(2028, 1, 1, 0, 0, 0, 0, time.UTC)
	l := suite.createLicense(models.LicenseStatusActive, start, start.AddDate(1, 0, 0))

	n, err := suite.store.NextAmendmentNumber(suite.ctx, l.ID)
	suite.Require().NoError(err)
	suite.Equal(1, n)

	a := &models.Amendment{
		LicenseID:        l.ID,
		AmendmentNumber:  n,
		ProposedBy:       l.BrandID,
		ProposerRole:     models.ActorRoleBrand,
		Type:             models.AmendmentTypeFinancial,
		Status:           models.AmendmentStatusProposed,
		ApprovalDeadline: start.AddDate(0, 0, 14),
		Approvals: []models.ApprovalRecord{
			{ApproverID: uuid.New(), ApproverRole: models.ActorRoleCreator, Status: models.ApprovalStatusPending},
		},
	}
	suite.Require().NoError(suite.store.CreateAmendment(suite.ctx, a))

	got, err := suite.store.GetAmendment(suite.ctx, a.ID)
	suite.Require().NoError(err)
	suite.Len(got.Approvals, 1)

	n, err = suite.store.NextAmendmentNumber(suite.ctx, l.ID)
	suite.Require().NoError(err)
	suite.Equal(2, n)
}

func TestGormStoreTestSuite(t *testing.T) {
	suite.Run(t, new(GormStoreTestSuite))
}
