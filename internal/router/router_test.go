package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"golang.org/x/time/rate"

	"github.com/javajoker/imi-licensing/internal/clock"
	"github.com/javajoker/imi-licensing/internal/config"
	"github.com/javajoker/imi-licensing/internal/i18n"
	"github.com/javajoker/imi-licensing/internal/metrics"
	"github.com/javajoker/imi-licensing/internal/middleware"
	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/repository"
	"github.com/javajoker/imi-licensing/internal/services"
	"github.com/javajoker/imi-licensing/internal/utils"
)

var testNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type RouterTestSuite struct {
	suite.Suite
	ctx    context.Context
	store  *repository.MemoryStore
	svc    *services.Container
	router *gin.Engine

	brand   *models.User
	creator *models.User
	admin   *models.User
	asset   *models.IPAsset
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			CORSOrigins:    []string{"http://localhost:3000"},
			RateLimitRPS:   1000,
			RateLimitBurst: 1000,
		},
		JWT:       config.JWTConfig{SecretKey: "test-secret", AccessTokenTTL: 1},
		I18n:      config.I18nConfig{DefaultLocale: "en"},
		Licensing: config.DefaultLicensing(),
		Sweep:     config.SweepConfig{WorkerPoolSize: 2, BatchSize: 100},
		Proof:     config.ProofConfig{SigningSecret: "test-secret", KeyID: "test"},
	}
}

func (suite *RouterTestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	i18n.Initialize()

	suite.ctx = context.Background()
	clk := clock.NewFixed(testNow)
	suite.store = repository.NewMemoryStore(clk)

	cfg := testConfig()
	svc, err := services.NewContainer(suite.store, cfg, config.DefaultPricing(), clk, metrics.New())
	suite.Require().NoError(err)
	suite.svc = svc
	suite.router = Initialize(cfg, svc, nil)

	suite.brand = suite.newUser(models.UserTypeBrand)
	suite.creator = suite.newUser(models.UserTypeCreator)
	suite.admin = suite.newUser(models.UserTypeAdmin)

	suite.asset = &models.IPAsset{
		CreatorID: suite.creator.ID,
		Title:     "Harbour at dusk",
		AssetType: models.AssetTypeImage,
		Status:    models.AssetStatusApproved,
	}
	suite.asset.EnsureID()
	suite.Require().NoError(suite.store.CreateAsset(suite.ctx, suite.asset))

	ownership := &models.AssetOwnership{
		IPAssetID:     suite.asset.ID,
		OwnerID:       suite.creator.ID,
		ShareBps:      10000,
		OwnershipType: models.OwnershipTypePrimary,
		EffectiveFrom: testNow.AddDate(-1, 0, 0),
	}
	ownership.EnsureID()
	suite.Require().NoError(suite.store.CreateOwnership(suite.ctx, ownership))
}

func (suite *RouterTestSuite) TearDownTest() {
	suite.svc.Close()
}

func (suite *RouterTestSuite) newUser(userType models.UserType) *models.User {
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

func (suite *RouterTestSuite) token(u *models.User) string {
	actor := models.Actor{ID: u.ID, Role: models.ActorRole(u.UserType)}
	// Tokens are checked against wall-clock time.
	token, err := utils.GenerateJWT(actor, string(u.VerificationLevel), time.Now(), time.Hour)
	suite.Require().NoError(err)
	return token
}

func (suite *RouterTestSuite) do(method, path string, body interface{}, u *models.User, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		suite.Require().NoError(err)
		reader = bytes.NewBuffer(jsonData)
	} else {
		reader = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, path, reader)
	suite.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	if u != nil {
		req.Header.Set("Authorization", "Bearer "+suite.token(u))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	suite.router.ServeHTTP(w, req)
	return w
}

func (suite *RouterTestSuite) decode(w *httptest.ResponseRecorder) map[string]interface{} {
	var response map[string]interface{}
	suite.Require().NoError(json.Unmarshal(w.Body.Bytes(), &response))
	return response
}

func (suite *RouterTestSuite) licenseBody(brandID uuid.UUID, licenseType models.LicenseType) map[string]interface{} {
	return map[string]interface{}{
		"ip_asset_id":  suite.asset.ID,
		"brand_id":     brandID,
		"license_type": licenseType,
		"start_date":   testNow.AddDate(0, 0, 7),
		"end_date":     testNow.AddDate(1, 0, 7),
		"fee_cents":    300000,
		"scope": map[string]interface{}{
			"media":       map[string]bool{"digital": true},
			"placements":  map[string]bool{"social": true},
			"territories": []string{"US"},
		},
	}
}

func (suite *RouterTestSuite) errorCode(w *httptest.ResponseRecorder) string {
	response := suite.decode(w)
	suite.Require().False(response["success"].(bool))
	return response["error"].(map[string]interface{})["code"].(string)
}

func (suite *RouterTestSuite) TestHealth() {
	w := suite.do(http.MethodGet, "/health", nil, nil, nil)
	suite.Require().Equal(http.StatusOK, w.Code)
	suite.Require().Equal("healthy", suite.decode(w)["status"])
}

func (suite *RouterTestSuite) TestMetricsExposeHTTPCounters() {
	suite.do(http.MethodGet, "/health", nil, nil, nil)

	w := suite.do(http.MethodGet, "/metrics", nil, nil, nil)
	suite.Require().Equal(http.StatusOK, w.Code)
	suite.Require().Contains(w.Body.String(), "licensing_http_requests_total")
}

func (suite *RouterTestSuite) TestMissingTokenIsUnauthorized() {
	w := suite.do(http.MethodGet, "/v1/licenses", nil, nil, nil)
	suite.Require().Equal(http.StatusUnauthorized, w.Code)
	suite.Require().Equal("UNAUTHORIZED", suite.errorCode(w))
}

func (suite *RouterTestSuite) TestCreateLicenseAsBrand() {
	w := suite.do(http.MethodPost, "/v1/licenses", suite.licenseBody(suite.brand.ID, models.LicenseTypeNonExclusive), suite.brand, nil)
	suite.Require().Equal(http.StatusCreated, w.Code, w.Body.String())

	data := suite.decode(w)["data"].(map[string]interface{})
	license := data["license"].(map[string]interface{})
	suite.Require().Equal(string(models.LicenseStatusDraft), license["status"])
	suite.Require().Equal(suite.brand.ID.String(), license["brand_id"])
}

func (suite *RouterTestSuite) TestExclusiveOverlapIsConflict() {
	other := suite.newUser(models.UserTypeBrand)
	existing := &models.License{
		IPAssetID:   suite.asset.ID,
		BrandID:     other.ID,
		CreatedBy:   other.ID,
		LicenseType: models.LicenseTypeExclusive,
		Status:      models.LicenseStatusActive,
		StartDate:   testNow,
		EndDate:     testNow.AddDate(2, 0, 0),
		FeeCents:    500000,
	}
	existing.EnsureID()
	existing.SetScope(models.Scope{
		Media:       models.MediaFlags{Digital: true},
		Placements:  models.PlacementFlags{Social: true},
		Territories: []string{"US"},
	})
	suite.Require().NoError(suite.store.CreateLicense(suite.ctx, existing))

	w := suite.do(http.MethodPost, "/v1/licenses", suite.licenseBody(suite.brand.ID, models.LicenseTypeExclusive), suite.brand, nil)
	suite.Require().Equal(http.StatusConflict, w.Code, w.Body.String())

	response := suite.decode(w)
	apiErr := response["error"].(map[string]interface{})
	suite.Require().Equal("LICENSE_CONFLICT", apiErr["code"])
	details := apiErr["details"].(map[string]interface{})
	suite.Require().NotEmpty(details["conflicts"])
}

func (suite *RouterTestSuite) TestIdempotentReplay() {
	headers := map[string]string{middleware.IdempotencyKeyHeader: "create-1"}
	body := suite.licenseBody(suite.brand.ID, models.LicenseTypeNonExclusive)

	first := suite.do(http.MethodPost, "/v1/licenses", body, suite.brand, headers)
	suite.Require().Equal(http.StatusCreated, first.Code, first.Body.String())
	suite.Require().Empty(first.Header().Get(middleware.IdempotentReplayHeader))

	second := suite.do(http.MethodPost, "/v1/licenses", body, suite.brand, headers)
	suite.Require().Equal(http.StatusCreated, second.Code)
	suite.Require().Equal("true", second.Header().Get(middleware.IdempotentReplayHeader))
	suite.Require().JSONEq(first.Body.String(), second.Body.String())

	_, total, err := suite.store.ListLicenses(suite.ctx, repository.LicenseFilter{IPAssetID: &suite.asset.ID})
	suite.Require().NoError(err)
	suite.Require().EqualValues(1, total)
}

func (suite *RouterTestSuite) TestBrandCannotCreateForAnotherBrand() {
	other := suite.newUser(models.UserTypeBrand)

	w := suite.do(http.MethodPost, "/v1/licenses", suite.licenseBody(other.ID, models.LicenseTypeNonExclusive), suite.brand, nil)
	suite.Require().Equal(http.StatusForbidden, w.Code)
	suite.Require().Equal("FORBIDDEN", suite.errorCode(w))
}

func (suite *RouterTestSuite) TestMissingFieldIsUnprocessable() {
	body := suite.licenseBody(suite.brand.ID, models.LicenseTypeNonExclusive)
	delete(body, "license_type")

	w := suite.do(http.MethodPost, "/v1/licenses", body, suite.brand, nil)
	suite.Require().Equal(http.StatusUnprocessableEntity, w.Code, w.Body.String())
}

func (suite *RouterTestSuite) TestAdminDashboardRequiresAdmin() {
	w := suite.do(http.MethodGet, "/v1/admin/dashboard/stats", nil, suite.brand, nil)
	suite.Require().Equal(http.StatusForbidden, w.Code)

	w = suite.do(http.MethodGet, "/v1/admin/dashboard/stats", nil, suite.admin, nil)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())
}

func (suite *RouterTestSuite) TestVerifyUnknownLicense() {
	w := suite.do(http.MethodGet, "/v1/verify/licenses/"+uuid.NewString(), nil, nil, nil)
	suite.Require().Equal(http.StatusNotFound, w.Code)
}

func (suite *RouterTestSuite) TestVerifyDraftHasNoProof() {
	created := suite.do(http.MethodPost, "/v1/licenses", suite.licenseBody(suite.brand.ID, models.LicenseTypeNonExclusive), suite.brand, nil)
	suite.Require().Equal(http.StatusCreated, created.Code)
	license := suite.decode(created)["data"].(map[string]interface{})["license"].(map[string]interface{})

	w := suite.do(http.MethodGet, "/v1/verify/licenses/"+license["id"].(string), nil, nil, nil)
	suite.Require().Equal(http.StatusOK, w.Code)
	data := suite.decode(w)["data"].(map[string]interface{})
	suite.Require().Equal(false, data["valid"])
	suite.Require().Equal(false, data["in_force"])
}

func (suite *RouterTestSuite) TestRateLimiterRejectsBurst() {
	limiter := middleware.NewRateLimiter(rate.Limit(0.001), 1)
	suite.router = Initialize(testConfig(), suite.svc, limiter)

	w := suite.do(http.MethodGet, "/v1/verify/public-key", nil, nil, nil)
	suite.Require().Equal(http.StatusOK, w.Code)

	w = suite.do(http.MethodGet, "/v1/verify/public-key", nil, nil, nil)
	suite.Require().Equal(http.StatusTooManyRequests, w.Code)
}

func TestRouterTestSuite(t *testing.T) {
	suite.Run(t, new(RouterTestSuite))
}
