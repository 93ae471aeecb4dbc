package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(1_000_000), cfg.Licensing.UnverifiedBrandCapCents)
	assert.Equal(t, 8000, cfg.Licensing.RevShareWarningBps)
	assert.Equal(t, 5*time.Minute, cfg.Licensing.IdempotencyStaleAfter)
	assert.Equal(t, DefaultLicensing(), cfg.Licensing)
	assert.Equal(t, "", cfg.NATS.URL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("LICENSING_EXPIRING_SOON_DAYS", "45")
	t.Setenv("SWEEP_INTERVAL", "1m")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("RATE_LIMIT_RPS", "2.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45, cfg.Licensing.ExpiringSoonDays)
	assert.Equal(t, time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 2.5, cfg.Server.RateLimitRPS)
	assert.Equal(t, 20, cfg.Server.RateLimitBurst)
}

func TestValidateProductionSecrets(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("JWT_SECRET", "prod-jwt")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proof signing secret")
}

func TestLoadPricingDefaults(t *testing.T) {
	p, err := LoadPricing("")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), p.MinimumFeeCents)
	assert.Equal(t, 2.5, p.ExclusivityMultiplier("EXCLUSIVE"))
	assert.Equal(t, int64(50_000), p.BaseRate("unknown"))
}

func TestLoadPricingFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	content := `
minimum_fee_cents: 25000
base_rates_cents:
  video: 300000
exclusivity_multipliers:
  exclusive: 3.0
volume_tiers:
  - min_spend_cents: 2000000
    discount_percent: 4
renewal:
  max_increase_percent: 15
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	p, err := LoadPricing(path)
	require.NoError(t, err)

	assert.Equal(t, int64(25_000), p.MinimumFeeCents)
	assert.Equal(t, int64(300_000), p.BaseRate("video"))
	assert.Equal(t, int64(50_000), p.BaseRate("image"))
	assert.Equal(t, 3.0, p.ExclusivityMultiplier("EXCLUSIVE"))
	require.Len(t, p.VolumeTiers, 1)
	assert.Equal(t, 4.0, p.VolumeTiers[0].DiscountPercent)
	assert.Equal(t, 15.0, p.Renewal.MaxIncreasePercent)
	assert.Equal(t, 20.0, p.Renewal.MaxDecreasePercent)
}

func TestLoadPricingMissingFile(t *testing.T) {
	_, err := LoadPricing(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

type DSNTestSuite struct {
	suite.Suite
}

func (suite *DSNTestSuite) TestDiscreteFields() {
	cases := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "explicit fields",
			cfg:  DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", Database: "lic", SSLMode: "disable", ApplicationName: "licensectl"},
			want: "host=db port=5432 user=u password=p dbname=lic sslmode=disable application_name=licensectl",
		},
		{
			name: "defaults for ssl and application name",
			cfg:  DatabaseConfig{Host: "db", Port: "5432", User: "u", Database: "lic"},
			want: "host=db port=5432 user=u dbname=lic sslmode=require application_name=imi-licensing",
		},
		{
			name: "quoted password and timeout",
			cfg:  DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: `it's a \secret`, Database: "lic", SSLMode: "verify-full", ConnectTimeout: 5},
			want: `host=db port=5432 user=u password='it's a \\secret' dbname=lic sslmode=verify-full application_name=imi-licensing connect_timeout=5`,
		},
	}
	for _, tc := range cases {
		suite.Run(tc.name, func() {
			dsn, err := tc.cfg.DSN()
			suite.Require().NoError(err)
			suite.Equal(tc.want, dsn)
		})
	}
}

func (suite *DSNTestSuite) TestURLWinsOverFields() {
	d := DatabaseConfig{URL: "postgres://u:p@db:5432/lic?sslmode=disable", Host: "ignored"}
	dsn, err := d.DSN()
	suite.Require().NoError(err)
	suite.Contains(dsn, "host=db")
	suite.Contains(dsn, "dbname=lic")
	suite.Contains(dsn, "sslmode=disable")
	suite.Contains(dsn, "application_name=imi-licensing")
	suite.NotContains(dsn, "ignored")

	d.URL = "postgres://u:p@db:5432/lic?application_name=worker"
	dsn, err = d.DSN()
	suite.Require().NoError(err)
	suite.Contains(dsn, "application_name=worker")
	suite.NotContains(dsn, "imi-licensing")
}

func (suite *DSNTestSuite) TestInvalidURL() {
	d := DatabaseConfig{URL: "mysql://db/lic"}
	_, err := d.DSN()
	suite.Require().Error(err)
	suite.Contains(err.Error(), "invalid database url")
}

func TestDSNTestSuite(t *testing.T) {
	suite.Run(t, new(DSNTestSuite))
}
