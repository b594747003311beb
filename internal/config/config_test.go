package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromKoanf_Defaults(t *testing.T) {
	cfg := FromKoanf(koanf.New("."))

	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, 3.0, cfg.Detection.ZScoreThreshold)
	assert.Equal(t, int64(10), cfg.Detection.MinSamples)
	assert.Equal(t, int64(100), cfg.Detection.VelocityMax)
	assert.Equal(t, 60*time.Second, cfg.Detection.VelocityWindow)
	assert.Equal(t, 3*time.Hour, cfg.Detection.TravelWindow)
	assert.Equal(t, 10000, cfg.Detection.HistorySize)
	assert.Equal(t, int64(10), cfg.WAF.BanThreshold)
	assert.Equal(t, time.Hour, cfg.WAF.StrikeWindow)
	assert.Equal(t, 24*time.Hour, cfg.WAF.BanDuration)
	assert.Equal(t, 1, cfg.Ledger.Shards)
	assert.Empty(t, cfg.Validate())
}

func TestFromKoanf_FileThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "security.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: staging
detection:
  zscore_threshold: 2.5
  velocity_max: 40
waf:
  ban_threshold: 3
  ban_duration: 2h
kafka:
  brokers: ["k1:9092", "k2:9092"]
`), 0o600))

	k := koanf.New(".")
	require.NoError(t, k.Load(file.Provider(path), yaml.Parser()))

	t.Setenv("DETECTION_VELOCITY_MAX", "75")

	cfg := FromKoanf(k)
	assert.Equal(t, EnvStaging, cfg.Environment)
	assert.Equal(t, 2.5, cfg.Detection.ZScoreThreshold)
	assert.Equal(t, int64(75), cfg.Detection.VelocityMax, "env overrides file")
	assert.Equal(t, int64(3), cfg.WAF.BanThreshold)
	assert.Equal(t, 2*time.Hour, cfg.WAF.BanDuration)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestValidate_ProductionRequiresBackends(t *testing.T) {
	t.Setenv("ENVIRONMENT", EnvProduction)
	cfg := FromKoanf(koanf.New("."))

	errs := cfg.Validate()
	assert.Contains(t, errs, ErrMissingMasterKey)
	assert.Contains(t, errs, ErrMissingRedisURL)
	assert.Contains(t, errs, ErrMissingVaultAddr)
	assert.Contains(t, errs, ErrMissingAdminToken)
}

func TestValidate_RejectsBadPolicyAndThresholds(t *testing.T) {
	t.Setenv("WAF_FAIL_POLICY", "sometimes")
	t.Setenv("WAF_BAN_THRESHOLD", "0")
	cfg := FromKoanf(koanf.New("."))

	errs := cfg.Validate()
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], ErrInvalidFailPolicy)
	assert.ErrorIs(t, errs[1], ErrInvalidBanSettings)
}

func TestValidate_TrustedProxies(t *testing.T) {
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.1,fd00::/8")
	cfg := FromKoanf(koanf.New("."))
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.1", "fd00::/8"}, cfg.Server.TrustedProxies)
	assert.Empty(t, cfg.Validate())

	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8,proxy.internal")
	errs := FromKoanf(koanf.New(".")).Validate()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrInvalidProxy)
}

func TestDurationAcceptsBareSeconds(t *testing.T) {
	t.Setenv("DETECTION_VELOCITY_WINDOW", "30")
	cfg := FromKoanf(koanf.New("."))
	assert.Equal(t, 30*time.Second, cfg.Detection.VelocityWindow)
}
