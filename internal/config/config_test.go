package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/operator-relay/internal/model"
	"github.com/capitalize-ai/operator-relay/internal/policy"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "relay.db", cfg.BoltPath)
	assert.Equal(t, 4, cfg.DeliveryMaxAttempts)
	assert.Equal(t, "arithmetic", cfg.VerificationType)
	assert.Equal(t, time.Minute, cfg.VerificationTimeout)
	assert.False(t, cfg.Development())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("OPERATOR_IDS", "100, 200,,300")
	t.Setenv("VERIFICATION_TYPE", "button")
	t.Setenv("VERIFICATION_TIMEOUT", "90")
	t.Setenv("TEMP_BAN_DURATION", "2h")
	t.Setenv("MAX_VERIFICATION_FAILS", "5")
	t.Setenv("SENSITIVE_WORDS", "spam,scam")
	t.Setenv("SENSITIVE_WORD_MODE", "block")
	t.Setenv("QUIET_HOURS_ENABLED", "true")
	t.Setenv("QUIET_HOURS_START", "22")
	t.Setenv("QUIET_HOURS_END", "6")
	t.Setenv("QUIET_HOURS_TIMEZONE", "UTC")
	t.Setenv("ENV", "development")

	cfg := Load()
	assert.Equal(t, []string{"100", "200", "300"}, cfg.OperatorIDs)
	assert.Equal(t, 90*time.Second, cfg.VerificationTimeout)
	assert.Equal(t, 2*time.Hour, cfg.TempBanDuration)
	assert.True(t, cfg.Development())

	p, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, model.ChallengeButton, p.Verification.Kind)
	assert.Equal(t, 90*time.Second, p.Verification.Timeout)
	assert.Equal(t, 5, p.Verification.MaxFails)
	assert.Equal(t, policy.ModeBlock, p.Moderation.Mode)
	assert.Equal(t, []string{"spam", "scam"}, p.Moderation.Words)
	assert.True(t, p.QuietHours.Enabled)
	assert.Equal(t, 22, p.QuietHours.Start)
	assert.Equal(t, time.UTC, p.QuietHours.Location)
}

func TestPolicyRejectsBadValues(t *testing.T) {
	t.Setenv("VERIFICATION_TYPE", "captcha")
	_, err := Load().Policy()
	assert.Error(t, err)

	t.Setenv("VERIFICATION_TYPE", "math")
	t.Setenv("MAX_VERIFICATION_FAILS", "0")
	_, err = Load().Policy()
	assert.Error(t, err)
}

func TestPolicyFileOverlaysEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
verification:
  max_fails: 2
auto_reply:
  enabled: true
  message: "Back at 9."
`), 0o600))

	t.Setenv("POLICY_FILE", path)
	t.Setenv("MAX_VERIFICATION_FAILS", "7")
	t.Setenv("TEMP_BAN_DURATION", "600")

	p, err := Load().Policy()
	require.NoError(t, err)
	assert.Equal(t, 2, p.Verification.MaxFails)
	assert.Equal(t, 10*time.Minute, p.Verification.BanDuration)
	assert.True(t, p.AutoReply.Enabled)
	assert.Equal(t, "Back at 9.", p.AutoReply.Message)

	require.NoError(t, os.WriteFile(path, []byte("verification: ["), 0o600))
	_, err = Load().Policy()
	assert.Error(t, err)
}

func TestGetListEnv(t *testing.T) {
	assert.Equal(t, []string{"a"}, getListEnv("RELAY_TEST_UNSET", []string{"a"}))
	t.Setenv("RELAY_TEST_LIST", " , ")
	assert.Nil(t, getListEnv("RELAY_TEST_LIST", []string{"a"}))
}

func TestGetSecondsEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_SECS", "nope")
	assert.Equal(t, time.Second, getSecondsEnv("RELAY_TEST_SECS", time.Second))
	t.Setenv("RELAY_TEST_SECS", "1m30s")
	assert.Equal(t, 90*time.Second, getSecondsEnv("RELAY_TEST_SECS", time.Second))
}

func TestSweepIntervalMustBePositive(t *testing.T) {
	for _, value := range []string{"0s", "-5s", "0"} {
		t.Setenv("SWEEP_INTERVAL", value)
		assert.Equal(t, 30*time.Second, Load().SweepInterval, value)
	}
	t.Setenv("SWEEP_INTERVAL", "5s")
	assert.Equal(t, 5*time.Second, Load().SweepInterval)
}
