package escrowd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowlane/ledger/txbuild"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func operatorSecret(t *testing.T) string {
	t.Helper()
	kp, err := txbuild.NewKeypair()
	require.NoError(t, err)
	return kp.Secret
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	secret := operatorSecret(t)
	cfg, err := LoadConfig(writeConfig(t, `
ledger:
  mode: MEMORY
operator:
  secret: "`+secret+`"
`))
	require.NoError(t, err)
	require.Equal(t, ":7090", cfg.ListenAddress)
	require.Equal(t, LedgerModeMemory, cfg.Ledger.Mode)
	require.Equal(t, 30*time.Second, cfg.PollInterval.Duration)
	require.Equal(t, 15*time.Second, cfg.Ledger.Timeout.Duration)
	require.Equal(t, "sqlite://escrowd.db", cfg.Database.DSN)
	require.Equal(t, secret, cfg.Operator.Secret)
	require.False(t, cfg.Admin.Enabled())
	require.Equal(t, 2*time.Minute, cfg.Admin.ClockSkew.Duration)
}

func TestLoadConfigResolvesSecretSources(t *testing.T) {
	secret := operatorSecret(t)
	t.Setenv("TEST_ESCROWD_SECRET", secret)
	cfg, err := LoadConfig(writeConfig(t, `
ledger:
  mode: memory
operator:
  secret_env: TEST_ESCROWD_SECRET
`))
	require.NoError(t, err)
	require.Equal(t, secret, cfg.Operator.Secret)

	secretFile := filepath.Join(t.TempDir(), "operator.secret")
	require.NoError(t, os.WriteFile(secretFile, []byte(secret+"\n"), 0o600))
	cfg, err = LoadConfig(writeConfig(t, `
ledger:
  mode: memory
operator:
  secret_file: `+secretFile+`
`))
	require.NoError(t, err)
	require.Equal(t, secret, cfg.Operator.Secret)

	_, err = LoadConfig(writeConfig(t, `
ledger:
  mode: memory
operator:
  secret_env: TEST_ESCROWD_UNSET
`))
	require.ErrorContains(t, err, "TEST_ESCROWD_UNSET")
}

func TestLoadConfigRejects(t *testing.T) {
	secret := operatorSecret(t)
	cases := map[string]string{
		"missing secret":   "ledger:\n  mode: memory\n",
		"invalid secret":   "ledger:\n  mode: memory\noperator:\n  secret: nope\n",
		"horizon url":      "ledger:\n  mode: horizon\noperator:\n  secret: " + secret + "\n",
		"unknown mode":     "ledger:\n  mode: carrier-pigeon\noperator:\n  secret: " + secret + "\n",
		"short poll":       "poll_interval: 10ms\nledger:\n  mode: memory\noperator:\n  secret: " + secret + "\n",
		"bad duration":     "poll_interval: soon\nledger:\n  mode: memory\noperator:\n  secret: " + secret + "\n",
		"unknown field":    "colour: blue\nledger:\n  mode: memory\noperator:\n  secret: " + secret + "\n",
		"bad genesis":      "ledger:\n  mode: memory\n  genesis:\n    - address: GBAD\n      balance: \"1\"\noperator:\n  secret: " + secret + "\n",
		"bad user":         "ledger:\n  mode: memory\noperator:\n  secret: " + secret + "\nusers:\n  - id: 0\n    public_key: G\n",
		"short jwt secret": "ledger:\n  mode: memory\noperator:\n  secret: " + secret + "\nadmin:\n  jwt_secret: short\n",
		"unset jwt env":    "ledger:\n  mode: memory\noperator:\n  secret: " + secret + "\nadmin:\n  jwt_secret_env: TEST_ESCROWD_NO_JWT\n",
		"negative rate":    "ledger:\n  mode: horizon\n  horizon_url: http://localhost\n  requests_per_second: -1\noperator:\n  secret: " + secret + "\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestSampleConfigParses(t *testing.T) {
	t.Setenv("ESCROWD_OPERATOR_SECRET", operatorSecret(t))
	t.Setenv("ESCROWD_ADMIN_JWT_SECRET", strings.Repeat("k", 32))
	cfg, err := LoadConfig("config.yaml")
	require.NoError(t, err)
	require.True(t, cfg.Admin.Enabled())
	require.Equal(t, "escrowd-admin", cfg.Admin.Audience)
	require.Equal(t, LedgerModeMemory, cfg.Ledger.Mode)
	require.Equal(t, "services/escrowd/policy.toml", cfg.PolicyPath)
}
