package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestLoad_BaseThenProfile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "application.yml", `
app:
  profile: dev
  log-level: info
  role: host
transport:
  kind: grpc
  port: "7400"
sync:
  snapshot-timeout: 3s
  snapshot-attempts: 4
checkpoint:
  enabled: true
  dir: /var/lib/treesync
`)
	writeFile(t, dir, "application-dev.yml", `
app:
  log-level: debug
transport:
  port: "7401"
`)

	cfg, err := Load(dir, "")
	require.NoError(t, err)

	p := NewProvider(cfg)
	assert.Equal(t, "debug", p.GetApplication().LogLevel)
	assert.Equal(t, "host", p.GetApplication().Role)
	assert.Equal(t, "127.0.0.1:7401", p.GetTransport().Addr())
	assert.Equal(t, 3*time.Second, p.GetSync().SnapshotTimeout)
	assert.Equal(t, 4, p.GetSync().SnapshotAttempts)
	assert.Equal(t, time.Second, p.GetSync().SnapshotBackoff, "default kept")
	assert.True(t, p.GetCheckpoint().Enabled)
	assert.Equal(t, "/var/lib/treesync", p.GetCheckpoint().Dir)
}

func TestLoad_MissingProfileFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "application.yml", "app:\n  profile: prod\n")

	_, err := Load(dir, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "application-prod.yml not found")
}

func TestLoad_ExpandsEnvAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "application.yml", `
app:
  process-id: ${TREESYNC_TEST_ID}
transport:
  address: ${TREESYNC_TEST_ADDR}
`)
	writeFile(t, dir, ".env", "TREESYNC_TEST_ID=from-dotenv\nTREESYNC_TEST_ADDR=10.0.0.1\n")
	t.Setenv("TREESYNC_TEST_ADDR", "10.0.0.2")
	t.Cleanup(func() { os.Unsetenv("TREESYNC_TEST_ID") })

	cfg, err := Load(dir, "")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.App.ProcessID)
	assert.Equal(t, "10.0.0.2", cfg.Transport.Address, "set variables are not overridden")
}

func TestLoad_ProfileArgumentWins(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "application.yml", "app:\n  profile: dev\n  role: host\n")
	writeFile(t, dir, "application-replica.yml", "app:\n  role: replica\n")

	cfg, err := Load(dir, "replica")
	require.NoError(t, err)
	assert.Equal(t, "replica", cfg.App.Profile)
	assert.Equal(t, "replica", cfg.App.Role)
}

func TestExpandEnvStrict_MissingVariable(t *testing.T) {
	_, err := ExpandEnvStrict("port: ${TREESYNC_TEST_UNSET_VAR}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TREESYNC_TEST_UNSET_VAR")
}

func TestTransportURL(t *testing.T) {
	tc := TransportConfigurationProperties{Address: "localhost", Port: "9000"}
	assert.Equal(t, "ws://localhost:9000/relay", tc.URL())
}
