package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadMergesEnvFileAndSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
server:
  port: "8080"
db:
  host: localhost
  port: 5432
  name: escrow
  password: ${DB_PASS}
chain:
  rpc_url: http://localhost:8545
  tx_timeout: 45s
release:
  mode: sync
  max_retries: 3
`)
	writeFile(t, dir, "staging.yaml", `
db:
  host: db.staging
chain:
  chain_id: 11155111
`)
	writeFile(t, dir, "secrets.env", "DB_PASS=s3cret\n")

	cfg, err := Load("staging", dir)
	require.NoError(t, err)

	assert.Equal(t, "db.staging", cfg.DB.Host)
	assert.Equal(t, 5432, cfg.DB.Port)
	assert.Equal(t, "escrow", cfg.DB.Name)
	assert.Equal(t, "s3cret", cfg.DB.Password)
	assert.Equal(t, int64(11155111), cfg.Chain.ChainID)
	assert.Equal(t, 45*time.Second, cfg.Chain.TxTimeout)
	assert.Equal(t, uint64(3), cfg.Release.MaxRetries)
	assert.Equal(t, 18, cfg.Chain.CurrencyDecimals)
}

func TestLoadSystemEnvWins(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: localhost
  name: escrow
jwt:
  secret: from-file
`)
	t.Setenv("DB_HOST", "db.from.env")
	t.Setenv("JWT_SECRET", "from-env")

	cfg, err := Load("local", dir)
	require.NoError(t, err)
	assert.Equal(t, "db.from.env", cfg.DB.Host)
	assert.Equal(t, "from-env", cfg.JWT.Secret)
}

func TestLoadMissingBase(t *testing.T) {
	_, err := Load("local", t.TempDir())
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &AppConfig{}
	cfg.applyDefaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt.secret")
	assert.Contains(t, err.Error(), "chain.rpc_url")

	cfg.DB.Host, cfg.DB.Name = "h", "n"
	cfg.JWT.Secret = "s"
	cfg.Chain.RPCURL = "http://x"
	cfg.Chain.SignerPrivateKey = "k"
	require.NoError(t, cfg.Validate())

	cfg.Release.Mode = "later"
	require.Error(t, cfg.Validate())
}

func TestMergeMapsNested(t *testing.T) {
	out := mergeMaps(
		map[string]interface{}{"a": map[string]interface{}{"x": 1, "y": 2}, "b": 1},
		map[string]interface{}{"a": map[string]interface{}{"y": 3}},
	)
	assert.Equal(t, map[string]interface{}{"x": 1, "y": 3}, out["a"])
	assert.Equal(t, 1, out["b"])
}

func TestPlaceholdersFallBackToProcessEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: localhost
  name: escrow
  password: ${DB_PASS}
chain:
  signer_private_key: ${MISSING_SIGNER_KEY}
proof_store:
  jwt: Bearer ${PINATA_TOKEN}
`)
	t.Setenv("DB_PASS", "from-process")
	t.Setenv("PINATA_TOKEN", "abc")

	cfg, err := Load("local", dir)
	require.NoError(t, err)
	assert.Equal(t, "from-process", cfg.DB.Password)
	assert.Equal(t, "Bearer abc", cfg.ProofStore.JWT)
	assert.Empty(t, cfg.Chain.SignerPrivateKey)
}
