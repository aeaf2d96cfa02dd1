package config

import (
	"encoding/base64"
	"encoding/pem"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "fiscal", cfg.App.Name)
	assert.Equal(t, "development", cfg.App.Env)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, StorageMemory, cfg.Storage.Provider)
	assert.Equal(t, "2", cfg.Authority.Environment)
	assert.Equal(t, "America/Sao_Paulo", cfg.Authority.Timezone)
	assert.Equal(t, 5, cfg.Worker.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Worker.BaseDelay)
	assert.Equal(t, 5*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, []string{"nfe.emit", "nfe.cancel"}, cfg.Worker.JobTypes)
	assert.Equal(t, 1, cfg.Fiscal.DefaultSeries)
}

func TestLoadFile(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
	path := writeConfig(t, `
[storage]
provider = "s3"
bucket = "fiscal-artifacts"
use_path_style = true

[worker]
max_attempts = 7
base_delay = "10s"

[credential]
encryption_key = "`+key+`"

[[fiscal.benefit_rules]]
state = "PR"
tax_situations = ["40", "41"]
code = "SEM CBENEF"
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fiscal-artifacts", cfg.Storage.Bucket)
	assert.True(t, cfg.Storage.UsePathStyle)
	assert.Equal(t, 7, cfg.Worker.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Worker.BaseDelay)
	require.Len(t, cfg.Fiscal.BenefitRules, 1)
	assert.Equal(t, []string{"40", "41"}, cfg.Fiscal.BenefitRules[0].TaxSituations)

	decoded, err := cfg.Credential.Key()
	require.NoError(t, err)
	assert.Len(t, decoded, 32)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FISCAL_AUTHORITY_ENVIRONMENT", "1")
	t.Setenv("FISCAL_WORKER_MAX_ATTEMPTS", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "1", cfg.Authority.Environment)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown storage", "[storage]\nprovider = \"ftp\"\n", "storage.provider"},
		{"bucket required", "[storage]\nprovider = \"gcs\"\n", "storage.bucket"},
		{"environment", "[authority]\nenvironment = \"3\"\n", "authority.environment"},
		{"timezone", "[authority]\ntimezone = \"Mars/Olympus\"\n", "authority.timezone"},
		{"short key", "[credential]\nencryption_key = \"c2hvcnQ=\"\n", "32 bytes"},
		{"production", "[app]\nenv = \"production\"\n", "database.password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "fiscal", Password: "p@ss", DBName: "fiscal", SSLMode: "require"}
	assert.Equal(t, "postgres://fiscal:p%40ss@db:5432/fiscal?sslmode=require", d.DSN())
}

func TestAuthorityConfig_RootCAs(t *testing.T) {
	pool, err := (&AuthorityConfig{}).RootCAs()
	require.NoError(t, err)
	assert.Nil(t, pool)

	_, err = (&AuthorityConfig{CAFile: writeConfig(t, "not a certificate")}).RootCAs()
	assert.ErrorContains(t, err, "no PEM certificates")

	_, err = (&AuthorityConfig{CAFile: filepath.Join(t.TempDir(), "missing.pem")}).RootCAs()
	assert.ErrorContains(t, err, "authority.ca_file")

	srv := httptest.NewTLSServer(nil)
	defer srv.Close()
	bundle := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	pool, err = (&AuthorityConfig{CAFile: writeConfig(t, string(bundle))}).RootCAs()
	require.NoError(t, err)
	assert.NotNil(t, pool)
}
