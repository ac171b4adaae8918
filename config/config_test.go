package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	t.Setenv("MEDREC_JWT_SECRET", "from-env")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.JWT.Secret)
	assert.Equal(t, 7*24*time.Hour, cfg.JWT.Expiry)
	assert.Equal(t, "token", cfg.JWT.CookieName)
	assert.Equal(t, 100, cfg.RateLimit.WindowRequests)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 5, cfg.Attachments.MaxFiles)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Worker.RetryAttempts)
}

func TestLoadConfigFileAndSecrets(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9090
store:
  driver: memory
jwt:
  secret: file-secret
database:
  password: file-password
redis:
  url: redis://localhost:6379/0
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	t.Setenv("MEDREC_DB_PASSWORD", "env-password")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "file-secret", cfg.JWT.Secret)
	assert.Equal(t, "env-password", cfg.Database.Password)
	assert.False(t, cfg.Redis.Enabled)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			JWT:         JWTConfig{Secret: "s"},
			Store:       StoreConfig{Driver: "memory"},
			Attachments: AttachmentsConfig{Driver: "memory"},
		}
	}

	assert.NoError(t, base().Validate())

	c := base()
	c.JWT.Secret = ""
	assert.Error(t, c.Validate())

	c = base()
	c.Store.Driver = "mongo"
	assert.Error(t, c.Validate())

	c = base()
	c.Security.EncryptionKey = "short"
	assert.Error(t, c.Validate())

	c = base()
	c.Redis.Enabled = true
	assert.Error(t, c.Validate())
}

func TestDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", c.DSN())
}
