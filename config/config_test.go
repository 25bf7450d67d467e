package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "ausente.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:1400", cfg.Server.Addr())
	assert.Equal(t, "glo2000.ca", cfg.Server.Domain)
	assert.Equal(t, 10*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "filesystem", cfg.Storage.Type)
	assert.Equal(t, "LOST", cfg.Storage.LostDir)
	assert.Zero(t, cfg.SMTP.Port)
	assert.Zero(t, cfg.IMAP.Port)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 2000
  write_timeout: 3s
storage:
  type: bolt
  path: /tmp/glomail.db
smtp:
  port: 2525
log:
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	t.Setenv("GLOMAIL_SERVER_DOMAIN", "exemplo.com")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 2000, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "exemplo.com", cfg.Server.Domain)
	assert.Equal(t, "bolt", cfg.Storage.Type)
	assert.Equal(t, "/tmp/glomail.db", cfg.Storage.Path)
	assert.Equal(t, "127.0.0.1:2525", cfg.SMTP.Addr())
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfigRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [nao, e, mapa"), 0600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	cfg.Server.Domain = ""
	cfg.Storage.Type = "mongodb"
	cfg.Storage.LostDir = "../fora"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.domain")
	assert.Contains(t, err.Error(), "mongodb")
	assert.Contains(t, err.Error(), "lost_dir")
}
