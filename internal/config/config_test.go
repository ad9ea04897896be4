package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)

	assert.Equal(t, 9528, cfg.HTTPPort)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "tdl", cfg.TDLBinary)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	content := `
tg_api_id: 12345
tg_api_hash: abcdef
http_port: 8080
export_dir: /exports
tg_use_ipv6: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 12345, cfg.TGApiID)
	assert.Equal(t, "abcdef", cfg.TGApiHash)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "/exports", cfg.ExportDir)
	assert.True(t, cfg.TGUseIPv6)
}

func TestLoad_MigratesLegacyFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	legacy := `# old style
API_ID=777
API_HASH=deadbeef
WEB_PORT=9000
ADMIN_PASSWORD=secret
USE_IPV6=true
UNKNOWN_KEY=whatever
`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 777, cfg.TGApiID)
	assert.Equal(t, "deadbeef", cfg.TGApiHash)
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, "secret", cfg.AdminPassword)
	assert.True(t, cfg.TGUseIPv6)

	// file must have been rewritten as YAML
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "tg_api_id: 777")

	// second load goes through the YAML path
	cfg2, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.TGApiID, cfg2.TGApiID)
	assert.Equal(t, cfg.AdminPassword, cfg2.AdminPassword)
}

func TestIsLegacyFormat(t *testing.T) {
	assert.True(t, isLegacyFormat([]byte("API_ID=1\nAPI_HASH=x\n")))
	assert.False(t, isLegacyFormat([]byte("tg_api_id: 1\n")))
	assert.False(t, isLegacyFormat([]byte("")))
}
