package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.ClientHost)
	assert.Equal(t, 8765, cfg.ClientPort)
	assert.Equal(t, 10700, cfg.HubPort)
	assert.Equal(t, 5*time.Second, cfg.AuthTimeout)
	assert.Equal(t, 30*time.Minute, cfg.SessionTimeout)
	assert.Equal(t, time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, "web-satellite", cfg.Name)
	assert.Equal(t, 22050, cfg.SndRate)
	assert.Equal(t, 100, cfg.MaxClients)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8765, cfg.ClientPort)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
client_port: 9000
hub_port: 10800
auth_token: hunter2
auth_timeout_seconds: 10
allowed_origins:
  - https://example.com
name: kitchen-satellite
area: Kitchen
snd_rate: 48000
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.ClientPort)
	assert.Equal(t, 10800, cfg.HubPort)
	assert.Equal(t, "hunter2", cfg.AuthToken)
	assert.Equal(t, 10*time.Second, cfg.AuthTimeout)
	assert.Equal(t, []string{"https://example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, "kitchen-satellite", cfg.Name)
	assert.Equal(t, "Kitchen", cfg.Area)
	assert.Equal(t, 48000, cfg.SndRate)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client_port: 9000\nauth_token: from-file\n"), 0o644))

	t.Setenv("VOICEBRIDGE_CLIENT_PORT", "9100")
	t.Setenv("VOICEBRIDGE_AUTH_TOKEN", "from-env")
	t.Setenv("VOICEBRIDGE_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.ClientPort)
	assert.Equal(t, "from-env", cfg.AuthToken)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad client port", "client_port: 70000\n"},
		{"zero hub port", "hub_port: 0\n"},
		{"zero auth timeout", "auth_timeout_seconds: 0\n"},
		{"tls cert without key", "tls_cert_file: cert.pem\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.yaml), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestBadEnvValueFailsLoad(t *testing.T) {
	t.Setenv("VOICEBRIDGE_CLIENT_PORT", "not-a-number")
	_, err := Load("")
	assert.Error(t, err)
}
