// ABOUTME: Tests for configuration loading
// ABOUTME: Covers env var expansion, duration parsing, and validation failures

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loomd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

const minimalConfig = `
server:
  http_addr: "localhost:8420"
database:
  path: "/tmp/loom.db"
`

func TestLoadMinimalConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "localhost:8420", cfg.Server.HTTPAddr)
	assert.Equal(t, "/tmp/loom.db", cfg.Database.Path)
	assert.False(t, cfg.Channels.Telegram.Enabled)
	assert.Zero(t, cfg.Scheduler.PollInterval)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  http_addr: "localhost:8420"
database:
  path: "/tmp/loom.db"
agent:
  command: ["assistant", "--mode", "turn"]
channels:
  privileged: "whatsapp"
  telegram:
    enabled: true
    bot_token: "123:abc"
    allow_from: ["9001", "alice"]
scheduler:
  poll_interval: "45s"
  error_threshold: 5
drafts:
  ttl: "12h"
streaming:
  flush_interval: "2s"
logging:
  level: "debug"
  format: "json"
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"assistant", "--mode", "turn"}, cfg.Agent.Command)
	assert.Equal(t, "whatsapp", cfg.Channels.Privileged)
	assert.True(t, cfg.Channels.Telegram.Enabled)
	assert.Equal(t, []string{"9001", "alice"}, cfg.Channels.Telegram.AllowFrom)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 5, cfg.Scheduler.ErrorThreshold)
	assert.Equal(t, 12*time.Hour, cfg.Drafts.TTL)
	assert.Equal(t, 2*time.Second, cfg.Streaming.FlushInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("LOOM_TEST_TOKEN", "tok-secret")

	cfg, err := Load(writeConfig(t, `
server:
  http_addr: "localhost:8420"
database:
  path: "/tmp/loom.db"
channels:
  telegram:
    enabled: true
    bot_token: "${LOOM_TEST_TOKEN}"
`))
	require.NoError(t, err)
	assert.Equal(t, "tok-secret", cfg.Channels.Telegram.BotToken)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
scheduler:
  poll_interval: "soon"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll_interval")
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing http addr",
			content: `
database:
  path: "/tmp/loom.db"
`,
			wantErr: "server.http_addr",
		},
		{
			name: "missing database path",
			content: `
server:
  http_addr: "localhost:8420"
`,
			wantErr: "database.path",
		},
		{
			name: "telegram without token",
			content: minimalConfig + `
channels:
  telegram:
    enabled: true
`,
			wantErr: "bot_token",
		},
		{
			name: "matrix without homeserver",
			content: minimalConfig + `
channels:
  matrix:
    enabled: true
    user_id: "@loom:example.org"
`,
			wantErr: "homeserver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
