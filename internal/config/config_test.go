package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jsoncSample = `{
  // gateway settings
  "gateway": {
    "port": 9000,
    "auth": {"mode": "token", "token": "s3cret"},
  },
  "session": {"dmScope": "per-peer"},
  "channels": {
    "local": {"type": "loopback"},
  },
}`

const yamlSample = `
gateway:
  port: 9000
  auth:
    mode: token
    token: s3cret
session:
  dmScope: per-peer
channels:
  local:
    type: loopback
`

const tomlSample = `
[gateway]
port = 9000

[gateway.auth]
mode = "token"
token = "s3cret"

[session]
dmScope = "per-peer"

[channels.local]
type = "loopback"
`

func TestParseFormatsAgree(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		data   string
	}{
		{"jsonc", FormatJSON, jsoncSample},
		{"yaml", FormatYAML, yamlSample},
		{"toml", FormatTOML, tomlSample},
	}

	var first map[string]any
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := Parse([]byte(tt.data), tt.format)
			require.NoError(t, err)

			gw := snap["gateway"].(map[string]any)
			assert.Equal(t, float64(9000), gw["port"])

			if first == nil {
				first = snap
			} else {
				assert.Equal(t, first, snap)
			}

			cfg, err := Decode(snap)
			require.NoError(t, err)
			assert.Equal(t, 9000, cfg.Gateway.Port)
			assert.Equal(t, "token", cfg.Gateway.Auth.Mode)
			assert.Equal(t, "per-peer", cfg.Session.DmScope)
			assert.Equal(t, "loopback", cfg.Channels["local"].Type)
			assert.True(t, cfg.Channels["local"].IsEnabled())

			// untouched sections come from defaults
			assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
			assert.Equal(t, "hybrid", cfg.Gateway.Reload.Mode)
			assert.Equal(t, 2, cfg.Heartbeat.FailureThreshold)
		})
	}
}

func TestParseRejectsNonObjectRoot(t *testing.T) {
	_, err := Parse([]byte(`[1, 2]`), FormatJSON)
	assert.Error(t, err)

	snap, err := Parse([]byte(""), FormatYAML)
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Gateway.Port = 70000 }, "gateway.port"},
		{"token missing", func(c *Config) { c.Gateway.Auth.Mode = "token" }, "gateway.auth.token"},
		{"unknown auth", func(c *Config) { c.Gateway.Auth.Mode = "oauth" }, "gateway.auth.mode"},
		{"unknown reload", func(c *Config) { c.Gateway.Reload.Mode = "sometimes" }, "gateway.reload.mode"},
		{"unknown scope", func(c *Config) { c.Session.DmScope = "per-moon" }, "session.dmScope"},
		{"channel type", func(c *Config) { c.Channels = map[string]ChannelConfig{"x": {}} }, "channels.x.type"},
		{"cron job", func(c *Config) { c.Cron.Jobs = []CronJob{{ID: "a"}} }, "cron.jobs[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	for _, name := range []string{"clawgate.json", "clawgate.yaml", "clawgate.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			cfg := Defaults()
			cfg.Gateway.Port = 4242
			cfg.Cron.Jobs = []CronJob{{ID: "nightly", Schedule: "0 3 * * *"}}
			require.NoError(t, WriteFile(path, cfg, 0))

			loaded, _, err := NewLoader(path).Load()
			require.NoError(t, err)
			assert.Equal(t, 4242, loaded.Gateway.Port)
			require.Len(t, loaded.Cron.Jobs, 1)
			assert.Equal(t, "0 3 * * *", loaded.Cron.Jobs[0].Schedule)

			// second write keeps a backup of the first
			cfg.Gateway.Port = 4343
			require.NoError(t, WriteFile(path, cfg, 3))
			_, err = os.Stat(path + ".bak")
			assert.NoError(t, err)

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
		})
	}
}

func TestRotateBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clawgate.json")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`{}`), 0600))
		require.NoError(t, createBackup(path, 3))
	}

	_, err := os.Stat(path + ".bak")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".bak.2")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".bak.3")
	assert.True(t, os.IsNotExist(err))
}

func TestFormatFor(t *testing.T) {
	for path, want := range map[string]Format{
		"a.json": FormatJSON, "a.JSONC": FormatJSON, "a.yml": FormatYAML, "a.toml": FormatTOML,
	} {
		got, err := FormatFor(path)
		require.NoError(t, err)
		assert.Equal(t, want, got, path)
	}
	_, err := FormatFor("a.ini")
	assert.Error(t, err)
}
