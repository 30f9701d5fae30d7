package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config",
			yaml: `
serial:
  port: /dev/ttyUSB0
`,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/dev/ttyUSB0", cfg.Serial.Port)
				assert.Equal(t, 115200, cfg.Serial.Baud)
				assert.Equal(t, 100*time.Millisecond, cfg.Serial.ReadTimeout)
				assert.Equal(t, BusDriverNATS, cfg.Bus.Driver)
				assert.Equal(t, "espk.override", cfg.Bus.SubjectPrefix)
				assert.True(t, cfg.Journal.Enabled, "journal defaults on")
				assert.False(t, cfg.API.Enabled)
			},
		},
		{
			name: "full config",
			yaml: `
service:
  name: bench-bridge
  log_level: debug
  log_format: text
serial:
  port: /dev/ttyACM1
  baud: 921600
  read_timeout: 50ms
  stop_timeout: 2s
  auto_connect: true
bus:
  driver: memory
  subject_prefix: lab.override
  inbox_size: 8
journal:
  enabled: false
api:
  enabled: true
  listen: 0.0.0.0:9090
  auth:
    tokens:
      - token: abc
        scopes: ["targets:ro"]
lock_dir: /run/espk
`,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "bench-bridge", cfg.Service.Name)
				assert.Equal(t, "bench-bridge", cfg.Bus.ClientName)
				assert.Equal(t, 921600, cfg.Serial.Baud)
				assert.Equal(t, 50*time.Millisecond, cfg.Serial.ReadTimeout)
				assert.Equal(t, 2*time.Second, cfg.Serial.StopTimeout)
				assert.True(t, cfg.Serial.AutoConnect)
				assert.Equal(t, BusDriverMemory, cfg.Bus.Driver)
				assert.Equal(t, "lab.override", cfg.Bus.SubjectPrefix)
				assert.Equal(t, 8, cfg.Bus.InboxSize)
				assert.False(t, cfg.Journal.Enabled)
				assert.Equal(t, "0.0.0.0:9090", cfg.API.Listen)
				require.Len(t, cfg.API.Auth.Tokens, 1)
				assert.Equal(t, "/run/espk", cfg.LockDir)
			},
		},
		{
			name: "env var interpolation",
			yaml: `
serial:
  port: ${ESPK_TEST_PORT}
bus:
  url: ${ESPK_TEST_NATS}
api:
  enabled: true
  auth:
    api_key: ${ESPK_TEST_KEY}
`,
			env: map[string]string{
				"ESPK_TEST_PORT": "/dev/ttyUSB3",
				"ESPK_TEST_NATS": "nats://broker:4222",
				"ESPK_TEST_KEY":  "secret123",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/dev/ttyUSB3", cfg.Serial.Port)
				assert.Equal(t, "nats://broker:4222", cfg.Bus.URL)
				assert.Equal(t, "secret123", cfg.API.Auth.APIKey)
			},
		},
		{
			name: "missing env var fails validation",
			yaml: `
api:
  enabled: true
  auth:
    api_key: ${ESPK_TEST_MISSING}
`,
			wantErr: true,
		},
		{
			name: "invalid log level",
			yaml: `
service:
  log_level: invalid
`,
			wantErr: true,
		},
		{
			name: "unknown bus driver",
			yaml: `
bus:
  driver: kafka
`,
			wantErr: true,
		},
		{
			name: "auto connect without port",
			yaml: `
serial:
  auto_connect: true
`,
			wantErr: true,
		},
		{
			name: "api without credentials",
			yaml: `
api:
  enabled: true
`,
			wantErr: true,
		},
		{
			name: "token without scopes",
			yaml: `
api:
  enabled: true
  auth:
    tokens:
      - token: abc
`,
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			yaml:    "serial: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")
			require.NoError(t, os.WriteFile(configPath, []byte(tt.yaml), 0644))

			cfg, err := Load(configPath)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, configPath, cfg.SourcePath)
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte("serial:\n  port: /dev/x\n"), 0644))

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, "/dev/x", cfg.Serial.Port)

	_, err = Load(filepath.Join(tmpDir, "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadVerifiesLockedConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("serial:\n  port: /dev/a\n"), 0644))

	_, err := LockConfig(configPath, false)
	require.NoError(t, err)

	_, err = Load(configPath)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(configPath, []byte("serial:\n  port: /dev/b\n"), 0644))
	_, err = Load(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestDiscover(t *testing.T) {
	tmpDir := t.TempDir()
	explicit := filepath.Join(tmpDir, "explicit.yaml")
	fromEnv := filepath.Join(tmpDir, "env.yaml")
	require.NoError(t, os.WriteFile(explicit, []byte("{}\n"), 0644))
	require.NoError(t, os.WriteFile(fromEnv, []byte("{}\n"), 0644))

	t.Setenv("HOME", tmpDir)
	t.Setenv(EnvConfigPath, fromEnv)

	got, err := Discover(explicit)
	require.NoError(t, err)
	assert.Equal(t, explicit, got)

	got, err = Discover("")
	require.NoError(t, err)
	assert.Equal(t, fromEnv, got)

	_, err = Discover(filepath.Join(tmpDir, "missing.yaml"))
	assert.Error(t, err)

	userDir := filepath.Join(tmpDir, ".config", "espk-bridge")
	require.NoError(t, os.MkdirAll(userDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(userDir, "config.yaml"), []byte("{}\n"), 0644))
	t.Setenv(EnvConfigPath, "")

	got, err = Discover("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(userDir, "config.yaml"), got)
}

func TestInterpolateEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple replacement",
			input: "path: ${ESPK_DIR}/data",
			env:   map[string]string{"ESPK_DIR": "/users/test"},
			want:  "path: /users/test/data",
		},
		{
			name:  "multiple vars",
			input: "${ESPK_USER}:${ESPK_PASS}@${ESPK_HOST}",
			env: map[string]string{
				"ESPK_USER": "admin",
				"ESPK_PASS": "secret",
				"ESPK_HOST": "localhost",
			},
			want: "admin:secret@localhost",
		},
		{
			name:  "undefined var unchanged",
			input: "key: ${ESPK_UNDEFINED}",
			want:  "key: ${ESPK_UNDEFINED}",
		},
		{
			name:  "no vars",
			input: "plain text",
			want:  "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got := interpolateEnv(tt.input)
			if got != tt.want {
				t.Errorf("interpolateEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "negative baud", mutate: func(c *Config) { c.Serial.Baud = -1 }, wantErr: true},
		{name: "bad log format", mutate: func(c *Config) { c.Service.LogFormat = "xml" }, wantErr: true},
		{name: "nats without url", mutate: func(c *Config) { c.Bus.URL = "" }, wantErr: true},
		{name: "memory without url", mutate: func(c *Config) { c.Bus.Driver = BusDriverMemory; c.Bus.URL = "" }},
		{name: "wildcard prefix", mutate: func(c *Config) { c.Bus.SubjectPrefix = "espk.*" }, wantErr: true},
		{name: "trailing dot prefix", mutate: func(c *Config) { c.Bus.SubjectPrefix = "espk." }, wantErr: true},
		{name: "bad listen", mutate: func(c *Config) {
			c.API.Enabled = true
			c.API.Listen = "nope"
			c.API.Auth.APIKey = "k"
		}, wantErr: true},
		{name: "api with key", mutate: func(c *Config) {
			c.API.Enabled = true
			c.API.Auth.APIKey = "k"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
