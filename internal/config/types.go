package config

import "time"

// Config represents the complete espk-bridge configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Serial  SerialConfig  `yaml:"serial"`
	Bus     BusConfig     `yaml:"bus"`
	Journal JournalConfig `yaml:"journal"`
	API     APIConfig     `yaml:"api,omitempty"`
	LockDir string        `yaml:"lock_dir"`

	// SourcePath is the file the config was loaded from; empty for defaults.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// SerialConfig defines the transmitter link.
type SerialConfig struct {
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
	AutoConnect bool          `yaml:"auto_connect"`
}

// BusConfig defines the pub/sub bus override requests arrive on.
type BusConfig struct {
	Driver         string        `yaml:"driver"` // nats | memory
	URL            string        `yaml:"url"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	ClientName     string        `yaml:"client_name"`
	InboxSize      int           `yaml:"inbox_size"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// JournalConfig defines the override journal.
type JournalConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

const (
	BusDriverNATS   = "nats"
	BusDriverMemory = "memory"
)

// Defaults returns a Config that runs against a local NATS server with the
// journal on and the API off.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "espk-bridge",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Serial: SerialConfig{
			Baud:        115200,
			ReadTimeout: 100 * time.Millisecond,
			StopTimeout: time.Second,
		},
		Bus: BusConfig{
			Driver:         BusDriverNATS,
			URL:            "nats://127.0.0.1:4222",
			SubjectPrefix:  "espk.override",
			ClientName:     "espk-bridge",
			InboxSize:      64,
			ConnectTimeout: 5 * time.Second,
		},
		Journal: JournalConfig{
			Enabled:   true,
			Path:      "./data/journal.db",
			Retention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		LockDir: "./data/locks",
	}
}
