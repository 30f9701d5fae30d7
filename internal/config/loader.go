package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted by Discover.
const EnvConfigPath = "ESPK_BRIDGE_CONFIG"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates and validates a config file. Keys absent from the
// file keep their Defaults value. If a .checksums manifest sits beside the
// file, the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse decodes YAML over Defaults, then validates.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds the config file to use.
// Priority order: explicit path, $ESPK_BRIDGE_CONFIG, ~/.config/espk-bridge/config.yaml,
// /etc/espk-bridge/config.yaml, ./config.yaml. Returns "" when none exists.
func Discover(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config not found at %s: %w", explicit, err)
		}
		return explicit, nil
	}

	if path := os.Getenv(EnvConfigPath); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "espk-bridge", "config.yaml")
		if fileExists(userConfig) {
			return userConfig, nil
		}
	}

	if systemConfig := "/etc/espk-bridge/config.yaml"; fileExists(systemConfig) {
		return systemConfig, nil
	}

	if fileExists("config.yaml") {
		return "config.yaml", nil
	}

	return "", nil
}

// LoadOrDefault loads the discovered config, or Defaults when none exists.
func LoadOrDefault(explicit string) (*Config, error) {
	path, err := Discover(explicit)
	if err != nil {
		return nil, err
	}
	if path == "" {
		cfg := Defaults()
		if err := validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return Load(path)
}

func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		// No manifest means the config is not locked.
		return nil
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: espk-bridge config lock --config %s", basename, dir, path)
	}
	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"If you edited this file intentionally, run: espk-bridge config lock --config %s", path, err, path)
	}
	return nil
}

// applyConfigDefaults fills values explicitly blanked in the file.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = defaults.Serial.Baud
	}
	if cfg.Serial.ReadTimeout == 0 {
		cfg.Serial.ReadTimeout = defaults.Serial.ReadTimeout
	}
	if cfg.Serial.StopTimeout == 0 {
		cfg.Serial.StopTimeout = defaults.Serial.StopTimeout
	}
	if cfg.Bus.Driver == "" {
		cfg.Bus.Driver = defaults.Bus.Driver
	}
	if cfg.Bus.SubjectPrefix == "" {
		cfg.Bus.SubjectPrefix = defaults.Bus.SubjectPrefix
	}
	if cfg.Bus.ClientName == "" {
		cfg.Bus.ClientName = cfg.Service.Name
	}
	if cfg.Bus.InboxSize == 0 {
		cfg.Bus.InboxSize = defaults.Bus.InboxSize
	}
	if cfg.Bus.ConnectTimeout == 0 {
		cfg.Bus.ConnectTimeout = defaults.Bus.ConnectTimeout
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = defaults.Journal.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.LockDir == "" {
		cfg.LockDir = defaults.LockDir
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place so validate can name it.
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Serial.Baud < 0 {
		return fmt.Errorf("serial.baud must be positive")
	}
	if cfg.Serial.ReadTimeout < 0 || cfg.Serial.StopTimeout < 0 {
		return fmt.Errorf("serial timeouts must be positive")
	}
	if cfg.Serial.AutoConnect && cfg.Serial.Port == "" {
		return fmt.Errorf("serial.auto_connect requires serial.port")
	}
	if err := checkUnresolved("serial.port", cfg.Serial.Port); err != nil {
		return err
	}

	switch cfg.Bus.Driver {
	case BusDriverNATS:
		if cfg.Bus.URL == "" {
			return fmt.Errorf("bus.url is required for the nats driver")
		}
		if err := checkUnresolved("bus.url", cfg.Bus.URL); err != nil {
			return err
		}
	case BusDriverMemory:
	default:
		return fmt.Errorf("bus.driver must be nats or memory (got %q)", cfg.Bus.Driver)
	}
	if strings.ContainsAny(cfg.Bus.SubjectPrefix, " *>") || strings.HasSuffix(cfg.Bus.SubjectPrefix, ".") {
		return fmt.Errorf("bus.subject_prefix %q is not a valid subject prefix", cfg.Bus.SubjectPrefix)
	}
	if cfg.Bus.InboxSize < 0 {
		return fmt.Errorf("bus.inbox_size must be positive")
	}

	if cfg.Journal.Enabled && cfg.Journal.Retention < 0 {
		return fmt.Errorf("journal.retention must not be negative")
	}

	if cfg.API.Enabled {
		if _, _, err := net.SplitHostPort(cfg.API.Listen); err != nil {
			return fmt.Errorf("api.listen %q: %w", cfg.API.Listen, err)
		}
		if err := checkUnresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth requires api_key or tokens when the API is enabled")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := checkUnresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	return nil
}

func checkUnresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
