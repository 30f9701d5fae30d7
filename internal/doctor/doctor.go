// Package doctor validates espk-bridge configuration against the host it
// will run on.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mattjoyce/espk-bridge/internal/auth"
	"github.com/mattjoyce/espk-bridge/internal/config"
	"github.com/mattjoyce/espk-bridge/internal/serialport"
	"github.com/mattjoyce/espk-bridge/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// PortLister returns the serial devices present on this host.
type PortLister func() ([]serialport.PortInfo, error)

// Doctor validates configuration against the local machine.
type Doctor struct {
	cfg   *config.Config
	ports PortLister
}

// New creates a Doctor. A nil lister skips the port checks.
func New(cfg *config.Config, ports PortLister) *Doctor {
	return &Doctor{cfg: cfg, ports: ports}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateSerial(r)
	d.validateBus(r)
	d.validateJournal(r)
	d.validateLockDir(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.warnMissingEnvVars(r)
	d.warnDeprecatedSyntax(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateSerial checks the configured port against the devices present.
func (d *Doctor) validateSerial(r *Result) {
	s := d.cfg.Serial
	if s.Baud <= 0 {
		d.addError(r, "serial", "serial.baud", "baud must be positive")
	}
	if s.ReadTimeout >= s.StopTimeout && s.StopTimeout > 0 {
		d.addWarning(r, "serial", "serial.read_timeout",
			fmt.Sprintf("read_timeout %s is not shorter than stop_timeout %s; disconnect will abandon the reader", s.ReadTimeout, s.StopTimeout))
	}
	if s.Port == "" {
		if s.AutoConnect {
			d.addError(r, "serial", "serial.port", "auto_connect requires a port")
		}
		return
	}
	if d.ports == nil {
		return
	}

	ports, err := d.ports()
	if err != nil {
		d.addWarning(r, "serial", "serial.port", fmt.Sprintf("could not enumerate ports: %v", err))
		return
	}
	for _, p := range ports {
		if p.Name == s.Port {
			return
		}
	}
	names := make([]string, 0, len(ports))
	for _, p := range ports {
		names = append(names, p.Name)
	}
	msg := fmt.Sprintf("port %q not present", s.Port)
	if len(names) > 0 {
		msg += fmt.Sprintf(" (available: %s)", strings.Join(names, ", "))
	}
	d.addWarning(r, "serial", "serial.port", msg)
}

// validateBus checks the bus driver and subject prefix.
func (d *Doctor) validateBus(r *Result) {
	b := d.cfg.Bus
	switch b.Driver {
	case config.BusDriverNATS:
		if b.URL == "" {
			d.addError(r, "bus", "bus.url", "bus.url is required for the nats driver")
		}
	case config.BusDriverMemory:
		if !d.cfg.API.Enabled {
			d.addWarning(r, "bus", "bus.driver",
				"memory bus with the API disabled: nothing can publish override requests")
		}
	default:
		d.addError(r, "bus", "bus.driver", fmt.Sprintf("unknown bus driver %q", b.Driver))
	}
	if b.SubjectPrefix == "" {
		d.addError(r, "bus", "bus.subject_prefix", "subject_prefix is required")
	}
}

// validateJournal checks the journal lives on a local filesystem.
func (d *Doctor) validateJournal(r *Result) {
	j := d.cfg.Journal
	if !j.Enabled {
		return
	}
	if j.Path == "" {
		d.addError(r, "journal", "journal.path", "journal.path is required when the journal is enabled")
		return
	}
	if err := storage.RequireLocal("journal.path", j.Path); err != nil {
		d.addError(r, "journal", "journal.path", err.Error())
	}
	if j.Retention == 0 {
		d.addWarning(r, "journal", "journal.retention", "retention is 0; the journal is never pruned")
	}
}

// validateLockDir checks the per-port lock files can be taken reliably.
func (d *Doctor) validateLockDir(r *Result) {
	if d.cfg.LockDir == "" {
		d.addError(r, "lock", "lock_dir", "lock_dir is required")
		return
	}
	if err := storage.RequireLocal("lock_dir", d.cfg.LockDir); err != nil {
		d.addError(r, "lock", "lock_dir", err.Error())
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured")
	}
	if host := strings.Split(d.cfg.API.Listen, ":")[0]; host == "" || host == "0.0.0.0" {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("API listens on all interfaces (%s); override requests can reach the transmitter from the network", d.cfg.API.Listen))
	}
}

// validateTokenScopes checks scope names and flags tokens that can drive the
// transmitter.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			field := fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j)
			scope = strings.TrimSpace(scope)
			if !auth.KnownScope(scope) {
				d.addError(r, "token_scopes", field,
					fmt.Sprintf("unknown scope %q (expected <link|targets|override|events>:<ro|rw> or *)", scope))
				continue
			}
			if auth.Scope(scope) == auth.ScopeAll {
				d.addWarning(r, "token_scopes", field, "wildcard scope grants link control and overrides")
			}
		}
	}
}

// warnMissingEnvVars warns about ${VAR} references where VAR is not set.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	envVarRe := regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

	check := func(field, value string) {
		for _, m := range envVarRe.FindAllStringSubmatch(value, -1) {
			if os.Getenv(m[1]) == "" {
				d.addWarning(r, "env_vars", field, fmt.Sprintf("environment variable ${%s} not set", m[1]))
			}
		}
	}
	check("serial.port", d.cfg.Serial.Port)
	check("bus.url", d.cfg.Bus.URL)
	check("journal.path", d.cfg.Journal.Path)
	for i, token := range d.cfg.API.Auth.Tokens {
		if token.Token == "" {
			d.addWarning(r, "env_vars", fmt.Sprintf("api.auth.tokens[%d].token", i),
				"token value is empty (possibly unresolved environment variable)")
		}
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"api_key grants full access; migrate to tokens array with scopes")
	}
	if d.cfg.SourcePath != "" {
		if _, err := config.LoadChecksums(filepath.Dir(d.cfg.SourcePath)); err != nil {
			d.addWarning(r, "integrity", "", "config is not locked; run 'espk-bridge config lock' to pin it")
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
