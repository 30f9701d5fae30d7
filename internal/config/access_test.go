package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetPath(t *testing.T) {
	cfg := Defaults()
	cfg.Serial.Port = "/dev/ttyUSB0"

	tests := []struct {
		name    string
		path    string
		want    any
		wantErr bool
	}{
		{name: "root service field", path: "service.name", want: "espk-bridge"},
		{name: "serial port", path: "serial.port", want: "/dev/ttyUSB0"},
		{name: "duration renders as string", path: "serial.read_timeout", want: "100ms"},
		{name: "int field", path: "bus.inbox_size", want: 64},
		{name: "invalid path", path: "serial.missing", wantErr: true},
		{name: "through a scalar", path: "serial.port.name", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cfg.GetPath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := Defaults()
	cfg.API.Auth.APIKey = "supersecret"
	cfg.API.Auth.Tokens = []APIToken{{Token: "abc", Scopes: []string{"*"}}}

	red := cfg.Redacted()
	assert.Equal(t, "su*******et", red.API.Auth.APIKey)
	assert.Equal(t, "****", red.API.Auth.Tokens[0].Token)
	assert.Equal(t, "supersecret", cfg.API.Auth.APIKey, "original untouched")
	assert.Equal(t, "abc", cfg.API.Auth.Tokens[0].Token)
}
