package api

import (
	"github.com/mattjoyce/espk-bridge/internal/journal"
	"github.com/mattjoyce/espk-bridge/internal/manager"
	"github.com/mattjoyce/espk-bridge/internal/protocol"
	"github.com/mattjoyce/espk-bridge/internal/serialport"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Link          string `json:"link"`
	Targets       int    `json:"targets"`
}

// PortsResponse is returned by GET /ports.
type PortsResponse struct {
	Ports []serialport.PortInfo `json:"ports"`
}

// ConnectRequest is the JSON body for POST /link/connect. Baud falls back to
// the configured default.
type ConnectRequest struct {
	Port string `json:"port"`
	Baud int    `json:"baud,omitempty"`
}

// LinkResponse is returned by the /link endpoints.
type LinkResponse = manager.Status

// TargetsResponse is returned by GET /targets.
type TargetsResponse struct {
	Generation  uint64            `json:"generation"`
	Fingerprint string            `json:"fingerprint"`
	Targets     []protocol.Target `json:"targets"`
}

// OverrideResponse is returned once an override request is on the bus.
type OverrideResponse struct {
	TargetID int    `json:"target_id"`
	Subject  string `json:"subject"`
	Status   string `json:"status"`
}

// OverridesResponse is returned by GET /overrides.
type OverridesResponse struct {
	Entries []journal.Entry `json:"entries"`
}
