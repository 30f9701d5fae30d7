package protocol

import "encoding/json"

// Message types carried in the "type" discriminator.
const (
	TypeTargetsUpdate    = "targets_update"
	TypeOverrideChannels = "override_channels"
)

// Target is one remote receiver as reported by the transmitter.
type Target struct {
	ID                       int    `json:"id"`
	Name                     string `json:"name"`
	MAC                      string `json:"mac"`
	Channels                 []int  `json:"channels"`
	ConnectionState          bool   `json:"connection_state"`
	LastSuccessfulSend       int64  `json:"last_successful_send"`
	IsChannelsOverridden     bool   `json:"is_channels_overridden"`
	OverrideTimeoutRemaining int    `json:"override_timeout_remaining"`
}

// TargetFields lists the keys every target record must carry.
var TargetFields = []string{
	"id",
	"name",
	"mac",
	"channels",
	"connection_state",
	"last_successful_send",
	"is_channels_overridden",
	"override_timeout_remaining",
}

// Clone returns a deep copy so registry readers never share the channel slice.
func (t Target) Clone() Target {
	out := t
	if t.Channels != nil {
		out.Channels = append([]int(nil), t.Channels...)
	}
	return out
}

// Envelope is one decoded inbound line: its discriminator plus the raw object.
type Envelope struct {
	Type string
	Raw  json.RawMessage
}

// TargetsUpdate is the inbound targets_update message.
type TargetsUpdate struct {
	Type    string            `json:"type"`
	Targets []json.RawMessage `json:"targets"`
}

// OverrideChannels is the outbound command written to the transmitter.
type OverrideChannels struct {
	Type     string `json:"type"`
	TargetID int    `json:"target_id"`
	Channels []int  `json:"channels"`
	Duration int    `json:"duration"`
}

// NewOverrideChannels builds an outbound command with the discriminator set.
func NewOverrideChannels(targetID int, channels []int, duration int) *OverrideChannels {
	return &OverrideChannels{
		Type:     TypeOverrideChannels,
		TargetID: targetID,
		Channels: channels,
		Duration: duration,
	}
}

// OverrideRequest is the payload published on a target's bus subject.
type OverrideRequest struct {
	Channels     []int `json:"channels"`
	Duration     int   `json:"duration"`
	BypassSafety bool  `json:"bypass_safety"`
}
