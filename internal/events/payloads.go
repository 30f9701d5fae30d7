package events

import (
	"encoding/json"
	"unicode/utf8"
)

// MaxFaultLine caps how much of an offending serial line a protocol.error
// event carries.
const MaxFaultLine = 256

// LinkChange is the payload of a link.state event.
type LinkChange struct {
	State string `json:"state"`
	Port  string `json:"port,omitempty"`
	Error string `json:"error,omitempty"`
}

// ProtocolFault is the payload of a protocol.error event. Line is empty when
// the fault came from outgoing traffic.
type ProtocolFault struct {
	Error string `json:"error"`
	Line  string `json:"line,omitempty"`
}

// PublishLink emits a link.state event. A nil publisher is a no-op.
func PublishLink(p Publisher, lc LinkChange) {
	if p != nil {
		p.Publish(TypeLinkState, lc)
	}
}

// PublishFault emits a protocol.error event for err, quoting at most
// MaxFaultLine bytes of line.
func PublishFault(p Publisher, err error, line string) {
	if p == nil || err == nil {
		return
	}
	p.Publish(TypeProtocolError, ProtocolFault{Error: err.Error(), Line: clip(line)})
}

// Link decodes e as a link.state payload.
func (e Event) Link() (LinkChange, bool) {
	var lc LinkChange
	if e.Type != TypeLinkState || json.Unmarshal(e.Data, &lc) != nil {
		return LinkChange{}, false
	}
	return lc, true
}

// Fault decodes e as a protocol.error payload.
func (e Event) Fault() (ProtocolFault, bool) {
	var pf ProtocolFault
	if e.Type != TypeProtocolError || json.Unmarshal(e.Data, &pf) != nil {
		return ProtocolFault{}, false
	}
	return pf, true
}

func clip(s string) string {
	if len(s) <= MaxFaultLine {
		return s
	}
	cut := MaxFaultLine
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
