// Package serialport owns the physical serial link to the transmitter.
package serialport

import (
	"fmt"
	"sort"
	"time"

	bugst "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

//go:generate mockgen -destination=mocks/mock_port.go -package=mocks github.com/mattjoyce/espk-bridge/internal/serialport Port

// Port is the subset of a serial port the transport needs. go.bug.st/serial
// ports satisfy it.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(t time.Duration) error
}

// Opener opens a named port at a baud rate.
type Opener func(name string, baud int) (Port, error)

// DefaultBaud matches the transmitter firmware.
const DefaultBaud = 115200

// Open opens name as 8N1 at baud.
func Open(name string, baud int) (Port, error) {
	if name == "" {
		return nil, fmt.Errorf("serial port name is empty")
	}
	if baud <= 0 {
		baud = DefaultBaud
	}
	mode := &bugst.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	p, err := bugst.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s at %d baud: %w", name, baud, err)
	}
	return p, nil
}

// PortInfo describes one serial device available for selection.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// Label is a one-line description for pickers and logs.
func (p PortInfo) Label() string {
	if !p.IsUSB {
		return p.Name
	}
	desc := p.Product
	if desc == "" {
		desc = fmt.Sprintf("USB %s:%s", p.VID, p.PID)
	}
	return fmt.Sprintf("%s (%s)", p.Name, desc)
}

// ListPorts returns the serial devices currently present, sorted by name.
// USB details are included when the platform enumerator supports them.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		out := make([]PortInfo, 0, len(details))
		for _, d := range details {
			out = append(out, PortInfo{
				Name:         d.Name,
				IsUSB:        d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				SerialNumber: d.SerialNumber,
				Product:      d.Product,
			})
		}
		sortPorts(out)
		return out, nil
	}

	names, err := bugst.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	out := make([]PortInfo, 0, len(names))
	for _, n := range names {
		out = append(out, PortInfo{Name: n})
	}
	sortPorts(out)
	return out, nil
}

func sortPorts(ports []PortInfo) {
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
}
