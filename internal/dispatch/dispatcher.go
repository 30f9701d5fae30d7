package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/mattjoyce/espk-bridge/internal/log"
	"github.com/mattjoyce/espk-bridge/internal/protocol"
)

// ErrUnknownType is returned when no handler is registered for a message type.
var ErrUnknownType = errors.New("unknown message type")

// HandlerFunc processes the raw JSON object of one message.
type HandlerFunc func(ctx context.Context, raw json.RawMessage) error

// Table maps a message type to its handler.
type Table map[string]HandlerFunc

// Stats counts dispatch outcomes since construction.
type Stats struct {
	Dispatched int64 `json:"dispatched"`
	Unknown    int64 `json:"unknown"`
	Failed     int64 `json:"failed"`
}

// Dispatcher routes envelopes by their type discriminator.
type Dispatcher struct {
	table  Table
	logger *slog.Logger

	dispatched atomic.Int64
	unknown    atomic.Int64
	failed     atomic.Int64
}

// New creates a Dispatcher over a fixed table. The table is copied so later
// mutation by the caller has no effect.
func New(table Table, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = log.WithComponent("dispatch")
	}
	t := make(Table, len(table))
	for k, v := range table {
		if v != nil {
			t[k] = v
		}
	}
	return &Dispatcher{table: t, logger: logger}
}

// Dispatch invokes the handler registered for env.Type.
func (d *Dispatcher) Dispatch(ctx context.Context, env protocol.Envelope) error {
	handler, ok := d.table[env.Type]
	if !ok {
		d.unknown.Add(1)
		d.logger.Warn("no handler for message type, dropping", "type", env.Type)
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	d.dispatched.Add(1)
	if err := handler(ctx, env.Raw); err != nil {
		d.failed.Add(1)
		d.logger.Error("message handler failed", "type", env.Type, "error", err)
		return fmt.Errorf("handle %s: %w", env.Type, err)
	}
	return nil
}

// Types returns the registered message types, sorted.
func (d *Dispatcher) Types() []string {
	out := make([]string, 0, len(d.table))
	for k := range d.table {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Stats returns a snapshot of the dispatch counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		Unknown:    d.unknown.Load(),
		Failed:     d.failed.Load(),
	}
}
