package manager

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/espk-bridge/internal/bridge"
	"github.com/mattjoyce/espk-bridge/internal/dispatch"
	"github.com/mattjoyce/espk-bridge/internal/events"
	"github.com/mattjoyce/espk-bridge/internal/journal"
	"github.com/mattjoyce/espk-bridge/internal/protocol"
	"github.com/mattjoyce/espk-bridge/internal/serialport"
)

const (
	readBufferSize = 4096
	recordTimeout  = 2 * time.Second
	maxLoggedLine  = 256
)

// session is one Connect..Disconnect lifetime. Nothing in it is reused by
// the next session.
type session struct {
	m          *Manager
	transport  *serialport.Transport
	port       string
	baud       int
	startedAt  time.Time
	logger     *slog.Logger
	inbox      chan bridge.Delivery
	reconciler *bridge.Reconciler
	dispatcher *dispatch.Dispatcher

	ctx        context.Context
	cancel     context.CancelFunc
	stopOnce   sync.Once
	readerDone chan struct{}
	pumpDone   chan struct{}

	// applyMu orders registry and subscription changes against stop.
	applyMu sync.Mutex
	stopped bool
}

func newSession(m *Manager, tr *serialport.Transport, port string, baud int, logger *slog.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())
	inbox := make(chan bridge.Delivery, m.opts.InboxSize)
	s := &session{
		m:          m,
		transport:  tr,
		port:       port,
		baud:       baud,
		startedAt:  time.Now().UTC(),
		logger:     logger,
		inbox:      inbox,
		reconciler: bridge.NewReconciler(m.opts.Bus, m.opts.SubjectPrefix, inbox, logger.With("component", "bridge")),
		ctx:        ctx,
		cancel:     cancel,
		readerDone: make(chan struct{}),
		pumpDone:   make(chan struct{}),
	}
	s.dispatcher = dispatch.New(dispatch.Table{
		protocol.TypeTargetsUpdate: s.handleTargetsUpdate,
	}, logger.With("component", "dispatch"))
	return s
}

func (s *session) start() {
	go s.readLoop()
	go s.pumpLoop()
}

// stop signals both goroutines, waits up to timeout for each, then closes
// the transport and drops every subscription. Goroutines that miss the
// deadline are abandoned.
func (s *session) stop(timeout time.Duration) {
	s.stopOnce.Do(func() {
		s.applyMu.Lock()
		s.stopped = true
		s.applyMu.Unlock()
		s.cancel()

		s.wait(s.readerDone, "reader", timeout)
		s.wait(s.pumpDone, "bus pump", timeout)

		if err := s.transport.Close(); err != nil {
			s.logger.Warn("close transport", "error", err)
		}

		s.applyMu.Lock()
		removed := s.reconciler.TeardownAll()
		s.applyMu.Unlock()
		s.logger.Debug("subscriptions torn down", "count", len(removed))
	})
}

func (s *session) wait(done <-chan struct{}, name string, timeout time.Duration) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		s.logger.Warn("goroutine did not stop in time, abandoning", "activity", name, "timeout", timeout)
	}
}

func (s *session) send(cmd *protocol.OverrideChannels) error {
	line, err := protocol.MarshalCommand(cmd)
	if err != nil {
		s.logger.Error("encode command", "target_id", targetOf(cmd), "error", err)
		return err
	}
	if err := s.transport.Write(line); err != nil {
		s.logger.Error("write command", "target_id", cmd.TargetID, "error", err)
		return err
	}
	s.logger.Debug("command sent", "target_id", cmd.TargetID, "channels", cmd.Channels, "duration", cmd.Duration)
	return nil
}

func (s *session) readLoop() {
	defer close(s.readerDone)

	var dec protocol.LineDecoder
	buf := make([]byte, readBufferSize)
	for {
		if s.ctx.Err() != nil {
			return
		}
		n, err := s.transport.Read(buf)
		if n > 0 {
			overflowed := dec.Overflowed
			for _, line := range dec.Feed(buf[:n]) {
				s.handleLine(line)
			}
			if dec.Overflowed != overflowed {
				s.logger.Warn("line exceeded limit, buffer discarded", "max_bytes", protocol.MaxLineBytes)
			}
		}
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, serialport.ErrClosed) {
				return
			}
			s.logger.Error("serial read failed, link down", "error", err)
			s.m.markDown(s, err)
			return
		}
	}
}

func (s *session) handleLine(line string) {
	env, err := protocol.ParseLine(line)
	if err != nil {
		s.logger.Error("protocol error", "error", err, "line", truncate(line))
		events.PublishFault(s.m.opts.Events, err, line)
		return
	}
	_ = s.dispatcher.Dispatch(s.ctx, env)
}

// handleTargetsUpdate is the only place the target set changes while
// connected. A rejected batch leaves registry, subscriptions and callback
// untouched.
func (s *session) handleTargetsUpdate(_ context.Context, raw json.RawMessage) error {
	targets, err := protocol.ParseTargetsUpdate(raw)
	if err != nil {
		var verr *protocol.ValidationError
		if errors.As(err, &verr) && verr.Record != "" {
			s.logger.Error("targets_update rejected", "error", err, "record", truncate(verr.Record))
		} else {
			s.logger.Error("targets_update rejected", "error", err)
		}
		events.PublishFault(s.m.opts.Events, err, "")
		return err
	}

	s.applyMu.Lock()
	if s.stopped {
		s.applyMu.Unlock()
		return nil
	}
	snap, err := s.m.registry.Replace(targets)
	s.applyMu.Unlock()
	if err != nil {
		s.logger.Error("targets_update rejected", "error", err)
		events.PublishFault(s.m.opts.Events, err, "")
		return err
	}

	s.logger.Debug("targets updated", "count", len(snap.Targets), "generation", snap.Generation)
	if cb := s.m.opts.OnTargets; cb != nil {
		cb(snap.Targets)
	}
	s.m.publish(events.TypeTargetsUpdate, snap)

	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	if s.stopped {
		return nil
	}
	s.reconciler.Reconcile(snap.IDs())
	return nil
}

func (s *session) pumpLoop() {
	defer close(s.pumpDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case d := <-s.inbox:
			s.forward(d)
		}
	}
}

// forward runs one delivery through the safety policy and onto the wire.
// Its failures never reach other targets.
func (s *session) forward(d bridge.Delivery) {
	entry := journal.Entry{TargetID: d.TargetID, Subject: d.Subject}
	logger := s.logger.With("target_id", d.TargetID)

	res, err := s.reconciler.HandleDelivery(d)
	entry.Requested = res.Request.Channels
	entry.DurationMS = res.Request.Duration
	entry.BypassSafety = res.Request.BypassSafety

	if err != nil {
		entry.Outcome = journal.OutcomeRejected
		if errors.Is(err, bridge.ErrStale) {
			entry.Outcome = journal.OutcomeStale
		}
		entry.Error = err.Error()
		logger.Warn("override dropped", "outcome", entry.Outcome, "error", err)
		s.m.publish(events.TypeOverrideRejected, entry)
		s.record(entry)
		return
	}

	entry.Forwarded = res.Command.Channels
	entry.Outcome = journal.OutcomeForwarded
	if res.Clamped {
		entry.Outcome = journal.OutcomeClamped
	}

	if err := s.m.sendFrom(s, res.Command); err != nil {
		entry.Outcome = journal.OutcomeSendFailed
		entry.Error = err.Error()
		s.m.publish(events.TypeOverrideRejected, entry)
		s.record(entry)
		return
	}

	s.m.publish(events.TypeOverrideForwarded, entry)
	s.record(entry)
}

func (s *session) record(e journal.Entry) {
	rec := s.m.opts.Recorder
	if rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := rec.Record(ctx, e); err != nil {
		s.logger.Warn("journal write failed", "target_id", e.TargetID, "error", err)
	}
}

// sendFrom is Send restricted to the session that owns the pump.
func (m *Manager) sendFrom(s *session, cmd *protocol.OverrideChannels) error {
	m.mu.Lock()
	ok := m.sess == s && m.state == Connected
	m.mu.Unlock()
	if !ok {
		s.logger.Warn("send while not connected", "target_id", cmd.TargetID)
		return ErrNotConnected
	}
	return s.send(cmd)
}

func truncate(line string) string {
	if len(line) <= maxLoggedLine {
		return line
	}
	return line[:maxLoggedLine] + "..."
}
