// Package bridge keeps one bus subscription per known target and turns
// override requests arriving on them into safety-gated serial commands.
package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/espk-bridge/internal/bus"
	"github.com/mattjoyce/espk-bridge/internal/protocol"
)

var (
	// ErrStale marks a delivery for a target that is no longer subscribed.
	ErrStale = errors.New("target no longer subscribed")
	// ErrBadRequest marks an override payload that does not decode.
	ErrBadRequest = errors.New("invalid override request")
)

// Delivery is one raw override request queued for the bus pump.
type Delivery struct {
	TargetID int
	Subject  string
	Data     []byte
}

// Result is the outcome of a delivery that passed the safety policy.
type Result struct {
	Request protocol.OverrideRequest
	Command *protocol.OverrideChannels
	Clamped bool
}

// Reconciler owns the subscription table.
type Reconciler struct {
	bus    bus.Bus
	prefix string
	inbox  chan<- Delivery
	logger *slog.Logger

	mu   sync.Mutex
	subs map[int]bus.Subscription

	dropped atomic.Uint64
}

// NewReconciler binds subscriptions on b under prefix; their handlers queue
// onto inbox without blocking.
func NewReconciler(b bus.Bus, prefix string, inbox chan<- Delivery, logger *slog.Logger) *Reconciler {
	if prefix == "" {
		prefix = bus.DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		bus:    b,
		prefix: prefix,
		inbox:  inbox,
		logger: logger,
		subs:   make(map[int]bus.Subscription),
	}
}

// Reconcile makes the subscription table match ids exactly. Ids present in
// both keep their existing subscription. A failed subscribe is logged and
// retried on the next call.
func (r *Reconciler) Reconcile(ids []int) (created, removed []int) {
	want := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, sub := range r.subs {
		if _, ok := want[id]; ok {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Warn("unsubscribe failed", "target_id", id, "subject", sub.Subject(), "error", err)
		}
		delete(r.subs, id)
		removed = append(removed, id)
	}

	for id := range want {
		if _, ok := r.subs[id]; ok {
			continue
		}
		subject := bus.Subject(r.prefix, id)
		sub, err := r.bus.Subscribe(subject, r.handlerFor(id, subject))
		if err != nil {
			r.logger.Error("subscribe failed", "target_id", id, "subject", subject, "error", err)
			continue
		}
		r.subs[id] = sub
		created = append(created, id)
	}

	slices.Sort(created)
	slices.Sort(removed)
	if len(created) > 0 || len(removed) > 0 {
		r.logger.Debug("subscriptions reconciled", "created", created, "removed", removed, "total", len(r.subs))
	}
	return created, removed
}

// handlerFor binds id and subject by value so each subscription reports its
// own target.
func (r *Reconciler) handlerFor(id int, subject string) bus.Handler {
	return func(data []byte) {
		d := Delivery{TargetID: id, Subject: subject, Data: bytes.Clone(data)}
		select {
		case r.inbox <- d:
		default:
			r.dropped.Add(1)
			r.logger.Warn("override inbox full, dropping request", "target_id", id)
		}
	}
}

// TeardownAll destroys every subscription and returns the ids removed.
func (r *Reconciler) TeardownAll() []int {
	_, removed := r.Reconcile(nil)
	return removed
}

// Subscribed returns the sorted ids with a live subscription.
func (r *Reconciler) Subscribed() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Subscription returns the live subscription for id, if any.
func (r *Reconciler) Subscription(id int) (bus.Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	return sub, ok
}

// Dropped counts deliveries lost to a full inbox.
func (r *Reconciler) Dropped() uint64 {
	return r.dropped.Load()
}

// HandleDelivery decodes d and applies the safety policy. It never touches
// the subscription table beyond the staleness check.
func (r *Reconciler) HandleDelivery(d Delivery) (Result, error) {
	if _, ok := r.Subscription(d.TargetID); !ok {
		return Result{}, fmt.Errorf("%w: %d", ErrStale, d.TargetID)
	}

	req, err := DecodeRequest(d.Data)
	if err != nil {
		return Result{}, err
	}

	channels, clamped, err := ApplySafety(req.Channels, req.BypassSafety)
	if err != nil {
		return Result{Request: req}, err
	}
	if clamped {
		r.logger.Warn("override clamped",
			"target_id", d.TargetID,
			"requested", len(req.Channels),
			"forwarded", len(channels),
		)
	}

	return Result{
		Request: req,
		Command: protocol.NewOverrideChannels(d.TargetID, channels, req.Duration),
		Clamped: clamped,
	}, nil
}

// DecodeRequest parses a bus payload. channels is required; duration and
// bypass_safety default to zero values.
func DecodeRequest(data []byte) (protocol.OverrideRequest, error) {
	var raw struct {
		Channels     *[]int `json:"channels"`
		Duration     int    `json:"duration"`
		BypassSafety bool   `json:"bypass_safety"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return protocol.OverrideRequest{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if raw.Channels == nil {
		return protocol.OverrideRequest{}, fmt.Errorf("%w: missing channels", ErrBadRequest)
	}
	if raw.Duration < 0 {
		return protocol.OverrideRequest{}, fmt.Errorf("%w: negative duration %d", ErrBadRequest, raw.Duration)
	}
	return protocol.OverrideRequest{
		Channels:     *raw.Channels,
		Duration:     raw.Duration,
		BypassSafety: raw.BypassSafety,
	}, nil
}
