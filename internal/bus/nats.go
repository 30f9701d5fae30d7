package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSOptions configures the NATS connection.
type NATSOptions struct {
	URL            string
	ClientName     string
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// NATS is a Bus backed by a core NATS connection.
type NATS struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// ConnectNATS dials the server. Reconnects are handled by the client library;
// the bridge itself never retries.
func ConnectNATS(opts NATSOptions, extra ...nats.Option) (*NATS, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	url := opts.URL
	if url == "" {
		url = nats.DefaultURL
	}

	natsOpts := []nats.Option{
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS async error", "subject", subject, "error", err)
		}),
		nats.ConnectHandler(func(nc *nats.Conn) {
			logger.Info("connected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if opts.ClientName != "" {
		natsOpts = append(natsOpts, nats.Name(opts.ClientName))
	}
	if opts.ConnectTimeout > 0 {
		natsOpts = append(natsOpts, nats.Timeout(opts.ConnectTimeout))
	}
	natsOpts = append(natsOpts, extra...)

	nc, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATS{nc: nc, logger: logger}, nil
}

// NewNATS wraps an existing connection. The caller keeps ownership of nc
// only until Close is called on the returned bus.
func NewNATS(nc *nats.Conn, logger *slog.Logger) *NATS {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{nc: nc, logger: logger}
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Subject() string { return s.sub.Subject }

func (s *natsSub) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}

func (b *NATS) Subscribe(subject string, h Handler) (Subscription, error) {
	if b.nc.IsClosed() {
		return nil, ErrClosed
	}
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		h(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return &natsSub{sub: sub}, nil
}

func (b *NATS) Publish(subject string, data []byte) error {
	if b.nc.IsClosed() {
		return ErrClosed
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Flush waits for the server to acknowledge everything published so far.
func (b *NATS) Flush(timeout time.Duration) error {
	return b.nc.FlushTimeout(timeout)
}

// Connected reports whether the underlying connection is up.
func (b *NATS) Connected() bool {
	return b.nc.IsConnected()
}

func (b *NATS) Close() error {
	if b.nc.IsClosed() {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
