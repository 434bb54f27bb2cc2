package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig configures the NATS connection used as a Bus.
type NATSConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	PingInterval  time.Duration
}

// NATSBus is a Bus backed by core NATS subjects. Channel names are used as
// subjects unchanged.
type NATSBus struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

func NewNATSBus(cfg NATSConfig, logger zerolog.Logger) (*NATSBus, error) {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}

	b := &NATSBus{logger: logger.With().Str("component", "nats_bus").Logger()}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.PingInterval(cfg.PingInterval),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			event := b.logger.Error().Err(err)
			if sub != nil {
				event = event.Str("subject", sub.Subject)
			}
			event.Msg("NATS error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS %s: %w", cfg.URL, err)
	}
	b.conn = conn
	b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
	return b, nil
}

func (b *NATSBus) Publish(_ context.Context, channel string, payload []byte) error {
	if err := b.conn.Publish(channel, payload); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrClosed
		}
		return fmt.Errorf("nats publish %s: %w", channel, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(_ context.Context, channel string, fn func([]byte)) (Subscription, error) {
	sub, err := b.conn.Subscribe(channel, func(msg *nats.Msg) {
		fn(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
	}
	return sub, nil
}

// Connected reports whether the connection is currently up.
func (b *NATSBus) Connected() bool { return b.conn != nil && b.conn.IsConnected() }

func (b *NATSBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
