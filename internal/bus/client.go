// Package bus connects the relay to the NATS command bus.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/lexiqai/tts-relay/internal/resilience"
)

// Config selects the NATS servers and connect behaviour.
type Config struct {
	URL            string
	Name           string
	ConnectTimeout time.Duration
	Reconnect      *resilience.ReconnectConfig
}

// Client wraps a NATS connection.
type Client struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// Connect dials NATS, retrying the initial connection with backoff. Once up,
// nats.go handles reconnects itself.
func Connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("no NATS url configured")
	}
	if cfg.Name == "" {
		cfg.Name = "tts-relay"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}

	options := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	}

	var conn *nats.Conn
	err := resilience.Reconnect(ctx, func() error {
		var err error
		conn, err = nats.Connect(cfg.URL, options...)
		return err
	}, cfg.Reconnect, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
	return &Client{conn: conn, logger: logger}, nil
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.logger.Info().Msg("Closing NATS connection")
	if err := c.conn.Drain(); err != nil {
		c.logger.Debug().Err(err).Msg("NATS drain failed")
	}
	c.conn.Close()
}

// Healthy reports whether the connection is currently up.
func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// HealthCheck is Healthy in readiness-probe form.
func (c *Client) HealthCheck(context.Context) error {
	if !c.Healthy() {
		return errors.New("nats not connected")
	}
	return nil
}

// Conn exposes the raw connection.
func (c *Client) Conn() *nats.Conn {
	return c.conn
}
