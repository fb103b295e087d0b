package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher forwards lifecycle events to NATS, one subject per event type
// under a common prefix (e.g. snake.events.match_end).
type Publisher struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
}

// NewPublisher connects to NATS. The connection keeps reconnecting in the background.
func NewPublisher(url, prefix string) (*Publisher, error) {
	lg := componentLogger("publisher")
	opts := []nats.Option{
		nats.Name("snake-arena"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			lg.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			lg.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			lg.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &Publisher{nc: nc, prefix: prefix, log: lg}, nil
}

// Subject returns the subject an event type is published on.
func (p *Publisher) Subject(eventType string) string {
	return fmt.Sprintf("%s.%s", p.prefix, eventType)
}

// Emit publishes evt. Publishing is buffered by the NATS client, so this does not block on the network.
func (p *Publisher) Emit(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		p.log.Error().Err(err).Str("event", evt.Type).Msg("marshal event")
		return
	}
	if err := p.nc.Publish(p.Subject(evt.Type), data); err != nil {
		p.log.Warn().Err(err).Str("event", evt.Type).Msg("publish event")
	}
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	return p.nc.Drain()
}
