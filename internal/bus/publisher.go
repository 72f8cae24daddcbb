// Package bus publishes speech session events to NATS so other services can
// follow playback without polling the HTTP API.
//
// Every event goes to "<prefix>.session.<type>" (for example
// "speakstream.session.complete") as the JSON encoding of [speech.Event].
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/speakstream/internal/config"
	"github.com/MrWong99/speakstream/internal/speech"
)

// ErrNoServers is returned by [Connect] when the config lists no servers.
var ErrNoServers = errors.New("bus: no NATS servers configured")

// Publisher wraps a NATS connection.
type Publisher struct {
	conn   *nats.Conn
	prefix string
}

// Connect dials the configured servers.
func Connect(ctx context.Context, cfg config.BusConfig) (*Publisher, error) {
	if len(cfg.Servers) == 0 {
		return nil, ErrNoServers
	}

	options := []nats.Option{
		nats.Name("speakstream"),
		nats.Timeout(cfg.ConnectTimeout()),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("bus: disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("bus: reconnected", "server", c.ConnectedUrl())
		}),
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to nats: %w", err)
	}
	if err := ctx.Err(); err != nil {
		conn.Close()
		return nil, err
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = config.DefaultSubject
	}
	slog.Info("bus: connected to NATS", "servers", url, "prefix", prefix)
	return &Publisher{conn: conn, prefix: prefix}, nil
}

// Subject returns the subject events of type t are published on.
func (p *Publisher) Subject(t speech.EventType) string {
	return p.prefix + ".session." + string(t)
}

// Publish sends ev. NATS buffers the message; Publish does not wait for the
// server.
func (p *Publisher) Publish(ev speech.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: encode event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev.Type), data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", ev.Type, err)
	}
	return nil
}

// Observe is a speech observer. Progress events are not published.
func (p *Publisher) Observe(ev speech.Event) {
	if ev.Type == speech.EventProgress {
		return
	}
	if err := p.Publish(ev); err != nil {
		slog.Warn("bus: dropping event", "session", ev.SessionID, "type", ev.Type, "err", err)
	}
}

// Healthy reports whether the connection is up.
func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

// Check is a health checker for the connection.
func (p *Publisher) Check(context.Context) error {
	if !p.Healthy() {
		return fmt.Errorf("bus: connection %s", p.conn.Status())
	}
	return nil
}

// Close flushes buffered messages and closes the connection.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	slog.Info("bus: closing NATS connection")
	return p.conn.Drain()
}
