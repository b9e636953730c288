package ingress

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Conn holds a NATS connection, its JetStream context and the event stream.
type Conn struct {
	NC     *nats.Conn
	JS     jetstream.JetStream
	Stream jetstream.Stream

	embedded *server.Server
	logger   zerolog.Logger
}

// Connect dials NATS, or starts an embedded server, and creates or updates
// the event stream.
func Connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*Conn, error) {
	c := &Conn{logger: logger.With().Str("component", "nats").Logger()}

	url := cfg.URL
	if cfg.Embedded {
		ns, err := startEmbedded(cfg.StoreDir)
		if err != nil {
			return nil, err
		}
		c.embedded = ns
		url = ns.ClientURL()
	}

	nc, err := nats.Connect(url,
		nats.Name("flowplane"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		c.shutdownEmbedded()
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	c.NC = nc

	js, err := jetstream.New(nc)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	c.JS = js

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  cfg.Subjects,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}
	c.Stream = stream

	c.logger.Info().
		Str("url", nc.ConnectedUrl()).
		Str("stream", cfg.Stream).
		Bool("embedded", cfg.Embedded).
		Msg("Connected to JetStream")
	return c, nil
}

func startEmbedded(storeDir string) (*server.Server, error) {
	opts := &server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start")
	}
	return ns, nil
}

// Close drains the connection and stops the embedded server, if any.
func (c *Conn) Close() {
	if c.NC != nil {
		if err := c.NC.Drain(); err != nil {
			c.NC.Close()
		}
	}
	c.shutdownEmbedded()
}

func (c *Conn) shutdownEmbedded() {
	if c.embedded != nil {
		c.embedded.Shutdown()
		c.embedded.WaitForShutdown()
		c.embedded = nil
	}
}
