package core

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Envelope is the wire form of a mirrored event.
type Envelope struct {
	ID      string    `json:"id"`
	Event   string    `json:"event"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// NATSMirror publishes events to JetStream under <prefix>.<event>,
// optionally on an embedded server.
type NATSMirror struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	prefix string
	logger zerolog.Logger
}

// NewNATSMirror connects to NATS (starting an embedded server if
// configured) and ensures the event stream exists.
func NewNATSMirror(cfg NATSConfig, logger zerolog.Logger) (*NATSMirror, error) {
	m := &NATSMirror{
		prefix: cfg.SubjectPrefix,
		logger: logger.With().Str("component", "nats_mirror").Logger(),
	}

	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}
		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}
		m.ns = ns
		m.logger.Info().Str("addr", ns.ClientURL()).Msg("embedded NATS server started")
	}

	url := cfg.URL
	if m.ns != nil {
		url = m.ns.ClientURL()
	}
	nc, err := nats.Connect(url,
		nats.Name("tailguard"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				m.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			m.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		m.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	m.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	m.js = js

	streamCfg := &nats.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  256 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	if _, err := js.AddStream(streamCfg); err != nil {
		// The stream may exist with an older config.
		if _, updateErr := js.UpdateStream(streamCfg); updateErr != nil {
			m.Close()
			return nil, fmt.Errorf("creating/updating stream %s: %w (original: %v)", cfg.Stream, updateErr, err)
		}
	}

	m.logger.Info().Str("url", url).Str("stream", cfg.Stream).Msg("connected to NATS JetStream")
	return m, nil
}

// Subject returns the subject an event is published on.
func (m *NATSMirror) Subject(event string) string {
	return m.prefix + "." + event
}

func (m *NATSMirror) Publish(event string, payload any) error {
	data, err := json.Marshal(Envelope{
		ID:      uuid.NewString(),
		Event:   event,
		Time:    time.Now().UTC(),
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("marshaling %s envelope: %w", event, err)
	}
	subject := m.Subject(event)
	if _, err := m.js.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

func (m *NATSMirror) Close() error {
	if m.nc != nil {
		if err := m.nc.FlushTimeout(2 * time.Second); err != nil {
			m.logger.Debug().Err(err).Msg("flushing NATS connection")
		}
		m.nc.Close()
	}
	m.shutdownServer()
	return nil
}

func (m *NATSMirror) shutdownServer() {
	if m.ns != nil {
		m.ns.Shutdown()
		m.ns.WaitForShutdown()
		m.logger.Info().Msg("embedded NATS server stopped")
	}
}
