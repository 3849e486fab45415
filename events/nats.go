package events

import (
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig configures the forwarder. An empty URL disables it
type NATSConfig struct {
	URL             string        `yaml:"url"`
	Subject         string        `yaml:"subject"`
	CredentialsFile string        `yaml:"credentials_file"`
	ReconnectWait   time.Duration `yaml:"reconnect_wait"`
	MaxReconnects   int           `yaml:"max_reconnects"`
}

// Publisher is the part of a NATS connection the forwarder needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Encode returns the deterministic CBOR encoding of change
func Encode(change StatusChange) ([]byte, error) {
	return encMode.Marshal(change)
}

// Decode parses a message produced by Encode
func Decode(data []byte) (StatusChange, error) {
	var change StatusChange
	err := cbor.Unmarshal(data, &change)
	return change, err
}

// Forwarder publishes every status change on the bus to a NATS subject
type Forwarder struct {
	pub     Publisher
	subject string
	bus     *Bus
	conn    *nats.Conn
}

// NewForwarder forwards status changes from bus to pub
func NewForwarder(pub Publisher, subject string, bus *Bus) (*Forwarder, error) {
	f := &Forwarder{pub: pub, subject: subject, bus: bus}
	if err := bus.SubscribeStatus(f.forward); err != nil {
		return nil, fmt.Errorf("failed to subscribe to status changes: %w", err)
	}
	return f, nil
}

// NewNATSForwarder connects to NATS and forwards status changes from bus
func NewNATSForwarder(cfg NATSConfig, bus *Bus) (*Forwarder, error) {
	if cfg.Subject == "" {
		return nil, fmt.Errorf("nats subject required")
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	opts := []nats.Option{
		nats.Name("coresdk-locker"),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	f, err := NewForwarder(conn, cfg.Subject, bus)
	if err != nil {
		conn.Close()
		return nil, err
	}
	f.conn = conn
	return f, nil
}

func (f *Forwarder) forward(change StatusChange) {
	data, err := Encode(change)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode status change")
		return
	}
	if err := f.pub.Publish(f.subject, data); err != nil {
		log.Warn().Err(err).Str("subject", f.subject).Msg("Failed to publish status change")
		return
	}
	log.Debug().Str("subject", f.subject).Str("to", change.To).Msg("Status change forwarded")
}

// Close stops forwarding and closes the NATS connection, if any
func (f *Forwarder) Close() {
	f.bus.UnsubscribeStatus(f.forward)
	if f.conn != nil {
		f.conn.Close()
	}
}
