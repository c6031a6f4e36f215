package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const natsPublishTimeout = 5 * time.Second

// NatsConfig selects the JetStream stream a NatsSink publishes into
type NatsConfig struct {
	URL     string
	Stream  string // Created or updated on connect; derived from Subject when empty
	Subject string
	MaxAge  time.Duration // Stream retention, zero keeps messages until limits apply
}

// NatsSink publishes change events to NATS JetStream
type NatsSink struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewNatsSink connects and makes sure the stream captures config.Subject
func NewNatsSink(ctx context.Context, config NatsConfig) (*NatsSink, error) {
	if config.URL == "" || config.Subject == "" {
		return nil, fmt.Errorf("nats sink requires url and subject")
	}
	if config.Stream == "" {
		config.Stream = sanitizeStreamName(config.Subject)
	}

	nc, err := nats.Connect(config.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      config.Stream,
		Subjects:  []string{config.Subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    config.MaxAge,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", config.Stream, err)
	}

	return &NatsSink{nc: nc, js: js}, nil
}

// Publish sends a message and waits for the stream ack. key travels as a
// header.
func (n *NatsSink) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, natsPublishTimeout)
	defer cancel()

	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}

	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases the connection
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject to a valid JetStream stream name
func sanitizeStreamName(subject string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(subject)
}
