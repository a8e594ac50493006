// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build nats

package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/editnori/metamapctl/internal/logging"
)

// NATSConfig configures a JetStream-backed Bus.
type NATSConfig struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns production-sane defaults for connecting to the
// NATS server at url.
func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:           url,
		Subject:       "metamapctl.progress",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// NATSBus publishes and subscribes progress events over a JetStream
// subject, for deployments running several metamapctl instances against
// one shared broker.
type NATSBus struct {
	cfg        NATSConfig
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     watermill.LoggerAdapter
}

var _ Bus = (*NATSBus)(nil)

// NewNATS connects to the given broker and returns a ready-to-use Bus.
func NewNATS(cfg NATSConfig) (*NATSBus, error) {
	logger := watermill.NewStdLogger(false, false)

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("eventbus: NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("eventbus: create publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		SubscribersCount: 1,
		AckWaitTimeout:   30 * time.Second,
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			AckAsync:      true,
		},
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("eventbus: create subscriber: %w", err)
	}

	return &NATSBus{cfg: cfg, publisher: pub, subscriber: sub, logger: logger}, nil
}

// Publish serializes e as JSON and publishes it, fire-and-forget.
func (b *NATSBus) Publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		logging.Warn().Err(err).Msg("eventbus: marshal event")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := b.publisher.Publish(b.cfg.Subject, msg); err != nil {
		logging.Warn().Err(err).Msg("eventbus: publish to NATS failed")
	}
}

// Subscribe returns a channel of decoded events sourced from the
// JetStream subject, closed when ctx is canceled.
func (b *NATSBus) Subscribe(ctx context.Context) <-chan Event {
	out := make(chan Event, 64)

	msgs, err := b.subscriber.Subscribe(ctx, b.cfg.Subject)
	if err != nil {
		logging.Warn().Err(err).Msg("eventbus: subscribe to NATS failed")
		close(out)
		return out
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal(m.Payload, &e); err != nil {
					m.Nack()
					continue
				}
				m.Ack()
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// Close shuts down both the publisher and the subscriber.
func (b *NATSBus) Close() {
	_ = b.publisher.Close()
	_ = b.subscriber.Close()
}
