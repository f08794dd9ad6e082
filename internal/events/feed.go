// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

// Package events carries row-level change notifications from the database
// layer to in-process and cross-instance consumers over watermill.
//
// Single-node deployments use the in-memory gochannel transport. When NATS is
// enabled the same topics travel over core NATS, so every instance observes
// every change:
//
//	feed := events.NewInProcessFeed()
//	ch, _ := feed.Subscribe(ctx, "convoy_members", events.FieldEquals("trip_id", tripID))
//	for change := range ch { ... }
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"

	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/metrics"
	"github.com/tomtom215/convoy/internal/models"
)

// ErrClosed is returned by operations on a closed feed.
var ErrClosed = errors.New("change feed closed")

const (
	metadataTable = "table"
	metadataOp    = "op"
	metadataKey   = "key"
)

// Predicate filters changes delivered to a subscriber. A nil predicate
// accepts everything.
type Predicate func(models.RowChange) bool

// Feed publishes and subscribes to row changes.
type Feed struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	prefix     string
	// shared is set when one value implements both sides.
	shared bool

	mu     sync.Mutex
	closed bool
}

// NewInProcessFeed returns a feed backed by watermill's gochannel pub/sub.
// Delivery is fan-out to every subscriber present at publish time.
func NewInProcessFeed() *Feed {
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, logging.NewWatermillAdapter("change-feed"))
	return &Feed{publisher: pubSub, subscriber: pubSub, shared: true}
}

// NewNATSFeed returns a feed over core NATS at url. Topics are prefixed with
// cfg.SubjectPrefix. No queue group is used: every instance receives every
// change.
func NewNATSFeed(url string, cfg config.NATSConfig) (*Feed, error) {
	logger := logging.NewWatermillAdapter("change-feed")
	natsOpts := []nats.Option{
		nats.Name("convoy-change-feed"),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(reconnectWait(cfg)),
	}

	publisher, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create change feed publisher: %w", err)
	}

	subscriber, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              url,
		SubscribersCount: 1,
		AckWaitTimeout:   30 * time.Second,
		CloseTimeout:     10 * time.Second,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream:        wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return nil, fmt.Errorf("create change feed subscriber: %w", err)
	}

	logging.Info().Str("url", logging.RedactURL(url)).Msg("Change feed using NATS transport")
	return &Feed{publisher: publisher, subscriber: subscriber, prefix: cfg.SubjectPrefix}, nil
}

func reconnectWait(cfg config.NATSConfig) time.Duration {
	if cfg.ReconnectWait > 0 {
		return cfg.ReconnectWait
	}
	return time.Second
}

// Topic returns the topic carrying changes of table.
func (f *Feed) Topic(table string) string {
	if f.prefix == "" {
		return "changes." + table
	}
	return f.prefix + ".changes." + table
}

// PublishChange sends change to every subscriber of its table.
func (f *Feed) PublishChange(ctx context.Context, change models.RowChange) error {
	if f.isClosed() {
		return ErrClosed
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode row change: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataTable, change.Table)
	msg.Metadata.Set(metadataOp, string(change.Op))
	msg.Metadata.Set(metadataKey, change.Key)
	msg.SetContext(ctx)
	if id := logging.CorrelationIDFromContext(ctx); id != "" {
		msg.Metadata.Set("correlation_id", id)
	}

	if err := f.publisher.Publish(f.Topic(change.Table), msg); err != nil {
		return fmt.Errorf("publish %s change: %w", change.Table, err)
	}
	metrics.ChangeFeedEvents.WithLabelValues(change.Table, string(change.Op)).Inc()
	return nil
}

// Subscribe delivers changes of table that satisfy match until ctx ends, at
// which point the returned channel is closed. Undecodable messages are
// acknowledged and skipped.
func (f *Feed) Subscribe(ctx context.Context, table string, match Predicate) (<-chan models.RowChange, error) {
	if f.isClosed() {
		return nil, ErrClosed
	}
	messages, err := f.subscriber.Subscribe(ctx, f.Topic(table))
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s changes: %w", table, err)
	}

	out := make(chan models.RowChange, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var change models.RowChange
				if err := json.Unmarshal(msg.Payload, &change); err != nil {
					logging.Warn().Err(err).Str("table", table).Str("message_id", msg.UUID).
						Msg("Dropping undecodable row change")
					msg.Ack()
					continue
				}
				msg.Ack()
				if match != nil && !match(change) {
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *Feed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Close stops the transport. Subscriber channels close as their goroutines
// observe the end of the message stream.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	var errs []error
	if err := f.publisher.Close(); err != nil {
		errs = append(errs, err)
	}
	if !f.shared {
		if err := f.subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
