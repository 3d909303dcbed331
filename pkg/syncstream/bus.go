package syncstream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// TopicTriggers carries UI lifecycle events that should trigger a pull:
	// window focus, network coming back online, page becoming visible.
	TopicTriggers = "sync.trigger"
	// TopicStatus carries sync outcome events for status indicators.
	TopicStatus = "sync.status"
)

// TriggerKind identifies a pull trigger published by the embedding UI.
type TriggerKind string

const (
	TriggerFocus   TriggerKind = "focus"
	TriggerOnline  TriggerKind = "online"
	TriggerOffline TriggerKind = "offline"
	TriggerVisible TriggerKind = "visible"
)

// Trigger is the payload on TopicTriggers.
type Trigger struct {
	Kind TriggerKind `json:"kind"`
	AtMs int64       `json:"atMs"`
}

// StatusEvent is the payload on TopicStatus.
type StatusEvent struct {
	Kind   string `json:"kind"` // pushed, pulled, error
	ConvID string `json:"convId,omitempty"`
	AtMs   int64  `json:"atMs"`
	Error  string `json:"error,omitempty"`
}

// Settings holds the Redis Streams transport configuration. When disabled,
// the bus runs on an in-process gochannel pubsub.
type Settings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

// Bus is the trigger/status event bus between the embedding UI and the sync
// coordinator.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	logger zerolog.Logger
}

// NewBus constructs a bus backed by Redis Streams when enabled, falling
// back to an in-memory gochannel pubsub otherwise.
func NewBus(s Settings, logger zerolog.Logger) (*Bus, error) {
	wmLogger := newWatermillLogger(logger)

	if !s.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, wmLogger)
		return &Bus{pub: ch, sub: ch, logger: logger}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wmLogger)
	if err != nil {
		return nil, errors.Wrap(err, "syncstream: build redis publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, wmLogger)
	if err != nil {
		return nil, errors.Wrap(err, "syncstream: build redis subscriber")
	}
	return &Bus{pub: pub, sub: sub, logger: logger}, nil
}

func (b *Bus) PublishTrigger(kind TriggerKind) error {
	if b == nil || b.pub == nil {
		return errors.New("syncstream: nil bus")
	}
	payload, err := json.Marshal(Trigger{Kind: kind, AtMs: time.Now().UnixMilli()})
	if err != nil {
		return errors.Wrap(err, "syncstream: marshal trigger")
	}
	return b.pub.Publish(TopicTriggers, message.NewMessage(watermill.NewUUID(), payload))
}

func (b *Bus) PublishStatus(ev StatusEvent) error {
	if b == nil || b.pub == nil {
		return errors.New("syncstream: nil bus")
	}
	if ev.AtMs == 0 {
		ev.AtMs = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "syncstream: marshal status event")
	}
	return b.pub.Publish(TopicStatus, message.NewMessage(watermill.NewUUID(), payload))
}

// SubscribeTriggers returns a channel of decoded triggers. Messages that
// fail to decode are acked and dropped. The channel closes when ctx is done.
func (b *Bus) SubscribeTriggers(ctx context.Context) (<-chan Trigger, error) {
	if b == nil || b.sub == nil {
		return nil, errors.New("syncstream: nil bus")
	}
	msgs, err := b.sub.Subscribe(ctx, TopicTriggers)
	if err != nil {
		return nil, errors.Wrap(err, "syncstream: subscribe triggers")
	}
	out := make(chan Trigger)
	go func() {
		defer close(out)
		for msg := range msgs {
			var trig Trigger
			if err := json.Unmarshal(msg.Payload, &trig); err != nil {
				b.logger.Warn().Err(err).Str("message_id", msg.UUID).Msg("dropping malformed sync trigger")
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- trig:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var firstErr error
	if b.pub != nil {
		if err := b.pub.Close(); err != nil {
			firstErr = err
		}
	}
	if b.sub != nil {
		// With gochannel pub and sub are the same object; Close is idempotent.
		if err := b.sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
