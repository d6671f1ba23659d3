package queue

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Subscriber relays Redis pub/sub messages to a callback. The execution
// bot uses it to react to ranking publications ahead of its own cadence.
type Subscriber struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewSubscriber(rdb *redis.Client, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		rdb: rdb,
		log: log.With().Str("component", "subscriber").Logger(),
	}
}

// Listen blocks delivering channel payloads to onMessage until ctx ends.
// Callback panics are contained so a bad payload cannot kill the loop.
func (s *Subscriber) Listen(ctx context.Context, channel string, onMessage func(payload []byte)) error {
	sub := s.rdb.Subscribe(ctx, channel)
	defer sub.Close()

	// Force the subscription before consuming so failures surface here
	// instead of as a silent empty channel.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	s.log.Info().Str("channel", channel).Msg("Subscribed")
	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			s.deliver(onMessage, []byte(msg.Payload))
		}
	}
}

func (s *Subscriber) deliver(onMessage func(payload []byte), payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("Subscriber callback panicked")
		}
	}()
	onMessage(payload)
}
