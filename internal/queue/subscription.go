package queue

import (
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/trendpipe/backend/internal/logger"
)

// Subscription delivers completed, failed and progress events of one queue to
// the real-time notification bridge
type Subscription struct {
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
}

// Channel decodes events until Close. Malformed payloads are dropped.
func (s *Subscription) Channel() <-chan Event {
	events := make(chan Event)

	log := logger.Component("queue")
	go func() {
		defer close(events)
		for msg := range s.ch {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed job event")
				continue
			}
			events <- ev
		}
	}()

	return events
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
