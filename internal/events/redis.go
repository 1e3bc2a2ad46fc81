package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisSink mirrors every published event onto a Redis channel so external
// consumers (dashboards, other services) can follow the scheduler live.
// Publish failures are logged and dropped, never propagated.
type RedisSink struct {
	rdb     *redis.Client
	channel string
}

type redisEnvelope struct {
	Event   string  `json:"event"`
	Payload Payload `json:"payload"`
}

func NewRedisSink(rdb *redis.Client, channel string) *RedisSink {
	return &RedisSink{rdb: rdb, channel: channel}
}

// Attach subscribes the sink to all events on the given notifier.
func (s *RedisSink) Attach(n Notifier) {
	n.Subscribe(Wildcard, s.handle)
}

func (s *RedisSink) handle(event string, payload Payload) {
	data, err := json.Marshal(redisEnvelope{Event: event, Payload: payload})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("redis sink marshal")
		return
	}
	if err := s.rdb.Publish(context.Background(), s.channel, data).Err(); err != nil {
		log.Error().Err(err).Str("event", event).Msg("redis sink publish")
	}
}
