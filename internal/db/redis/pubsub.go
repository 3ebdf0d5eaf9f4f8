package redis

import (
	"context"
	"errors"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/tokenguard/internal/db"
)

// Publish sends payload to channel. Delivery is fire-and-forget.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	cmd := s.b().Publish().Channel(channel).Message(payload).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		return &db.Error{Op: db.OpPublish, Err: err}
	}
	return nil
}

// PSubscribe blocks until ctx is done, calling fn for each message on a channel matching pattern.
func (s *Store) PSubscribe(ctx context.Context, pattern string, fn func(db.Message)) error {
	cmd := s.b().Psubscribe().Pattern(pattern).Build()
	err := s.client.Receive(ctx, cmd, func(msg rueidis.PubSubMessage) {
		fn(db.Message{Channel: msg.Channel, Payload: msg.Message})
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return &db.Error{Op: db.OpPSubscribe, Err: err}
	}
	return nil
}
