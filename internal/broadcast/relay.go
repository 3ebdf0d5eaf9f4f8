package broadcast

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/kailas-cloud/tokenguard/internal/db"
	"github.com/kailas-cloud/tokenguard/internal/domain"
)

const channelPrefix = domain.KeyPrefix + "signal:"

// pubSub is the consumer interface for Redis channels (ISP).
type pubSub interface {
	Publish(ctx context.Context, channel, payload string) error
	PSubscribe(ctx context.Context, pattern string, fn func(db.Message)) error
}

// RedisRelay spreads signals across processes: Notify publishes to Redis and
// Run fans received messages out into the local hub. The origin travels as
// the message payload.
type RedisRelay struct {
	ps     pubSub
	local  *Hub
	logger *zap.Logger
}

// NewRedisRelay creates a relay over ps delivering into local.
func NewRedisRelay(ps pubSub, local *Hub, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{ps: ps, local: local, logger: logger}
}

// Notify publishes a signal for topic. If the publish fails, only local
// subscribers are notified.
func (r *RedisRelay) Notify(topic, origin string) {
	if err := r.ps.Publish(context.Background(), channelPrefix+topic, origin); err != nil {
		r.logger.Warn("Signal publish failed, notifying locally",
			zap.String("topic", topic),
			zap.Error(err),
		)
		r.local.Notify(topic, origin)
	}
}

// Subscribe registers fn for topic on the local hub.
func (r *RedisRelay) Subscribe(topic, origin string, fn func()) (unsubscribe func()) {
	return r.local.Subscribe(topic, origin, fn)
}

// Run relays Redis signals into the local hub until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	r.logger.Info("Signal relay started", zap.String("pattern", channelPrefix+"*"))
	return r.ps.PSubscribe(ctx, channelPrefix+"*", func(msg db.Message) {
		topic := strings.TrimPrefix(msg.Channel, channelPrefix)
		if topic == "" || topic == msg.Channel {
			return
		}
		r.local.Notify(topic, msg.Payload)
	})
}
