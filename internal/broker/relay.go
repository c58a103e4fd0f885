package broker

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const relayChannelPrefix = "meetchat:room:"

// Relay carries published messages between broker instances. Every instance
// delivers what it receives from the relay to its own subscribers.
type Relay interface {
	Publish(ctx context.Context, roomID int64, payload []byte) error
	Run(ctx context.Context, deliver func(roomID int64, payload []byte)) error
	Close() error
}

// RedisRelay fans messages out through Redis pub/sub, one channel per room.
type RedisRelay struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisRelay(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisRelay, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("connected to redis relay", zap.String("addr", opt.Addr))
	return &RedisRelay{rdb: rdb, logger: logger}, nil
}

func (r *RedisRelay) Publish(ctx context.Context, roomID int64, payload []byte) error {
	return r.rdb.Publish(ctx, relayChannel(roomID), payload).Err()
}

// Run listens on every room channel until ctx is done.
func (r *RedisRelay) Run(ctx context.Context, deliver func(roomID int64, payload []byte)) error {
	pubsub := r.rdb.PSubscribe(ctx, relayChannelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	r.logger.Info("redis relay subscribed", zap.String("pattern", relayChannelPrefix+"*"))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			roomID, ok := roomFromChannel(msg.Channel)
			if !ok {
				r.logger.Warn("relay message on unexpected channel", zap.String("channel", msg.Channel))
				continue
			}
			deliver(roomID, []byte(msg.Payload))
		}
	}
}

func (r *RedisRelay) Close() error {
	return r.rdb.Close()
}

func relayChannel(roomID int64) string {
	return relayChannelPrefix + strconv.FormatInt(roomID, 10)
}

func roomFromChannel(channel string) (int64, bool) {
	raw, ok := strings.CutPrefix(channel, relayChannelPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	return id, err == nil && id > 0
}
