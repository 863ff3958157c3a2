package policy

import (
	"errors"

	"github.com/go-redis/redis/v8"
)

// redisPubSub is the slice of *redis.PubSub the invalidation loop uses.
type redisPubSub interface {
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

// isRedisMiss reports whether err is a plain cache miss rather than a
// connectivity or protocol failure.
func isRedisMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}
