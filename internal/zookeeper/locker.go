package zookeeper

import (
	"context"
	"time"

	zlog "github.com/rs/zerolog/log"
)

// Locker 以 ZooKeeper 分布式锁实现按 key 加锁，多实例部署时保证同一规格串行。
type Locker struct {
	conn    *Conn
	timeout time.Duration
}

func NewLocker(conn *Conn, timeout time.Duration) *Locker {
	return &Locker{conn: conn, timeout: timeout}
}

func (z *Locker) Lock(ctx context.Context, key string) (func(), error) {
	lock, err := NewDistributedLock(z.conn, key)
	if err != nil {
		return nil, err
	}
	if err := lock.Lock(ctx, z.timeout); err != nil {
		return nil, err
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			zlog.Error().Err(err).Str("key", key).Msg("failed to release zookeeper lock")
		}
	}, nil
}
