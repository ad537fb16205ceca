package port

import "context"

// Locker 是按规格 ID 加互斥锁的出站端口。
// 不同 key 之间互不阻塞；等待有上限，超时返回 domain.ErrContentionTimeout。
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
