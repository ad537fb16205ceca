package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	zlog "github.com/rs/zerolog/log"
)

const (
	lockRoot = "/distributed_locks" // 所有分布式锁的根节点
)

var ErrLockTimeout = errors.New("timeout waiting for lock")

// DistributedLock 定义了一个分布式锁对象
type DistributedLock struct {
	conn     *Conn  // ZooKeeper连接
	path     string // 锁的路径，例如 /distributed_locks/variant-123
	lockNode string // 成功获取锁后，自己创建的节点路径
}

// NewDistributedLock 创建一个新的分布式锁实例，并确保锁路径存在
func NewDistributedLock(conn *Conn, resourceID string) (*DistributedLock, error) {
	lockPath := LockPath(resourceID)
	for _, p := range []string{lockRoot, lockPath} {
		if err := ensureNode(conn, p); err != nil {
			return nil, err
		}
	}
	return &DistributedLock{
		conn: conn,
		path: lockPath,
	}, nil
}

// LockPath 返回资源对应的锁路径，资源 ID 中的 '/' 会被替换。
func LockPath(resourceID string) string {
	return lockRoot + "/" + strings.ReplaceAll(resourceID, "/", "_")
}

func ensureNode(conn *Conn, path string) error {
	exists, _, err := conn.Exists(path)
	if err != nil {
		return fmt.Errorf("failed to check lock node %s: %w", path, err)
	}
	if exists {
		return nil
	}
	_, err = conn.Create(path, []byte(""), 0, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("failed to create lock node %s: %w", path, err)
	}
	return nil
}

// Lock 尝试获取锁，获取不到则阻塞等待，直到 timeout 或 ctx 结束
func (l *DistributedLock) Lock(ctx context.Context, timeout time.Duration) error {
	// 在锁路径下创建一个临时顺序节点: /distributed_locks/resourceID/lock-
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return fmt.Errorf("failed to create sequential node: %w", err)
	}
	l.lockNode = nodePath

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		children, _, err := l.conn.Children(l.path)
		if err != nil {
			l.abandon()
			return fmt.Errorf("failed to get children nodes: %w", err)
		}
		sortBySequence(children)

		myNodeName := strings.TrimPrefix(l.lockNode, l.path+"/")
		prev := previousNode(children, myNodeName)
		if prev == "" {
			return nil
		}

		// 监听前一个节点，它被删除时重新竞争
		exists, _, eventChan, err := l.conn.ExistsW(l.path + "/" + prev)
		if err != nil {
			l.abandon()
			return fmt.Errorf("failed to watch previous node: %w", err)
		}
		if !exists {
			continue
		}

		select {
		case <-eventChan:
		case <-deadline.C:
			l.abandon()
			return ErrLockTimeout
		case <-ctx.Done():
			l.abandon()
			return ctx.Err()
		}
	}
}

// Unlock 释放锁
func (l *DistributedLock) Unlock() error {
	if l.lockNode == "" {
		return errors.New("no lock to unlock")
	}
	err := l.conn.Delete(l.lockNode, -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("failed to delete lock node: %w", err)
	}
	l.lockNode = ""
	return nil
}

func (l *DistributedLock) abandon() {
	if err := l.Unlock(); err != nil {
		zlog.Warn().Err(err).Str("path", l.path).Msg("failed to remove abandoned lock node")
	}
}

// previousNode 返回排在 me 前面的节点名，me 是最小节点时返回空串。
func previousNode(sorted []string, me string) string {
	for i, child := range sorted {
		if child == me {
			if i == 0 {
				return ""
			}
			return sorted[i-1]
		}
	}
	// 找不到自己时退化为监听最后一个节点
	if len(sorted) == 0 {
		return ""
	}
	return sorted[len(sorted)-1]
}

// sortBySequence 按顺序号排序。受保护节点带有随机 GUID 前缀，不能直接按字符串排序。
func sortBySequence(children []string) {
	sort.Slice(children, func(i, j int) bool {
		return sequenceOf(children[i]) < sequenceOf(children[j])
	})
}

func sequenceOf(node string) string {
	if len(node) < 10 {
		return node
	}
	return node[len(node)-10:]
}
