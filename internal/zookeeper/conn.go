package zookeeper

import (
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
	zlog "github.com/rs/zerolog/log"
)

// Conn 包装了 ZooKeeper 连接
type Conn struct {
	*zk.Conn
}

// Connect 连接 ZooKeeper 集群并等待会话建立。
func Connect(servers []string, sessionTimeout time.Duration) (*Conn, error) {
	c, events, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}

	deadline := time.After(sessionTimeout)
	for {
		select {
		case ev := <-events:
			if ev.State == zk.StateHasSession {
				zlog.Info().Strs("servers", servers).Msg("✅ Connected to ZooKeeper.")
				go drain(events)
				return &Conn{Conn: c}, nil
			}
		case <-deadline:
			c.Close()
			return nil, fmt.Errorf("timed out establishing zookeeper session with %v", servers)
		}
	}
}

// drain 持续消费会话事件，避免 zk 客户端内部阻塞。
func drain(events <-chan zk.Event) {
	for ev := range events {
		if ev.State == zk.StateExpired || ev.State == zk.StateDisconnected {
			zlog.Warn().Str("state", ev.State.String()).Msg("zookeeper session state changed")
		}
	}
}
