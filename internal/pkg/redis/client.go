// internal/pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Client 封装了 go-redis 的 UniversalClient，并管理预加载的 Lua 脚本。
// 单个地址时是普通客户端，多个地址时是集群客户端。
type Client struct {
	client  redis.UniversalClient
	scripts map[string]*redis.Script
	mu      sync.RWMutex
}

// NewClient 连接 redis，addrs 格式为 "host1:port1,host2:port2"。
func NewClient(addrs string) (*Client, error) {
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: strings.Split(addrs, ","),
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addrs, err)
	}
	return &Client{
		client:  rdb,
		scripts: make(map[string]*redis.Script),
	}, nil
}

// LoadScriptFromContent 注册一段 Lua 脚本并预先 SCRIPT LOAD。
func (c *Client) LoadScriptFromContent(name, src string) error {
	script := redis.NewScript(src)
	if err := script.Load(context.Background(), c.client).Err(); err != nil {
		return fmt.Errorf("failed to load script %q: %w", name, err)
	}
	c.mu.Lock()
	c.scripts[name] = script
	c.mu.Unlock()
	return nil
}

// RunScript 执行已注册的脚本，EVALSHA 未命中时自动回退到 EVAL。
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("script %q is not loaded", name)
	}
	return script.Run(ctx, c.client, keys, args...).Result()
}

// GetClient 返回底层客户端，用于 pipeline、WATCH 等高级操作。
func (c *Client) GetClient() redis.UniversalClient {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}
