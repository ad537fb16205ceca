// Package ws 把库存变更事件实时推送给浏览器和商品详情页。
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	zlog "github.com/rs/zerolog/log"

	"nexus-stock/internal/service/inventory/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 256
)

var ErrHubClosed = errors.New("ws hub is closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { // 简化处理，允许所有跨域
		return true
	},
}

// Hub 维护所有活跃的连接，并按订阅的规格过滤广播。
// Hub 同时实现了 port.StockEventPublisher，可以直接挂到引擎上。
type Hub struct {
	nodeID     string
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan *domain.StockChanged
	done       chan struct{}

	mu    sync.RWMutex
	count int
}

func NewHub(nodeID string) *Hub {
	return &Hub{
		nodeID:     nodeID,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *domain.StockChanged, 1024),
		done:       make(chan struct{}),
	}
}

// Run 处理注册、注销和广播，直到 ctx 结束。退出时断开所有连接。
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for client := range h.clients {
			h.remove(client)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.setCount(len(h.clients))
			zlog.Debug().Str("node_id", h.nodeID).Strs("variant_ids", client.variantIDs()).Msg("stock subscriber registered")
		case client := <-h.unregister:
			h.remove(client)
		case event := <-h.broadcast:
			h.fanout(event)
		}
	}
}

func (h *Hub) fanout(event *domain.StockChanged) {
	message, err := json.Marshal(event)
	if err != nil {
		zlog.Error().Err(err).Str("event_id", event.EventID).Msg("failed to marshal stock event for websocket")
		return
	}
	for client := range h.clients {
		if !client.wants(event.VariantID) {
			continue
		}
		select {
		case client.send <- message:
		default:
			// 消费太慢的连接直接断开，由客户端重连
			zlog.Warn().Str("node_id", h.nodeID).Msg("stock subscriber too slow, disconnecting")
			h.remove(client)
		}
	}
}

func (h *Hub) remove(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.setCount(len(h.clients))
	}
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// ClientCount 返回当前连接数。
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// PublishStockChanged 把事件交给广播循环，不等待写入各个连接。
func (h *Hub) PublishStockChanged(ctx context.Context, event *domain.StockChanged) error {
	select {
	case h.broadcast <- event:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeWs 升级连接。variantIds 为逗号分隔的规格列表，为空时订阅全部规格。
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	subscriptions := make(map[string]struct{})
	for _, id := range strings.Split(r.URL.Query().Get("variantIds"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			subscriptions[id] = struct{}{}
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zlog.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize), subscriptions: subscriptions}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
