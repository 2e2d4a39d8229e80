package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 心跳參數
//
//	writePump 每 54s 送 Ping → readPump 60s 內沒收到任何訊息（含 Pong）就斷線
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Hub WebSocket 訂閱中心
//
// 系統設計考量：
//
//  1. 訂閱映射：map[channel]map[*Client]struct{}
//     - 以頻道為單位廣播（room-<id> / quickmatch-<id>）
//     - 同一玩家可以開多個分頁，各自是獨立的 Client
//
//  2. 並發安全：RWMutex
//     - 廣播頻繁（讀鎖），連線/斷線少（寫鎖）
//
//  3. 慢客戶端：
//     - 每個 Client 有 256 則緩衝，滿了就丟棄該訊息，不拖累整個房間
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	clients  map[string]map[*Client]struct{} // channel -> clients
	mu       sync.RWMutex
	closed   bool
}

// Client 單一 WebSocket 連線
type Client struct {
	Channel   string
	PlayerID  string
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	closeOnce sync.Once
}

// NewHub 創建 Hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger.With("component", "ws-hub"),
		upgrader: websocket.Upgrader{
			// 來源檢查交給 CORS 中介層的設定
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[string]map[*Client]struct{}),
	}
}

// ServeWS 處理 GET /ws/{channel}?playerId=...
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	if !ValidChannel(channel) {
		http.Error(w, "invalid channel", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		Channel:  channel,
		PlayerID: r.URL.Query().Get("playerId"),
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		hub:      h,
	}
	if !h.register(c) {
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()

	h.logger.Debug("websocket subscribed", "channel", channel, "player_id", c.PlayerID)
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	if h.clients[c.Channel] == nil {
		h.clients[c.Channel] = make(map[*Client]struct{})
	}
	h.clients[c.Channel][c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.clients[c.Channel]
	if !ok {
		return
	}
	if _, ok := subs[c]; ok {
		delete(subs, c)
		c.closeSend()
		if len(subs) == 0 {
			delete(h.clients, c.Channel)
		}
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// Trigger 實現 Broadcaster：推送給頻道內所有連線
func (h *Hub) Trigger(_ context.Context, channel, event string, payload any) error {
	msg, err := NewMessage(channel, event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[channel] {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("client send buffer full, message dropped",
				"channel", channel,
				"player_id", c.PlayerID,
				"event", event)
		}
	}
	return nil
}

// deliver 送給單一連線
//
// send 只會在寫鎖下關閉，持有讀鎖且仍在訂閱表中時送出才安全；
// 已取消訂閱或 Hub 已停止時直接丟棄。
func (h *Hub) deliver(c *Client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.clients[c.Channel][c]; !ok {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Subscribers 各頻道的連線數
func (h *Hub) Subscribers() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]int, len(h.clients))
	for ch, subs := range h.clients {
		out[ch] = len(subs)
	}
	return out
}

// Stop 關閉所有連線
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for _, subs := range h.clients {
		for c := range subs {
			c.closeSend()
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.logger.Info("websocket hub stopped")
}

// readPump 讀取客戶端訊息（只處理心跳），連線結束時取消訂閱
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err, "channel", c.Channel)
			}
			return
		}
		c.handleMessage(message)
	}
}

// handleMessage 應用層 ping（部分瀏覽器環境無法送控制幀）
func (c *Client) handleMessage(message []byte) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &msg); err != nil || msg.Type != "ping" {
		return
	}
	c.hub.deliver(c, []byte(`{"type":"pong"}`))
}

// writePump 寫入訊息並定期送 Ping
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 關閉了通道
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
