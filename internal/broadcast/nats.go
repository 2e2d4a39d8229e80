package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS 將房間事件發布到 NATS 主題
//
// 主題格式：<prefix>.<channel>，例如 arena.room-3f2a...；
// 其他服務（排行榜、統計）可以用 <prefix>.> 訂閱所有房間事件。
type NATS struct {
	conn   *nats.Conn
	prefix string
}

// ConnectNATS 連接 NATS
//
// 選項：
//   - MaxReconnects(-1)：無限重連
//   - ReconnectWait：重連間隔
//   - PingInterval(20s)：心跳檢測
func ConnectNATS(url string, reconnectWait time.Duration, logger *slog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("math-arena"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

// NewNATS 創建 NATS 廣播器
func NewNATS(conn *nats.Conn, prefix string) *NATS {
	return &NATS{conn: conn, prefix: prefix}
}

// Subject 頻道對應的主題
func (n *NATS) Subject(channel string) string {
	if n.prefix == "" {
		return channel
	}
	return n.prefix + "." + channel
}

// Trigger 實現 Broadcaster
func (n *NATS) Trigger(ctx context.Context, channel, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := NewMessage(channel, event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	if err := n.conn.Publish(n.Subject(channel), data); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}
