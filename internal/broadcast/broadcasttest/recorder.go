// Package broadcasttest 提供記錄推送內容的 Broadcaster，供其他套件的測試斷言事件順序。
package broadcasttest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/koopa0/system-design/14-math-arena/internal/broadcast"
)

// Recorder 記錄所有推送
type Recorder struct {
	mu       sync.Mutex
	messages []broadcast.Message
	err      error
}

// NewRecorder 創建 Recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith 之後的推送都返回 err（訊息仍會被記錄）
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Trigger 實現 broadcast.Broadcaster
func (r *Recorder) Trigger(_ context.Context, channel, event string, payload any) error {
	msg, err := broadcast.NewMessage(channel, event, payload)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return r.err
}

// Messages 所有已記錄的訊息
func (r *Recorder) Messages() []broadcast.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]broadcast.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Events 某頻道的事件名稱（依推送順序）
func (r *Recorder) Events(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []string
	for _, m := range r.messages {
		if m.Channel == channel {
			events = append(events, m.Event)
		}
	}
	return events
}

// Last 某頻道最後一則指定事件的 payload 解碼到 v
func (r *Recorder) Last(channel, event string, v any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.messages) - 1; i >= 0; i-- {
		m := r.messages[i]
		if m.Channel == channel && m.Event == event {
			return json.Unmarshal(m.Data, v) == nil
		}
	}
	return false
}

// Reset 清空記錄
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}
