package broadcast

// NewTestClient 建立不帶連線的 Client 並註冊到 Hub
func NewTestClient(h *Hub, channel string) (*Client, bool) {
	c := &Client{Channel: channel, send: make(chan []byte, sendBuffer), hub: h}
	return c, h.register(c)
}

// HandleMessage 處理一則客戶端訊息
func (c *Client) HandleMessage(message []byte) { c.handleMessage(message) }

// Pending 送出緩衝中尚未寫出的訊息數
func (c *Client) Pending() int { return len(c.send) }
