package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client calls the server over its websocket endpoint.
type Client struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	nextID int64
}

// Dial connects to a websocket URL such as ws://localhost:8765/websocket.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

// Call sends one request and waits for its response, skipping
// notifications. Calls on one client are serialised.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	req := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"id":      id,
	}
	if params != nil {
		req["params"] = params
	}
	if err := c.conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	if d, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(d)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	for {
		var resp struct {
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *jsonRPCError   `json:"error"`
			ID     *int64          `json:"id"`
		}
		if err := c.conn.ReadJSON(&resp); err != nil {
			return nil, fmt.Errorf("read %s response: %w", method, err)
		}
		if resp.Method != "" || resp.ID == nil || *resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}
