package signaling

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/roomlink/internal/protocol"
	"github.com/1ureka/roomlink/internal/util"
)

// Send writes msg to the open connection. Messages sent while disconnected
// or reconnecting are dropped and ErrNotConnected is returned.
func (c *Client) Send(msg *protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		util.LogDebug("[%s] signaling not open, dropped", msg.Type)
		return ErrNotConnected
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		util.LogWarning("[%s] signaling write failed: %v", msg.Type, err)
		return err
	}
	util.Stats.AddFrameOut()
	return nil
}
