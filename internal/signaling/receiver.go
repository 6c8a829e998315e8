package signaling

import (
	"github.com/gorilla/websocket"

	"github.com/1ureka/roomlink/internal/protocol"
	"github.com/1ureka/roomlink/internal/util"
)

// serve reads frames until the connection fails and returns that error.
// Each frame is decoded, filtered, then dispatched.
func (c *Client) serve(conn *websocket.Conn) error {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		util.Stats.AddFrameIn()

		msg, err := protocol.Decode(data)
		if err != nil {
			util.LogWarning("signaling: %v", err)
			continue
		}
		if c.opts.Filter != nil && !c.opts.Filter(msg) {
			continue
		}
		c.dispatcher.Dispatch(msg)
	}
}
