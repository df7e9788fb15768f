package server

import (
	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla websocket connection to control.Conn.
type wsConn struct {
	*websocket.Conn
}

func (c wsConn) ReadJSON(v interface{}) error  { return c.Conn.ReadJSON(v) }
func (c wsConn) WriteJSON(v interface{}) error { return c.Conn.WriteJSON(v) }
func (c wsConn) Close() error                  { return c.Conn.Close() }

// wsFrameSource adapts a gorilla websocket connection to
// ptyrouter.FrameSource, discarding the message-type int ReadMessage
// returns since the pool protocol is binary-only.
type wsFrameSource struct {
	*websocket.Conn
}

func (f wsFrameSource) ReadFrame() ([]byte, error) {
	_, data, err := f.Conn.ReadMessage()
	return data, err
}
