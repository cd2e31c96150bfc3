// Package wsdebug provides a transport.Sink backed by a WebSocket
// connection, used to observe the raw PDU stream from a browser-based
// debug client without needing a real RDP client attached.
package wsdebug

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Sink wraps a *websocket.Conn as a transport.Sink, serialising writes
// since gorilla/websocket forbids concurrent writers on one connection.
type Sink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// New wraps conn.
func New(conn *websocket.Conn) *Sink {
	return &Sink{conn: conn}
}

// Write implements transport.Sink, sending p as one binary WebSocket
// message.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, fmt.Errorf("wsdebug: write: %w", err)
	}
	return len(p), nil
}

// Close closes the underlying connection.
func (s *Sink) Close() error {
	return s.conn.Close()
}
