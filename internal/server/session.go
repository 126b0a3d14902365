package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aristosando/tabcarbon/internal/aggregation"
)

const writeWait = 10 * time.Second

// Session is the server side of one connected client. Frames are read by a
// single goroutine, so lastFrame and seen need no locking; writes are serialized.
type Session struct {
	ClientID    string
	Aggregation *aggregation.Service

	conn      *websocket.Conn
	writeMu   sync.Mutex
	lastFrame string
	seen      bool
	closeOnce sync.Once
}

func newSession(clientID string, conn *websocket.Conn, agg *aggregation.Service) *Session {
	return &Session{ClientID: clientID, Aggregation: agg, conn: conn}
}

// duplicate reports whether frame repeats the previous frame verbatim, and
// remembers it otherwise.
func (s *Session) duplicate(frame string) bool {
	if s.seen && frame == s.lastFrame {
		return true
	}
	s.lastFrame = frame
	s.seen = true
	return false
}

func (s *Session) writeText(text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.writeText(string(data))
}

// close sends a close frame with code and reason, then drops the connection.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		s.writeMu.Unlock()

		_ = s.conn.Close()
	})
}
