package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/protocol"
)

const writeTimeout = 10 * time.Second

// errSlowConsumer ends a connection whose outbound frames piled up past
// the policy's maxBufferedBytes.
var errSlowConsumer = errors.New("outbound buffer limit exceeded")

// conn is one accepted client connection after upgrade. Writes are
// serialized with a mutex; gorilla allows at most one concurrent writer.
type conn struct {
	ws     *websocket.Conn
	connID string

	// Set once the handshake completes
	clientID  string
	role      string
	effective Effective

	// Policy.MaxBufferedBytes; 0 disables the cap
	maxBuffered int64
	buffered    int64

	writeMu sync.Mutex
	closed  bool
}

// ConnID implements Sink
func (c *conn) ConnID() string {
	return c.connID
}

// SendEvent implements Sink
func (c *conn) SendEvent(ev *protocol.Event) error {
	return c.writeFrame(ev)
}

func (c *conn) sendResult(id string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.writeFrame(protocol.NewResponse(id, body))
}

func (c *conn) sendError(id, code, message string) error {
	return c.writeFrame(protocol.NewErrorResponse(id, code, message))
}

func (c *conn) writeFrame(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	// Frames waiting on the write mutex count against the buffer cap; a
	// consumer that cannot drain its socket is dropped rather than
	// stalling every broadcaster behind it.
	size := int64(len(data))
	if c.maxBuffered > 0 {
		if atomic.AddInt64(&c.buffered, size) > c.maxBuffered {
			atomic.AddInt64(&c.buffered, -size)
			L_warn("gateway: dropping slow consumer", "conn", c.connID, "client", c.clientID)
			go c.close(websocket.ClosePolicyViolation, "outbound buffer exceeded")
			return errSlowConsumer
		}
	}
	defer atomic.AddInt64(&c.buffered, -size)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// close sends a close frame (best effort) and tears the socket down
func (c *conn) close(code int, reason string) {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	if err := c.ws.WriteMessage(websocket.CloseMessage, msg); err != nil {
		L_trace("gateway: close frame write failed", "conn", c.connID, "error", err)
	}
	c.writeMu.Unlock()
	c.ws.Close()
}
