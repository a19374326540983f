package ws

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn is one open transport connection to the gateway.
type Conn interface {
	// ReadMessage blocks until the next text frame arrives. Any error means
	// the connection is gone.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	Close() error
}

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// GobwasDialer dials the gateway with gobwas/ws.
type GobwasDialer struct {
	WriteTimeout time.Duration
}

// Dial performs the WebSocket handshake against url.
func (d GobwasDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("ws: dial: %w", err)
	}

	c := &connection{
		conn:         conn,
		reader:       conn,
		writeTimeout: d.WriteTimeout,
	}
	// Bytes the server sent right after the handshake are buffered in br.
	if br != nil {
		c.reader = br
	}
	return c, nil
}

// connection wraps a client-side net.Conn with a write mutex for serializing
// outbound frames, including control replies produced while reading.
type connection struct {
	conn         net.Conn
	reader       io.Reader
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func (c *connection) ReadMessage() ([]byte, error) {
	rw := struct {
		io.Reader
		io.Writer
	}{c.reader, lockedWriter{mu: &c.writeMu, w: c.conn}}
	return wsutil.ReadServerText(rw)
}

func (c *connection) WriteMessage(data []byte) error {
	return c.write(ws.OpText, data)
}

// Ping sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *connection) Ping() error {
	return c.write(ws.OpPing, nil)
}

// Close sends a normal closure frame on a best-effort basis and closes the
// underlying network connection. It is safe to call multiple times.
func (c *connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.write(ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		err = c.conn.Close()
	})
	return err
}

func (c *connection) write(op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return wsutil.WriteClientMessage(c.conn, op, data)
}

// lockedWriter serializes pong and close replies written by the frame reader
// with application writes. Each control reply is emitted as a single Write.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
