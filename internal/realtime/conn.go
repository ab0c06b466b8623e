package realtime

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// conn is one established WebSocket connection to the server. Writes are
// serialized by writeMu so that pings, pongs and application frames never
// interleave.
type conn struct {
	nc           net.Conn
	src          io.Reader
	writeTimeout time.Duration

	writeMu   sync.Mutex
	lastRead  atomic.Int64 // unix nanos of the last inbound frame
	closeOnce sync.Once
}

// newConn wraps nc. br holds any bytes the server sent along with the
// handshake response and is drained before nc.
func newConn(nc net.Conn, br *bufio.Reader, writeTimeout time.Duration) *conn {
	c := &conn{nc: nc, src: nc, writeTimeout: writeTimeout}
	if br != nil && br.Buffered() > 0 {
		c.src = io.MultiReader(br, nc)
	}
	c.touch()
	return c
}

func (c *conn) touch() {
	c.lastRead.Store(time.Now().UnixNano())
}

// idle returns the time since the last inbound frame, control frames
// included.
func (c *conn) idle() time.Duration {
	return time.Since(time.Unix(0, c.lastRead.Load()))
}

// readText blocks until the next text message. Control frames are answered
// inline; binary messages are skipped.
func (c *conn) readText() ([]byte, error) {
	rd := wsutil.Reader{
		Source:         c.src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		c.touch()

		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, &rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(&rd)
	}
}

// handleControl answers ping and close frames. The reply is buffered and
// written in one call under the write lock.
func (c *conn) handleControl(hdr ws.Header, r io.Reader) error {
	c.touch()
	var out bytes.Buffer
	h := wsutil.ControlHandler{
		Src:                 r,
		Dst:                 &out,
		State:               ws.StateClientSide,
		DisableSrcCiphering: true,
	}
	herr := h.Handle(hdr)
	if out.Len() > 0 {
		if err := c.writeRaw(out.Bytes()); err != nil && herr == nil {
			herr = err
		}
	}
	return herr
}

// writeText sends a text message.
func (c *conn) writeText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return wsutil.WriteClientMessage(c.nc, ws.OpText, data)
}

// writePing sends a protocol-level ping frame (opcode 0x9). The server
// answers with a pong which refreshes lastRead.
func (c *conn) writePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return wsutil.WriteClientMessage(c.nc, ws.OpPing, nil)
}

func (c *conn) writeRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	_, err := c.nc.Write(b)
	return err
}

func (c *conn) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// close sends a best-effort close frame and closes the socket. It is safe to
// call multiple times and from any goroutine.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.nc.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = wsutil.WriteClientMessage(c.nc, ws.OpClose, body)
		c.writeMu.Unlock()
		_ = c.nc.Close()
	})
}
