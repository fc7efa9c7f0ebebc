package relay

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn is one live relay connection. Next, Send and Close may be called from
// different goroutines.
type Conn interface {
	// Next blocks for the next frame and reports its size on the wire.
	Next(ctx context.Context) (Frame, int, error)
	Send(ctx context.Context, f Frame) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials relays over websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := ws.Dialer{Timeout: d.HandshakeTimeout}
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	c := &wsConn{conn: conn, writeTimeout: d.WriteTimeout}
	c.r = conn
	if br != nil {
		// The handshake reader may hold the first frames already.
		c.r = io.MultiReader(br, conn)
		c.release = func() { ws.PutReader(br) }
	}
	return c, nil
}

const closeWriteTimeout = time.Second

type wsConn struct {
	conn         net.Conn
	r            io.Reader
	writeTimeout time.Duration

	// wmu keeps whole frames on the wire: data, pong and close.
	wmu sync.Mutex

	closeOnce sync.Once
	release   func()
}

func (c *wsConn) Next(ctx context.Context) (Frame, int, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	rd := wsutil.Reader{
		Source:         c.r,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.control,
	}
	fail := func(err error) (Frame, int, error) {
		if ctx.Err() != nil {
			return Frame{}, 0, ctx.Err()
		}
		return Frame{}, 0, err
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return fail(err)
		}
		if hdr.OpCode.IsControl() {
			if err := c.control(hdr, &rd); err != nil {
				return fail(err)
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return fail(err)
			}
			continue
		}
		data, err := io.ReadAll(&rd)
		if err != nil {
			return fail(err)
		}
		f, err := DecodeFrame(data)
		if err != nil {
			// Malformed frames are surfaced as notices so the worker can log them.
			return Frame{Label: LabelNotice, Args: []string{err.Error()}}, len(data), nil
		}
		return f, len(data), nil
	}
}

// control answers a ping or close from the relay. The reply is built in
// memory and written in one piece so it cannot split a data frame.
func (c *wsConn) control(h ws.Header, r io.Reader) error {
	var reply bytes.Buffer
	err := wsutil.ControlHandler{
		Src:                 r,
		Dst:                 &reply,
		State:               ws.StateClientSide,
		DisableSrcCiphering: true,
	}.Handle(h)
	if reply.Len() > 0 {
		c.wmu.Lock()
		_ = c.conn.SetWriteDeadline(c.writeDeadline(context.Background()))
		_, werr := c.conn.Write(reply.Bytes())
		c.wmu.Unlock()
		if err == nil {
			err = werr
		}
	}
	return err
}

func (c *wsConn) writeDeadline(ctx context.Context) time.Time {
	dl := time.Time{}
	if c.writeTimeout > 0 {
		dl = time.Now().Add(c.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (dl.IsZero() || d.Before(dl)) {
		dl = d
	}
	return dl
}

func (c *wsConn) Send(ctx context.Context, f Frame) error {
	b, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(c.writeDeadline(ctx))
	return wsutil.WriteClientText(c.conn, b)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// Unblocks a Send stuck on a dead peer before taking the lock.
		_ = c.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
		c.wmu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.wmu.Unlock()
		err = c.conn.Close()
		if c.release != nil {
			c.release()
		}
	})
	return err
}
