package transfer

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"justsyncit/internal/logging"
)

// Transport abstracts the byte-stream connection a Sender or Receiver runs
// over. The default implementation is TCP (spec §4.10 Transport: "TCP is
// mandatory; QUIC is optional"); a distinct implementation can be swapped in
// for QUIC without touching the frame or state-machine code.
type Transport interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
	Listen(addr string) (net.Listener, error)
}

// TCPTransport is the mandatory baseline transport.
type TCPTransport struct {
	Dialer net.Dialer
}

func (t TCPTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return t.Dialer.DialContext(ctx, "tcp", addr)
}

func (t TCPTransport) Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// ConnState is the peer connection's state machine (spec §4.10):
//
//	Closed -> WaitHandshake -> Established -> Transferring -> Established
type ConnState int

const (
	ConnClosed ConnState = iota
	ConnWaitHandshake
	ConnEstablished
	ConnTransferring
)

func (s ConnState) String() string {
	switch s {
	case ConnClosed:
		return "Closed"
	case ConnWaitHandshake:
		return "WaitHandshake"
	case ConnEstablished:
		return "Established"
	case ConnTransferring:
		return "Transferring"
	default:
		return "Unknown"
	}
}

// conn wraps a net.Conn with the frame-level state machine and keepalive
// bookkeeping shared by both Sender and Receiver.
type conn struct {
	nc     net.Conn
	logger *slog.Logger

	mu        sync.Mutex
	state     ConnState
	nextMsgID uint32

	// lastActivity is touched on every successful recv (unix nanoseconds),
	// used by the keepalive idle-timeout check (spec §4.10 Reliability:
	// "a peer that fails to respond within idle_timeout is treated as
	// disconnected").
	lastActivity atomic.Int64
}

func newConn(nc net.Conn, logger *slog.Logger) *conn {
	c := &conn{
		nc:     nc,
		logger: logging.Default(logger).With("component", "transfer", "remote", nc.RemoteAddr().String()),
		state:  ConnWaitHandshake,
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

func (c *conn) setState(s ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Debug("connection state transition", "from", c.state, "to", s)
	c.state = s
}

func (c *conn) getState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) nextID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextMsgID++
	return c.nextMsgID
}

func (c *conn) send(msgType Type, messageID uint32, payload []byte) error {
	return WriteFrame(c.nc, msgType, messageID, payload)
}

// recv returns the next frame that is not a keepalive. A Ping is answered
// with a Pong carrying the same payload and a Pong is consumed, so callers
// only see protocol frames.
func (c *conn) recv() (Frame, error) {
	for {
		frame, err := ReadFrame(c.nc)
		if err != nil {
			return frame, err
		}
		c.lastActivity.Store(time.Now().UnixNano())
		switch frame.Header.Type {
		case TypePing:
			if err := c.send(TypePong, frame.Header.MessageID, frame.Payload); err != nil {
				return Frame{}, err
			}
		case TypePong:
		default:
			return frame, nil
		}
	}
}

func (c *conn) Close() error {
	return c.nc.Close()
}

// acceptLoop runs a TCP accept loop that checks ctx on a one-second cadence,
// grounded on the same deadline-based shutdown idiom used by the log
// ingester's accept loop.
func acceptLoop(ctx context.Context, ln net.Listener, logger *slog.Logger, handle func(net.Conn)) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if tcpLn, ok := ln.(*net.TCPListener); ok {
			tcpLn.SetDeadline(time.Now().Add(time.Second))
		}

		nc, err := ln.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Warn("accept error", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			handle(nc)
		}()
	}
}
