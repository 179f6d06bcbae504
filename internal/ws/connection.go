package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/M4F-S/codex-live/internal/types"
)

const (
	opcodeContinuation = 0x0
	opcodeText         = 0x1
	opcodeBinary       = 0x2
	opcodeClose        = 0x8
	opcodePing         = 0x9
	opcodePong         = 0xA

	closeNormalClosure       = 1000
	closeGoingAway           = 1001
	closeUnsupportedData     = 1003
	closePolicyViolation     = 1008
	closeInternalServerError = 1011
)

var (
	errSendBufferFull = errors.New("send buffer full")
	errFrameTooLarge  = errors.New("frame exceeds size limit")
)

type connectionOptions struct {
	staleThreshold time.Duration
	evictThreshold time.Duration
	sendBufferSize int
	writeTimeout   time.Duration
	maxFrameBytes  int64
}

// Connection is one upgraded peer transport. It owns the read, write, and
// heartbeat goroutines; the supervisor owns routing and the session binding.
type Connection struct {
	id     types.ConnectionID
	conn   net.Conn
	logger zerolog.Logger
	send   chan outboundMessage

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	opts connectionOptions

	lastActivity atomic.Int64
	bytesIn      atomic.Int64
	bytesOut     atomic.Int64
	msgCount     atomic.Int64

	onClose func()
}

type outboundMessage struct {
	opcode  byte
	payload []byte
}

func newConnection(netConn net.Conn, id types.ConnectionID, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:      id,
		conn:    netConn,
		logger:  logger,
		send:    make(chan outboundMessage, opts.sendBufferSize),
		ctx:     ctx,
		cancel:  cancel,
		opts:    opts,
		onClose: onClose,
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

// ID returns the connection handle.
func (c *Connection) ID() types.ConnectionID { return c.id }

// RemoteAddr exposes the peer address for logging.
func (c *Connection) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// LastActivity reports the time of the most recent inbound traffic.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Stats returns the connection byte and message counters.
func (c *Connection) Stats() (bytesIn, bytesOut, messages int64) {
	return c.bytesIn.Load(), c.bytesOut.Load(), c.msgCount.Load()
}

// SendText enqueues a JSON frame for the writer goroutine. Delivery order
// matches enqueue order. A full send buffer is a policy violation: the
// connection is closed rather than allowed to stall the document fan-out.
func (c *Connection) SendText(payload []byte) error {
	msg := outboundMessage{opcode: opcodeText, payload: payload}
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.logger.Warn().Str("connection", string(c.id)).Msg("send buffer full; closing connection")
		c.CloseWithReason(closePolicyViolation, "send buffer overflow")
		return errSendBufferFull
	}
}

// CloseWithReason sends a close frame and tears the connection down.
func (c *Connection) CloseWithReason(code int, reason string) {
	c.closeWithFrame(code, reason)
	// Give the writer a moment to flush the close frame before the socket
	// is torn down.
	go func() {
		select {
		case <-time.After(250 * time.Millisecond):
		case <-c.ctx.Done():
		}
		c.Close()
	}()
}

// Run drives the connection until the transport closes. handler is invoked
// for every decoded text payload.
func (c *Connection) Run(handler func(*Connection, []byte)) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop()
	}()

	if err := c.readLoop(handler); err != nil {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()
}

// Close releases the connection. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readLoop(handler func(*Connection, []byte)) error {
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		opcode, payload, err := readFrame(c.conn, c.opts.maxFrameBytes)
		if err != nil {
			if errors.Is(err, errFrameTooLarge) {
				c.closeWithFrame(closePolicyViolation, "frame too large")
			}
			return err
		}

		c.touch()
		c.bytesIn.Add(int64(len(payload)))

		switch opcode {
		case opcodeText:
			c.msgCount.Add(1)
			handler(c, payload)
		case opcodeBinary:
			c.closeWithFrame(closeUnsupportedData, "binary frames not supported")
			return fmt.Errorf("binary frames unsupported")
		case opcodeClose:
			c.closeWithFrame(closeNormalClosure, "bye")
			return nil
		case opcodePing:
			_ = c.enqueueControl(opcodePong, payload)
		case opcodePong:
			// touch above already refreshed activity
		case opcodeContinuation:
			return fmt.Errorf("fragmented frames not supported")
		default:
			return fmt.Errorf("unsupported opcode %d", opcode)
		}
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			if err := writeFrame(c.conn, msg.opcode, msg.payload, c.opts.writeTimeout); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close()
				return
			}
			c.bytesOut.Add(int64(len(msg.payload)))
		}
	}
}

// heartbeatLoop sends a low-level keepalive every staleThreshold and evicts
// the connection once silence exceeds evictThreshold.
func (c *Connection) heartbeatLoop() {
	if c.opts.staleThreshold <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.staleThreshold)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			idle := time.Since(c.LastActivity())
			if c.opts.evictThreshold > 0 && idle > c.opts.evictThreshold {
				c.logger.Info().Str("connection", string(c.id)).Dur("idle", idle).Msg("evicting silent connection")
				evictionsCounter.Inc()
				c.CloseWithReason(closeGoingAway, "Connection timeout")
				return
			}
			if err := c.enqueueControl(opcodePing, nil); err != nil {
				c.logger.Debug().Err(err).Msg("keepalive ping failed")
				c.CloseWithReason(closeGoingAway, "ping failed")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) closeWithFrame(code int, reason string) {
	payload := encodeClosePayload(code, reason)
	_ = c.enqueueControl(opcodeClose, payload)
}

func (c *Connection) enqueueControl(opcode byte, payload []byte) error {
	msg := outboundMessage{opcode: opcode, payload: payload}
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		return errSendBufferFull
	}
}
