package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/beam/media"
	"github.com/zsiec/beam/wire"
)

// readPoll is the read deadline used by the draining loop so the exiting
// flag is observed between ticks. Worst-case shutdown latency stays well
// under the 20ms budget.
const readPoll = time.Millisecond

var errExiting = errors.New("tcp: consumer exiting")

// handoff carries one decoded frame from the read loop to Next. The read
// loop owns the pixel buffer and waits on done before overwriting it.
type handoff struct {
	frame *media.Frame
	done  chan struct{}
}

// Consumer listens on the fixed loopback port, accepts one producer at a
// time, and reassembles the frame stream. When the producer goes away it
// returns to listening so a restarted producer reattaches without a
// consumer restart.
type Consumer struct {
	log  *slog.Logger
	addr string

	frames  chan handoff
	exiting atomic.Bool

	mu   sync.Mutex
	ln   net.Listener
	conn net.Conn

	lastInit atomic.Pointer[wire.InitHeader]

	// 32-bit wire frame numbers widened into the logical 64-bit counter.
	fnEpoch uint64
	fnLast  uint32
	fnSeen  bool
}

// NewConsumer creates a consumer for addr (DefaultAddr when empty).
func NewConsumer(addr string, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	if addr == "" {
		addr = DefaultAddr
	}
	return &Consumer{
		log:    log.With("component", "tcp-consumer"),
		addr:   addr,
		frames: make(chan handoff),
	}
}

// Addr returns the listener address once Start has bound it.
func (c *Consumer) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln != nil {
		return c.ln.Addr().String()
	}
	return c.addr
}

// LastInit returns the init header from the most recent producer, or nil.
func (c *Consumer) LastInit() *wire.InitHeader {
	return c.lastInit.Load()
}

// Start binds the listener and serves producers until the context is
// cancelled or Close is called. Blocking; run it under an errgroup.
func (c *Consumer) Start(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("tcp: listen on %s: %w", c.addr, err)
	}
	c.mu.Lock()
	c.ln = ln
	c.mu.Unlock()
	c.log.Info("listening", "addr", ln.Addr())

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if c.exiting.Load() || ctx.Err() != nil {
				return nil
			}
			c.log.Warn("accept error", "error", err)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		err = c.serve(ctx, conn)
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		switch {
		case errors.Is(err, errExiting) || ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrPeerGone):
			c.log.Info("producer disconnected, listening again")
		case errors.Is(err, ErrProtocol):
			c.log.Warn("protocol violation, dropping producer", "error", err)
		case err != nil:
			c.log.Warn("connection error", "error", err)
		}
	}
}

// serve handles one producer connection: the init header, then
// header+pixel records until the peer goes away.
func (c *Consumer) serve(ctx context.Context, conn net.Conn) error {
	tuneConn(conn)

	initBuf := make([]byte, wire.InitHeaderSize)
	if err := c.readFull(conn, initBuf); err != nil {
		return err
	}
	init, err := wire.DecodeInitHeader(initBuf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	c.lastInit.Store(&init)
	c.log.Info("producer connected",
		"remote", conn.RemoteAddr(),
		"images", init.NumImages,
		"width", init.Width, "height", init.Height,
		"format", init.Format, "pid", init.SourcePID,
		"device", init.DeviceUUID)

	headerBuf := make([]byte, wire.FrameHeaderSize)
	var pixelBuf []byte
	var received uint64

	for {
		if err := c.readFull(conn, headerBuf); err != nil {
			return err
		}
		hdr, err := wire.DecodeFrameHeader(headerBuf)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if err := hdr.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}

		if int(hdr.DataSize) > len(pixelBuf) {
			pixelBuf = make([]byte, hdr.DataSize)
		}
		if err := c.readFull(conn, pixelBuf[:hdr.DataSize]); err != nil {
			return err
		}

		frame := &media.Frame{
			FrameNumber: c.widenFrameNumber(hdr.FrameNumber),
			ImageIndex:  hdr.ImageIndex,
			Width:       hdr.Width,
			Height:      hdr.Height,
			Stride:      hdr.Stride,
			IsIDR:       hdr.IsIDR,
			// Session policy: the opaque wire field carries milliseconds.
			TargetTimestampNS: hdr.SemaphoreValue * uint64(time.Millisecond),
			Pose:              hdr.Pose,
			Pixels:            pixelBuf[:hdr.DataSize],
		}

		h := handoff{frame: frame, done: make(chan struct{})}
		select {
		case c.frames <- h:
		case <-ctx.Done():
			return errExiting
		}
		select {
		case <-h.done:
		case <-ctx.Done():
			return errExiting
		}

		received++
		if received%90 == 0 {
			c.log.Debug("progress", "received", received)
		}
	}
}

// readFull drains exactly len(buf) bytes, tolerating short reads and
// polling with a short deadline so shutdown stays observable.
func (c *Consumer) readFull(conn net.Conn, buf []byte) error {
	off := 0
	for off < len(buf) {
		if c.exiting.Load() {
			return errExiting
		}
		conn.SetReadDeadline(time.Now().Add(readPoll))
		n, err := conn.Read(buf[off:])
		off += n
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return ErrPeerGone
			}
			return fmt.Errorf("%w: %v", ErrPeerGone, err)
		}
	}
	return nil
}

// widenFrameNumber lifts the 32-bit wire counter into the logical 64-bit
// frame number, tolerating wraparound on very long sessions.
func (c *Consumer) widenFrameNumber(n uint32) uint64 {
	if c.fnSeen && n < c.fnLast && c.fnLast-n > 1<<31 {
		c.fnEpoch++
	}
	c.fnLast = n
	c.fnSeen = true
	return c.fnEpoch<<32 | uint64(n)
}

// Next returns the next reassembled frame. The release callback must be
// called once the frame's pixels are no longer needed; the read loop
// reuses the buffer afterwards.
func (c *Consumer) Next(ctx context.Context) (*media.Frame, func(), error) {
	select {
	case h := <-c.frames:
		var once sync.Once
		release := func() { once.Do(func() { close(h.done) }) }
		return h.frame, release, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// Close raises the exiting flag and closes the listening and client
// sockets. The read loops observe the flag within one poll tick.
// Idempotent.
func (c *Consumer) Close() error {
	c.exiting.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln != nil {
		c.ln.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}
