package tcp

import (
	"log/slog"
	"net"
	"time"

	"github.com/zsiec/beam/media"
	"github.com/zsiec/beam/wire"
)

const (
	connectTimeout = 250 * time.Millisecond
	writeDeadline  = 500 * time.Millisecond
)

// Producer ships frames to the host consumer over a single TCP
// connection. A failed connect or send silently drops the frame and the
// next Submit retries the connection, so the render loop never stalls on
// the transport.
type Producer struct {
	log  *slog.Logger
	addr string
	init wire.InitHeader

	conn    net.Conn
	scratch []byte

	sent    uint64
	dropped uint64
}

// NewProducer creates a producer for addr. The init header is sent once
// per connection, before the first frame.
func NewProducer(addr string, init wire.InitHeader, log *slog.Logger) *Producer {
	if log == nil {
		log = slog.Default()
	}
	return &Producer{
		log:     log.With("component", "tcp-producer"),
		addr:    addr,
		init:    init,
		scratch: make([]byte, 0, wire.FrameHeaderSize),
	}
}

// connect dials the consumer and sends the init header. Connection
// refused is expected while the consumer is not up yet, so it is not
// logged at warn level.
func (p *Producer) connect() bool {
	conn, err := net.DialTimeout("tcp", p.addr, connectTimeout)
	if err != nil {
		p.log.Debug("connect failed", "addr", p.addr, "error", err)
		return false
	}
	tuneConn(conn)

	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if _, err := conn.Write(p.init.Encode(nil)); err != nil {
		p.log.Warn("init send failed", "error", err)
		conn.Close()
		return false
	}

	p.conn = conn
	p.log.Info("connected", "addr", p.addr,
		"width", p.init.Width, "height", p.init.Height, "pid", p.init.SourcePID)
	return true
}

func (p *Producer) disconnect() {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Submit ships one frame. Frames offered while disconnected, or whose
// send fails or exceeds the write deadline, are dropped silently; the
// upstream renderer is the place to shed load, not here.
func (p *Producer) Submit(frame *media.Frame) error {
	if p.conn == nil && !p.connect() {
		p.drop(frame)
		return nil
	}

	hdr := wire.FrameHeader{
		ImageIndex:  frame.ImageIndex,
		FrameNumber: uint32(frame.FrameNumber),
		// Opaque at the wire layer; this session's policy carries the
		// target timestamp in milliseconds.
		SemaphoreValue: frame.TargetTimestampNS / uint64(time.Millisecond),
		Pose:           frame.Pose,
		Width:          frame.Width,
		Height:         frame.Height,
		Stride:         frame.Stride,
		IsIDR:          frame.IsIDR,
		DataSize:       uint32(frame.PixelBytes()),
	}

	p.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	p.scratch = hdr.Encode(p.scratch[:0])
	if _, err := p.conn.Write(p.scratch); err != nil {
		p.log.Warn("header send failed, disconnecting", "frame", frame.FrameNumber, "error", err)
		p.disconnect()
		p.drop(frame)
		return nil
	}
	if _, err := p.conn.Write(frame.Pixels[:frame.PixelBytes()]); err != nil {
		p.log.Warn("pixel send failed, disconnecting", "frame", frame.FrameNumber, "error", err)
		p.disconnect()
		p.drop(frame)
		return nil
	}

	p.sent++
	if p.sent%90 == 0 {
		p.log.Debug("progress", "sent", p.sent, "dropped", p.dropped)
	}
	return nil
}

func (p *Producer) drop(frame *media.Frame) {
	p.dropped++
	if p.dropped%100 == 1 {
		p.log.Warn("dropping frame, consumer unreachable",
			"frame", frame.FrameNumber, "dropped", p.dropped)
	}
}

// Dropped returns the number of frames shed by this producer.
func (p *Producer) Dropped() uint64 {
	return p.dropped
}

// Close tears down the connection. Idempotent.
func (p *Producer) Close() error {
	p.disconnect()
	return nil
}
