// Package preview serves the packed elementary stream to a single viewer
// over QUIC, mainly for eyeballing encoder output without a full client.
// Each access unit is framed as a fixed header plus the Annex-B payload
// on one unidirectional stream. A newly attached viewer starts at the
// next keyframe so its decoder has parameter sets from the first byte.
package preview

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/beam/certs"
)

// ALPN is the application protocol negotiated with viewers.
const ALPN = "beam-preview/1"

// recordHeaderSize is the fixed per-access-unit framing: payload length
// (u32), target timestamp ns (u64), keyframe flag (u8), big-endian.
const recordHeaderSize = 13

// Server accepts one viewer at a time and streams access units to it.
// A second viewer displaces the first.
type Server struct {
	log      *slog.Logger
	addr     string
	onViewer func()

	ident *certs.Identity
	ln    *quic.Listener

	mu          sync.Mutex
	conn        quic.Connection
	stream      quic.SendStream
	awaitingKey bool

	header [recordHeaderSize]byte
}

// NewServer creates a preview server for addr. onViewer, if non-nil, is
// invoked each time a viewer attaches — the bridge uses it to request a
// stream-start IDR.
func NewServer(addr string, onViewer func(), log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	ident, err := certs.NewIdentity(0)
	if err != nil {
		return nil, fmt.Errorf("preview: mint identity: %w", err)
	}
	return &Server{
		log:      log.With("component", "preview"),
		addr:     addr,
		onViewer: onViewer,
		ident:    ident,
	}, nil
}

// Fingerprint returns the certificate fingerprint viewers pin.
func (s *Server) Fingerprint() string {
	return s.ident.FingerprintBase64()
}

// Start listens for viewers until the context is cancelled. Blocking;
// run it under an errgroup.
func (s *Server) Start(ctx context.Context) error {
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{s.ident.TLSCert},
		NextProtos:   []string{ALPN},
	}
	ln, err := quic.ListenAddr(s.addr, tlsConf, &quic.Config{
		MaxIdleTimeout: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("preview: listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.log.Info("listening", "addr", s.addr, "fingerprint", s.Fingerprint())

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("preview: accept: %w", err)
		}

		stream, err := conn.OpenUniStreamSync(ctx)
		if err != nil {
			s.log.Warn("viewer stream open failed", "error", err)
			conn.CloseWithError(1, "stream open failed")
			continue
		}

		s.attach(conn, stream)
	}
}

func (s *Server) attach(conn quic.Connection, stream quic.SendStream) {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.CloseWithError(0, "displaced by new viewer")
	}
	s.conn = conn
	s.stream = stream
	s.awaitingKey = true
	s.mu.Unlock()

	s.log.Info("viewer attached", "remote", conn.RemoteAddr())
	if s.onViewer != nil {
		s.onViewer()
	}
}

// Emit sends one access unit to the current viewer, if any. Units before
// the viewer's first keyframe are skipped; a write failure drops the
// viewer and the server goes back to waiting.
func (s *Server) Emit(codec string, annexB []byte, targetTimestampNS uint64, isKeyframe bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return
	}
	if s.awaitingKey {
		if !isKeyframe {
			return
		}
		s.awaitingKey = false
	}

	binary.BigEndian.PutUint32(s.header[0:4], uint32(len(annexB)))
	binary.BigEndian.PutUint64(s.header[4:12], targetTimestampNS)
	if isKeyframe {
		s.header[12] = 1
	} else {
		s.header[12] = 0
	}

	if _, err := s.stream.Write(s.header[:]); err != nil {
		s.dropViewerLocked(err)
		return
	}
	if _, err := s.stream.Write(annexB); err != nil {
		s.dropViewerLocked(err)
	}
}

func (s *Server) dropViewerLocked(err error) {
	s.log.Info("viewer gone", "error", err)
	if s.conn != nil {
		s.conn.CloseWithError(0, "write failed")
	}
	s.conn = nil
	s.stream = nil
}

// Close drops the current viewer and stops the listener. Idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.CloseWithError(0, "shutting down")
		s.conn = nil
		s.stream = nil
	}
	s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}
