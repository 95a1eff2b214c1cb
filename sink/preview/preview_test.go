package preview

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, onViewer func()) (*Server, string) {
	t.Helper()

	// Reserve an ephemeral UDP port for the listener.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	pc.Close()

	s, err := NewServer(addr, onViewer, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := s.Start(ctx); err != nil {
			t.Logf("preview server: %v", err)
		}
	}()
	t.Cleanup(func() { s.Close() })
	return s, addr
}

func dialViewer(t *testing.T, addr string) quic.Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var conn quic.Connection
	var err error
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err = quic.DialAddr(ctx, addr, &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{ALPN},
		}, nil)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Cleanup(func() { conn.CloseWithError(0, "test done") })
	return conn
}

func readRecord(t *testing.T, stream quic.ReceiveStream) (payload []byte, ts uint64, keyframe bool) {
	t.Helper()
	header := make([]byte, recordHeaderSize)
	_, err := io.ReadFull(stream, header)
	require.NoError(t, err)

	payload = make([]byte, binary.BigEndian.Uint32(header[0:4]))
	_, err = io.ReadFull(stream, payload)
	require.NoError(t, err)
	return payload, binary.BigEndian.Uint64(header[4:12]), header[12] != 0
}

func TestViewerReceivesFromKeyframe(t *testing.T) {
	t.Parallel()

	var viewers atomic.Int32
	s, addr := startServer(t, func() { viewers.Add(1) })
	conn := dialViewer(t, addr)

	// Wait until the server registered the viewer.
	require.Eventually(t, func() bool { return viewers.Load() == 1 },
		5*time.Second, 10*time.Millisecond)

	// Pre-keyframe units must be skipped for a fresh viewer.
	s.Emit("hevc", []byte{0xBB}, 100, false)
	s.Emit("hevc", []byte{0x01, 0x02, 0x03}, 200, true)
	s.Emit("hevc", []byte{0x04}, 300, false)

	// The server's stream reaches the viewer with its first written
	// record, so it can only be accepted once something was emitted.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := conn.AcceptUniStream(ctx)
	require.NoError(t, err)

	payload, ts, keyframe := readRecord(t, stream)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, payload)
	assert.Equal(t, uint64(200), ts)
	assert.True(t, keyframe)

	payload, ts, keyframe = readRecord(t, stream)
	assert.Equal(t, []byte{0x04}, payload)
	assert.Equal(t, uint64(300), ts)
	assert.False(t, keyframe)
}

func TestEmitWithoutViewerIsNoop(t *testing.T) {
	t.Parallel()

	s, _ := startServer(t, nil)
	// Must not block or panic with nobody attached.
	s.Emit("hevc", []byte{0x01}, 0, true)
}
