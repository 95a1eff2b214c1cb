// Command beamd is the host-side frame consumer: it accepts frames from
// the sandboxed producer over shared memory or TCP, drives the hardware
// compression session, and hands the packed bitstream to the configured
// network sink.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/beam/bridge"
	"github.com/zsiec/beam/encode"
	"github.com/zsiec/beam/encode/encodetest"
	"github.com/zsiec/beam/shm"
	"github.com/zsiec/beam/sink"
	"github.com/zsiec/beam/sink/preview"
	"github.com/zsiec/beam/sink/rtpsink"
	"github.com/zsiec/beam/transport/tcp"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	transport := envOr("BEAM_TRANSPORT", "shm")
	tcpAddr := envOr("BEAM_TCP_ADDR", tcp.DefaultAddr)
	shmPath := envOr("BEAM_SHM_PATH", shm.DefaultPath)
	sinkKind := envOr("BEAM_SINK", "log")
	rtpTarget := envOr("BEAM_RTP_TARGET", "127.0.0.1:5004")
	previewAddr := envOr("BEAM_PREVIEW_ADDR", "127.0.0.1:4443")

	bitrate := encode.DefaultBitrateBps
	if v := os.Getenv("BEAM_BITRATE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			slog.Error("bad BEAM_BITRATE", "value", v)
			os.Exit(1)
		}
		bitrate = n
	}

	if transport == "unix" {
		// The legacy Unix-socket mode transferred GPU descriptors and is
		// gone; only its socket location survives for diagnostics.
		slog.Error("unix transport is not supported, use shm or tcp",
			"legacy_socket", filepath.Join(runtimeDir(), "beam-ipc"))
		os.Exit(1)
	}

	slog.Info("beamd starting",
		"version", version,
		"transport", transport,
		"sink", sinkKind,
		"bitrate", bitrate,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)

	var source bridge.Source
	switch transport {
	case "shm":
		consumer, err := shm.NewConsumer(shmPath, nil)
		if err != nil {
			slog.Error("shared memory setup failed", "path", shmPath, "error", err)
			os.Exit(1)
		}
		defer consumer.Close()
		source = consumer
	case "tcp":
		consumer := tcp.NewConsumer(tcpAddr, nil)
		g.Go(func() error { return consumer.Start(ctx) })
		defer consumer.Close()
		source = consumer
	default:
		slog.Error("unknown transport", "transport", transport)
		os.Exit(1)
	}

	var b *bridge.Bridge
	var previewSrv *preview.Server
	var emit sink.EmitFunc
	switch sinkKind {
	case "rtp":
		rs, err := rtpsink.New(rtpTarget, 0, nil)
		if err != nil {
			slog.Error("RTP sink setup failed", "error", err)
			os.Exit(1)
		}
		defer rs.Close()
		emit = rs.Emit
	case "preview":
		ps, err := preview.NewServer(previewAddr, func() {
			b.Scheduler().OnStreamStart()
		}, nil)
		if err != nil {
			slog.Error("preview sink setup failed", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		previewSrv = ps
		emit = ps.Emit
	case "log":
		emit = logSink()
	default:
		slog.Error("unknown sink", "sink", sinkKind)
		os.Exit(1)
	}

	// No portable hardware encode API exists from this process; the
	// loopback session stands in so the full datapath can be exercised.
	// A real deployment plugs its encoder through encode.SessionFactory.
	slog.Warn("using loopback encode session")
	factory := encodetest.Factory(nil)

	b = bridge.New(source, factory, bitrate, nil, emit, nil)
	g.Go(func() error { return b.Run(ctx) })
	if previewSrv != nil {
		// Started after the bridge exists; viewer attach callbacks reach
		// into its IDR scheduler.
		g.Go(func() error { return previewSrv.Start(ctx) })
	}

	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s := b.Stats()
				slog.Info("stats",
					"received", s.FramesReceived,
					"encoded", s.FramesEncoded,
					"dropped", s.FramesDropped,
					"emitted", s.UnitsEmitted,
					"sink_drops", s.UnitsDropped,
					"last_pts_ns", s.LastPTSNS)
			}
		}
	})

	if err := g.Wait(); err != nil {
		slog.Error("beamd error", "error", err)
		os.Exit(1)
	}
}

// logSink counts access units and logs a line per keyframe, for running
// the datapath with no downstream attached.
func logSink() sink.EmitFunc {
	var units, bytes uint64
	return func(codec string, data []byte, ts uint64, keyframe bool) {
		units++
		bytes += uint64(len(data))
		if keyframe {
			slog.Info("bitstream", "codec", codec, "units", units, "bytes", bytes, "ts_ns", ts)
		}
	}
}

// runtimeDir resolves the directory for the legacy Unix socket:
// XDG_RUNTIME_DIR when set, /tmp otherwise.
func runtimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return "/tmp"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
