// Command feed is a synthetic frame producer for exercising beamd
// end-to-end without a renderer: it generates animated BGRA gradients
// and submits them over either transport at a fixed frame rate.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/beam/media"
	"github.com/zsiec/beam/shm"
	"github.com/zsiec/beam/transport/tcp"
	"github.com/zsiec/beam/wire"
)

func main() {
	transport := flag.String("transport", "shm", "Transport to feed: shm or tcp")
	shmPath := flag.String("shm", shm.DefaultPath, "Shared memory region path")
	addr := flag.String("addr", tcp.DefaultAddr, "TCP consumer address")
	width := flag.Uint("width", 1920, "Frame width")
	height := flag.Uint("height", 1080, "Frame height")
	fps := flag.Uint("fps", 90, "Frames per second")
	count := flag.Uint64("count", 0, "Stop after this many frames (0 = run until interrupted)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	submit, shutdown, err := openTransport(*transport, *shmPath, *addr, uint32(*width), uint32(*height))
	if err != nil {
		slog.Error("transport setup failed", "error", err)
		os.Exit(1)
	}
	defer shutdown()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	frame := &media.Frame{
		Width:  uint32(*width),
		Height: uint32(*height),
		Stride: uint32(*width) * media.BytesPerPixel,
		Pose:   media.Pose{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}},
		Pixels: make([]byte, uint32(*width)*uint32(*height)*media.BytesPerPixel),
	}

	interval := time.Second / time.Duration(*fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	start := time.Now()

	slog.Info("feeding", "transport", *transport, "size", fmt.Sprintf("%dx%d", *width, *height), "fps", *fps)

	for n := uint64(0); *count == 0 || n < *count; n++ {
		select {
		case <-sigCh:
			slog.Info("interrupted", "frames", n)
			return
		case <-ticker.C:
		}

		paint(frame.Pixels, uint32(*width), uint32(*height), n)
		frame.FrameNumber = n
		frame.ImageIndex = uint32(n % media.NumBuffers)
		frame.IsIDR = n == 0
		frame.TargetTimestampNS = uint64(time.Since(start).Nanoseconds())

		if err := submit(frame); err != nil {
			slog.Error("submit failed", "frame", n, "error", err)
			return
		}
		if n > 0 && n%uint64(*fps) == 0 {
			slog.Info("progress", "frames", n)
		}
	}
}

// openTransport builds the submit function for the chosen transport.
func openTransport(transport, shmPath, addr string, width, height uint32) (func(*media.Frame) error, func(), error) {
	switch transport {
	case "shm":
		producer, err := shm.OpenProducer(shmPath, 10*time.Second, nil)
		if err != nil {
			return nil, nil, err
		}
		if err := producer.Init(width, height, 87); err != nil {
			producer.Shutdown()
			return nil, nil, err
		}
		return producer.Submit, func() { producer.Shutdown() }, nil
	case "tcp":
		producer := tcp.NewProducer(addr, wire.InitHeader{
			NumImages:  media.NumBuffers,
			DeviceUUID: uuid.New(),
			Width:      width,
			Height:     height,
			Format:     87,
			SourcePID:  uint32(os.Getpid()),
		}, nil)
		return producer.Submit, func() { producer.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", transport)
	}
}

// paint fills a BGRA gradient that scrolls with the frame number so
// consecutive frames differ.
func paint(pixels []byte, width, height uint32, n uint64) {
	for y := uint32(0); y < height; y++ {
		row := pixels[y*width*media.BytesPerPixel:]
		for x := uint32(0); x < width; x++ {
			i := x * media.BytesPerPixel
			row[i] = byte(x + uint32(n))   // B
			row[i+1] = byte(y + uint32(n)) // G
			row[i+2] = byte(x ^ y)         // R
			row[i+3] = 0xFF                // A
		}
	}
}
