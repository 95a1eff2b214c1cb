// Package rtpsink packetizes the packed Annex-B elementary stream into
// RTP (RFC 7798 HEVC payload format) and sends it to a single UDP
// endpoint. It implements the network-sink surface consumed by the
// bridge; session negotiation and RTCP are the receiver's problem.
package rtpsink

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/zsiec/beam/bitstream"
)

const (
	// DynamicPayloadType is the RTP payload type used for the HEVC stream.
	DynamicPayloadType = 96
	// ClockRate is the RTP video clock.
	ClockRate = 90_000
	// DefaultMTU bounds each RTP packet; larger NAL units are fragmented.
	DefaultMTU = 1200

	fuType      = 49
	fuHeaderLen = 3 // 2-byte payload header + FU header
	rtpOverhead = 12
)

// Sink sends RTP/HEVC packets over UDP.
type Sink struct {
	log       *slog.Logger
	conn      net.Conn
	mtu       int
	ssrc      uint32
	sequencer rtp.Sequencer

	packets atomic.Uint64
}

// New dials the UDP target (e.g. "127.0.0.1:5004"). mtu <= 0 selects
// DefaultMTU.
func New(target string, mtu int, log *slog.Logger) (*Sink, error) {
	if log == nil {
		log = slog.Default()
	}
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	conn, err := net.Dial("udp", target)
	if err != nil {
		return nil, fmt.Errorf("rtpsink: dial %s: %w", target, err)
	}

	var ssrcBytes [4]byte
	if _, err := rand.Read(ssrcBytes[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rtpsink: ssrc: %w", err)
	}

	s := &Sink{
		log:       log.With("component", "rtp-sink"),
		conn:      conn,
		mtu:       mtu,
		ssrc:      binary.BigEndian.Uint32(ssrcBytes[:]),
		sequencer: rtp.NewRandomSequencer(),
	}
	s.log.Info("sending RTP", "target", target, "ssrc", s.ssrc, "mtu", mtu)
	return s, nil
}

// Emit packetizes one access unit. All packets of the unit share one RTP
// timestamp derived from the target render time; the marker bit is set
// on the unit's last packet. Send errors are logged and the unit
// dropped; UDP gives no better contract.
func (s *Sink) Emit(codec string, annexB []byte, targetTimestampNS uint64, isKeyframe bool) {
	units := bitstream.ParseAnnexB(annexB)
	if len(units) == 0 {
		return
	}
	rtpTime := uint32(targetTimestampNS * ClockRate / 1_000_000_000)

	for i, unit := range units {
		last := i == len(units)-1
		if err := s.sendNALU(unit.Data, rtpTime, last); err != nil {
			s.log.Warn("RTP send failed, dropping access unit", "error", err)
			return
		}
	}
}

// sendNALU emits one NAL unit, fragmenting into FUs when it does not fit
// the MTU alongside the RTP header.
func (s *Sink) sendNALU(nalu []byte, rtpTime uint32, endOfAU bool) error {
	if len(nalu) < 2 {
		return nil
	}
	maxPayload := s.mtu - rtpOverhead
	if len(nalu) <= maxPayload {
		return s.send(nalu, rtpTime, endOfAU)
	}

	// RFC 7798 fragmentation units: the 2-byte NAL header is replaced by
	// a payload header of type 49, each fragment carries an FU header
	// with the original type plus start/end flags.
	nalType := (nalu[0] >> 1) & 0x3F
	payloadHdr := [2]byte{(nalu[0] &^ (0x3F << 1)) | fuType<<1, nalu[1]}
	rest := nalu[2:]

	chunk := maxPayload - fuHeaderLen
	first := true
	for len(rest) > 0 {
		n := min(chunk, len(rest))
		lastFrag := n == len(rest)

		fu := make([]byte, 0, fuHeaderLen+n)
		fu = append(fu, payloadHdr[0], payloadHdr[1])
		fuHdr := nalType
		if first {
			fuHdr |= 0x80
		}
		if lastFrag {
			fuHdr |= 0x40
		}
		fu = append(fu, fuHdr)
		fu = append(fu, rest[:n]...)

		if err := s.send(fu, rtpTime, endOfAU && lastFrag); err != nil {
			return err
		}
		rest = rest[n:]
		first = false
	}
	return nil
}

func (s *Sink) send(payload []byte, rtpTime uint32, marker bool) error {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    DynamicPayloadType,
			SequenceNumber: s.sequencer.NextSequenceNumber(),
			Timestamp:      rtpTime,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if _, err := s.conn.Write(raw); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	s.packets.Add(1)
	return nil
}

// Packets returns the number of RTP packets sent.
func (s *Sink) Packets() uint64 { return s.packets.Load() }

// Close releases the UDP socket.
func (s *Sink) Close() error {
	return s.conn.Close()
}
