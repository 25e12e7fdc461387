// SPDX-License-Identifier: MIT
package udp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	applog "loopviz/internal/log"
	"loopviz/internal/visualizer"
)

var pubLog = applog.Scope("udp")

// headerSize is sequence + timestamp + count.
const headerSize = 4 + 8 + 2

// PacketSender transmits one datagram. *UDPSender satisfies it.
type PacketSender interface {
	Send(data []byte) error
}

/*
UDP Packet Structure (BigEndian)

+-----------------------------------------------------------------------------+
| Field             | Data Type      | Size (Bytes) | Description             |
|-------------------|----------------|--------------|-------------------------|
| Sequence Number   | uint32         | 4            | Monotonically increasing|
| Timestamp         | int64          | 8            | Nanoseconds since epoch |
| Value Count       | uint16         | 2            | Number of floats (N)    |
| Values            | []float32      | N * 4        | Bars or waveform points |
+-----------------------------------------------------------------------------+

Values are spectrum bars in [0,1] in spectrum mode, waveform points in
[-1,1] in waveform mode, already faded by the silence alpha.
*/

// Packet is a decoded datagram.
type Packet struct {
	Seq       uint32
	Timestamp int64
	Values    []float32
}

// UDPPublisher is a render surface that sends each new analysis frame as
// one datagram. Redraws of a frame it already sent are skipped.
type UDPPublisher struct {
	sender PacketSender

	sequenceNum uint32 // packets sent
	lastFrame   uint64 // analysis sequence of the last packet
	sent        bool

	// reused across packets
	f32Buffer    []float32
	packetBuffer *bytes.Buffer
}

// NewUDPPublisher wraps sender. If sender is also an io.Closer, Close
// closes it.
func NewUDPPublisher(sender PacketSender) (*UDPPublisher, error) {
	if sender == nil {
		return nil, fmt.Errorf("UDPPublisher: UDP sender cannot be nil")
	}
	return &UDPPublisher{
		sender:       sender,
		packetBuffer: new(bytes.Buffer),
	}, nil
}

// Draw sends the snapshot's values if it carries a new frame.
func (p *UDPPublisher) Draw(s *visualizer.Snapshot) error {
	values := s.Values()
	if values == nil || (p.sent && s.Seq == p.lastFrame) {
		return nil
	}

	n := min(len(values), math.MaxUint16)
	if cap(p.f32Buffer) < n {
		p.f32Buffer = make([]float32, n)
	}
	p.f32Buffer = p.f32Buffer[:n]
	alpha := s.Alpha()
	for i, v := range values[:n] {
		p.f32Buffer[i] = float32(v * alpha)
	}

	p.sequenceNum++
	p.packetBuffer.Reset()
	if err := writePacket(p.packetBuffer, p.sequenceNum, s.Updated.UnixNano(), p.f32Buffer); err != nil {
		return fmt.Errorf("pack frame %d: %w", s.Seq, err)
	}
	if err := p.sender.Send(p.packetBuffer.Bytes()); err != nil {
		return err
	}
	p.lastFrame, p.sent = s.Seq, true
	pubLog.Debugf("sent packet %d (%d bytes)", p.sequenceNum, p.packetBuffer.Len())
	return nil
}

// Sequence returns the number of packets sent.
func (p *UDPPublisher) Sequence() uint32 { return p.sequenceNum }

// Close closes the sender if it is closable.
func (p *UDPPublisher) Close() error {
	if c, ok := p.sender.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func writePacket(w io.Writer, seq uint32, timestamp int64, values []float32) error {
	err := binary.Write(w, binary.BigEndian, seq)
	if err == nil {
		err = binary.Write(w, binary.BigEndian, timestamp)
	}
	if err == nil {
		err = binary.Write(w, binary.BigEndian, uint16(len(values)))
	}
	if err == nil {
		err = binary.Write(w, binary.BigEndian, values)
	}
	return err
}

// ParsePacket decodes a datagram produced by UDPPublisher.
func ParsePacket(data []byte) (Packet, error) {
	if len(data) < headerSize {
		return Packet{}, fmt.Errorf("packet too short: %d bytes", len(data))
	}
	p := Packet{
		Seq:       binary.BigEndian.Uint32(data[0:4]),
		Timestamp: int64(binary.BigEndian.Uint64(data[4:12])),
	}
	count := int(binary.BigEndian.Uint16(data[12:14]))
	if len(data) != headerSize+4*count {
		return Packet{}, errors.New("packet length does not match value count")
	}
	p.Values = make([]float32, count)
	for i := range p.Values {
		off := headerSize + 4*i
		p.Values[i] = math.Float32frombits(binary.BigEndian.Uint32(data[off : off+4]))
	}
	return p, nil
}

// Ensure UDPPublisher satisfies the io.Closer interface at compile time.
var _ io.Closer = (*UDPPublisher)(nil)
