package parse

import (
	"encoding/binary"
	"math"

	"github.com/cogip/shmlidar/internal/lidar"
)

/*
YDLidar G2 Serial Stream Decoder

The G2 streams triangulation measurements over a 230400 baud link once it has
been put in scan mode. The stream is a sequence of two package kinds, each
introduced by a two-byte marker:

PACKAGE STRUCTURE (little-endian):
├── Measurement package: AA 55 + 8 header bytes + LSN × 3 sample bytes
│   ├── CT (1 byte)            bit 0 = ring start, bits 1..7 = scan frequency (0.1 Hz, ring start only)
│   ├── LSN (1 byte)           number of samples in the package
│   ├── FSA (2 bytes)          first sample angle, q6 << 1 | checkbit
│   ├── LSA (2 bytes)          last sample angle, q6 << 1 | checkbit
│   ├── CS (2 bytes)           XOR checksum
│   └── Sample (3 bytes each)  quality (1 byte) + distance (2 bytes, q2, low 2 bits extend quality)
└── Timestamp package: AA 66 + 6 bytes
    └── flag1, flag2, CS (XOR of the other 7 bytes), stamp u32 ms, reserved

CHECKSUM:
CS = 0x55AA ^ FSA ^ (each quality byte) ^ (each distance word) ^ (CT | LSN << 8) ^ LSA

ANGLES:
Sample angles are interpolated between FSA and LSA, then corrected for the
offset between emitter and receiver, which depends on the measured distance.
A package whose LSA is below its FSA crosses 0°. Only a crossing from above
270° to below 90° is trusted; anything else reuses the previous package's
interval.

RESYNCHRONISATION:
The decoder consumes one byte per Feed call and never looks ahead. A byte
that breaks the expected framing is re-examined as the start of a new marker,
so the scanner always advances and a marker is never skipped.
*/

// G2 package structure constants
const (
	G2_PH                 = 0x55AA // Measurement package marker as a little-endian word
	G2_PH1                = 0xAA   // First marker byte shared by both package kinds
	G2_PH2                = 0x55   // Second byte of a measurement package marker
	G2_PH3                = 0x66   // Second byte of a timestamp package marker
	G2_HEADER_SIZE        = 10     // Marker + CT + LSN + FSA + LSA + CS
	G2_SAMPLE_SIZE        = 3      // Quality byte + distance word
	G2_MAX_SAMPLES        = 255    // LSN is a single byte
	G2_STAMP_PACKAGE_SIZE = 8      // Timestamp package including its marker
	G2_PACKAGE_SIZE       = 40     // Typical measurement package on the wire (10 header + 10 samples)

	ANGLE_CHECKBIT        = 0x01  // Bit 0 of FSA/LSA and of a node angle
	ANGLE_SHIFT           = 1     // Angle fields carry q6 shifted left by one
	QUALITY_SHIFT         = 8     // Low distance bits extend the quality above bit 8
	FULL_CIRCLE_Q6        = 23040 // 360° in 1/64 degree
	WRAP_TRUSTED_FIRST_Q6 = 270 * 64
	WRAP_TRUSTED_LAST_Q6  = 90 * 64
	NODE_DEFAULT_QUALITY  = 10 // Quality reported for samples of a corrupted package
	CT_RING_START         = 0x01
)

// DecoderState is the position of the G2 decoder within the framing.
type DecoderState int

const (
	SeekSync1 DecoderState = iota
	SeekSync2
	ReadHeader
	ReadPayload
	ReadStamp
	Complete
)

func (s DecoderState) String() string {
	switch s {
	case SeekSync1:
		return "SEEK_SYNC1"
	case SeekSync2:
		return "SEEK_SYNC2"
	case ReadHeader:
		return "READ_HEADER_FIELDS"
	case ReadPayload:
		return "READ_PAYLOAD"
	case ReadStamp:
		return "READ_STAMP"
	case Complete:
		return "COMPLETE"
	}
	return "UNKNOWN"
}

// Event is what a single Feed call produced.
type Event int

const (
	EventNone Event = iota
	// EventPacket: a measurement package is complete; see Packet.
	EventPacket
	// EventResync: the framing broke and the decoder is searching again.
	EventResync
	// EventStamp: a timestamp package with a valid checksum was read.
	EventStamp
	// EventBlock: a command response marker (A5 5A) showed up in the stream.
	EventBlock
)

// G2Header is the fixed part of a measurement package.
type G2Header struct {
	CT          uint8
	SampleCount uint8
	FirstAngle  uint16 // raw FSA including the checkbit
	LastAngle   uint16 // raw LSA including the checkbit
	Checksum    uint16
}

// RingStart reports whether the package opens a new rotation.
func (h G2Header) RingStart() bool { return h.CT&CT_RING_START != 0 }

// Frequency returns the scan frequency field in 0.1 Hz.
func (h G2Header) Frequency() uint8 { return (h.CT & 0xFE) >> 1 }

func (h G2Header) FirstAngleQ6() uint16 { return h.FirstAngle >> ANGLE_SHIFT }
func (h G2Header) LastAngleQ6() uint16  { return h.LastAngle >> ANGLE_SHIFT }

// G2Sample is one raw sample of a measurement package.
type G2Sample struct {
	Quality  uint8
	Distance uint16
}

// G2Packet is a complete measurement package.
type G2Packet struct {
	Header     G2Header
	Samples    []G2Sample
	Interval   float32 // q6 per sample
	ChecksumOK bool
}

// ComputeChecksum folds the header and samples the way the device does.
func ComputeChecksum(h G2Header, samples []G2Sample) uint16 {
	cs := uint16(G2_PH) ^ h.FirstAngle
	for _, s := range samples {
		cs ^= uint16(s.Quality)
		cs ^= s.Distance
	}
	cs ^= uint16(h.CT) | uint16(h.SampleCount)<<8
	cs ^= h.LastAngle
	return cs
}

// ValidateChecksum reports whether the transmitted checksum matches.
func ValidateChecksum(p *G2Packet) bool {
	return ComputeChecksum(p.Header, p.Samples) == p.Header.Checksum
}

// EncodeG2Packet builds a measurement package from q6 angles, setting the
// checkbits, the sample count and a valid checksum.
func EncodeG2Packet(ct uint8, firstQ6, lastQ6 uint16, samples []G2Sample) []byte {
	h := G2Header{
		CT:          ct,
		SampleCount: uint8(len(samples)),
		FirstAngle:  firstQ6<<ANGLE_SHIFT | ANGLE_CHECKBIT,
		LastAngle:   lastQ6<<ANGLE_SHIFT | ANGLE_CHECKBIT,
	}
	h.Checksum = ComputeChecksum(h, samples)

	buf := make([]byte, G2_HEADER_SIZE, G2_HEADER_SIZE+len(samples)*G2_SAMPLE_SIZE)
	buf[0], buf[1] = G2_PH1, G2_PH2
	buf[2], buf[3] = h.CT, h.SampleCount
	binary.LittleEndian.PutUint16(buf[4:], h.FirstAngle)
	binary.LittleEndian.PutUint16(buf[6:], h.LastAngle)
	binary.LittleEndian.PutUint16(buf[8:], h.Checksum)
	for _, s := range samples {
		buf = append(buf, s.Quality, byte(s.Distance), byte(s.Distance>>8))
	}
	return buf
}

// EncodeStampPackage builds a timestamp package carrying stampMs.
func EncodeStampPackage(stampMs uint32) []byte {
	buf := []byte{G2_PH1, G2_PH3, 0, 0, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(buf[3:], stampMs)
	var cs byte
	for i, b := range buf {
		if i != 2 {
			cs ^= b
		}
	}
	buf[2] = cs
	return buf
}

// SampleInterval returns the q6 angle step between consecutive samples. When
// the package crosses 0° implausibly, previous is returned and remember is
// false so the caller keeps its stored interval.
func SampleInterval(firstQ6, lastQ6 uint16, count int, previous float32) (interval float32, remember bool) {
	if count <= 1 {
		return 0, false
	}
	if lastQ6 < firstQ6 {
		if firstQ6 > WRAP_TRUSTED_FIRST_Q6 && lastQ6 < WRAP_TRUSTED_LAST_Q6 {
			return float32(float64(FULL_CIRCLE_Q6+int(lastQ6)-int(firstQ6)) / float64(count-1)), true
		}
		return previous, false
	}
	return float32(float64(int(lastQ6)-int(firstQ6)) / float64(count-1)), true
}

// InterpolateAngle returns the uncorrected q6 angle of sample index, before
// wrapping into [0, 360°).
func InterpolateAngle(index int, firstQ6, lastQ6 uint16, count int, previous float32) float32 {
	interval, _ := SampleInterval(firstQ6, lastQ6, count, previous)
	return float32(firstQ6) + interval*float32(index)
}

// CorrectAngleForOpticalOffset returns the q6 angle correction for a sample
// at distanceQ2, compensating for the emitter/receiver baseline.
func CorrectAngleForOpticalOffset(distanceQ2 uint16) int32 {
	if distanceQ2 == 0 {
		return 0
	}
	d := float64(distanceQ2) / 4.0
	return int32(math.Atan(((21.8*(155.3-d))/155.3)/d) * 180.0 / 3.1415 * 64.0)
}

// wrapAngleQ6 folds a corrected angle into the device range and encodes it
// with its checkbit.
func wrapAngleQ6(angle float32) uint16 {
	switch {
	case angle < 0:
		angle += FULL_CIRCLE_Q6
	case angle > FULL_CIRCLE_Q6:
		angle -= FULL_CIRCLE_Q6
	}
	return uint16(int32(angle))<<ANGLE_SHIFT + ANGLE_CHECKBIT
}

// G2DecoderStats counts framing outcomes.
type G2DecoderStats struct {
	Packets        uint64 `json:"packets"`
	ChecksumErrors uint64 `json:"checksum_errors"`
	Resyncs        uint64 `json:"resyncs"`
	Stamps         uint64 `json:"stamps"`
	StampErrors    uint64 `json:"stamp_errors"`
}

// G2Decoder is a byte-at-a-time decoder for the G2 scan stream. It is not
// safe for concurrent use.
type G2Decoder struct {
	state DecoderState
	buf   [G2_HEADER_SIZE + G2_MAX_SAMPLES*G2_SAMPLE_SIZE]byte
	pos   int
	need  int
	prev  byte

	packet       G2Packet
	samples      [G2_MAX_SAMPLES]G2Sample
	lastInterval float32
	frequency    uint8
	stamp        uint64
	packetError  bool

	stats G2DecoderStats
}

// NewG2Decoder returns a decoder searching for its first marker.
func NewG2Decoder() *G2Decoder {
	return &G2Decoder{}
}

// State returns the current framing state.
func (d *G2Decoder) State() DecoderState { return d.state }

// Stats returns the framing counters.
func (d *G2Decoder) Stats() G2DecoderStats { return d.stats }

// Stamp returns the last device timestamp in ns, 0 if none was received.
func (d *G2Decoder) Stamp() uint64 { return d.stamp }

// Frequency returns the scan frequency of the last ring start, in 0.1 Hz.
func (d *G2Decoder) Frequency() uint8 { return d.frequency }

// Packet returns the package completed by the last EventPacket. It is
// overwritten by the next one.
func (d *G2Decoder) Packet() *G2Packet { return &d.packet }

// Reset drops any partial package and returns to SeekSync1.
func (d *G2Decoder) Reset() {
	d.state = SeekSync1
	d.pos = 0
	d.prev = 0
}

// Feed consumes one byte.
func (d *G2Decoder) Feed(b byte) Event {
	if d.state == Complete {
		d.state = SeekSync1
	}

	switch d.state {
	case SeekSync1:
		if b == G2_PH1 {
			d.buf[0] = b
			d.pos = 1
			d.state = SeekSync2
			d.prev = 0
			return EventNone
		}
		ev := EventNone
		if d.prev == 0xA5 && b == 0x5A {
			ev = EventBlock
		}
		d.prev = b
		return ev

	case SeekSync2:
		switch b {
		case G2_PH2:
			d.buf[1] = b
			d.pos = 2
			d.state = ReadHeader
			return EventNone
		case G2_PH3:
			d.buf[1] = b
			d.pos = 2
			d.state = ReadStamp
			return EventNone
		}
		return d.resync(b)

	case ReadStamp:
		d.buf[d.pos] = b
		d.pos++
		if d.pos < G2_STAMP_PACKAGE_SIZE {
			return EventNone
		}
		d.state = Complete
		return d.finishStamp()

	case ReadHeader:
		// Angle fields must carry their checkbit in the low byte.
		if (d.pos == 4 || d.pos == 6) && b&ANGLE_CHECKBIT == 0 {
			return d.resync(b)
		}
		d.buf[d.pos] = b
		d.pos++
		if d.pos < G2_HEADER_SIZE {
			return EventNone
		}
		d.need = G2_HEADER_SIZE + int(d.buf[3])*G2_SAMPLE_SIZE
		if d.pos < d.need {
			d.state = ReadPayload
			return EventNone
		}
		d.state = Complete
		d.finishPacket()
		return EventPacket

	case ReadPayload:
		d.buf[d.pos] = b
		d.pos++
		if d.pos < d.need {
			return EventNone
		}
		d.state = Complete
		d.finishPacket()
		return EventPacket
	}
	return EventNone
}

// resync abandons the current package. The offending byte may itself start
// the next marker.
func (d *G2Decoder) resync(b byte) Event {
	d.stats.Resyncs++
	d.packetError = true
	diagf("G2 resync in %s at byte 0x%02x", d.state, b)
	d.state = SeekSync1
	d.pos = 0
	d.prev = 0
	if b == G2_PH1 {
		d.buf[0] = b
		d.pos = 1
		d.state = SeekSync2
	}
	return EventResync
}

func (d *G2Decoder) finishStamp() Event {
	var cs byte
	for i := 0; i < G2_STAMP_PACKAGE_SIZE; i++ {
		if i != 2 {
			cs ^= d.buf[i]
		}
	}
	if cs != d.buf[2] {
		d.stats.StampErrors++
		opsf("Stamp checksum error c[0x%02x] != r[0x%02x]", cs, d.buf[2])
		return EventResync
	}
	d.stats.Stamps++
	d.stamp = uint64(binary.LittleEndian.Uint32(d.buf[3:7])) * 1000000
	return EventStamp
}

func (d *G2Decoder) finishPacket() {
	h := G2Header{
		CT:          d.buf[2],
		SampleCount: d.buf[3],
		FirstAngle:  binary.LittleEndian.Uint16(d.buf[4:]),
		LastAngle:   binary.LittleEndian.Uint16(d.buf[6:]),
		Checksum:    binary.LittleEndian.Uint16(d.buf[8:]),
	}
	n := int(h.SampleCount)
	for i := 0; i < n; i++ {
		off := G2_HEADER_SIZE + i*G2_SAMPLE_SIZE
		d.samples[i] = G2Sample{
			Quality:  d.buf[off],
			Distance: binary.LittleEndian.Uint16(d.buf[off+1:]),
		}
	}

	interval, remember := SampleInterval(h.FirstAngleQ6(), h.LastAngleQ6(), n, d.lastInterval)
	if remember {
		d.lastInterval = interval
	}
	if h.RingStart() {
		d.frequency = h.Frequency()
	}

	d.packet = G2Packet{Header: h, Samples: d.samples[:n], Interval: interval}
	d.packet.ChecksumOK = ValidateChecksum(&d.packet)

	d.stats.Packets++
	tracef("G2 package ct=0x%02x lsn=%d fsa=%d lsa=%d", h.CT, n, h.FirstAngleQ6(), h.LastAngleQ6())
	switch {
	case !d.packet.ChecksumOK:
		d.stats.ChecksumErrors++
		d.packetError = true
		opsf("G2 checksum mismatch: computed 0x%04x, received 0x%04x", ComputeChecksum(h, d.packet.Samples), h.Checksum)
	case h.RingStart():
		d.packetError = false
	}
}

// AppendNodes converts the last completed package into nodes. now is used as
// the stamp until the device has sent a timestamp package.
func (d *G2Decoder) AppendNodes(dst []lidar.Node, now uint64) []lidar.Node {
	p := &d.packet
	stamp := d.stamp
	if stamp == 0 {
		stamp = now
	}
	firstQ6 := float32(p.Header.FirstAngleQ6())

	for i, s := range p.Samples {
		node := lidar.Node{
			Sync:          lidar.NodeNotSync,
			Quality:       NODE_DEFAULT_QUALITY,
			Stamp:         stamp,
			ScanFrequency: d.frequency,
		}
		if !p.ChecksumOK {
			node.AngleQ6Checkbit = ANGLE_CHECKBIT
			node.ScanFrequency = 0
			node.Error = true
			dst = append(dst, node)
			continue
		}

		if p.Header.RingStart() && i == 0 {
			node.Sync = lidar.NodeSync
		} else if d.packetError {
			node.Error = true
		}
		node.Quality = uint16(s.Distance&0x03)<<QUALITY_SHIFT | uint16(s.Quality)
		node.DistanceQ2 = s.Distance & 0xfffc

		corr := CorrectAngleForOpticalOffset(node.DistanceQ2)
		node.AngleQ6Checkbit = wrapAngleQ6(firstQ6 + p.Interval*float32(i) + float32(corr))
		dst = append(dst, node)
	}
	return dst
}
