package parse

import (
	"encoding/binary"
)

/*
LDROBOT LD19 Serial Stream Decoder

The LD19 pushes fixed-size frames without any command handshake. Every frame
starts with 0x54 followed by a type byte and ends with a CRC-8 over all the
preceding bytes.

FRAME TYPES:
├── Measurement (0x54 0x2C), 47 bytes
│   ├── speed (2 bytes)          degrees per second
│   ├── start angle (2 bytes)    0.01 degree
│   ├── 12 × point (3 bytes)     distance mm (2 bytes) + intensity (1 byte)
│   ├── end angle (2 bytes)      0.01 degree
│   ├── timestamp (2 bytes)      ms, wraps at 30000
│   └── CRC-8 (1 byte)
├── Health (0x54 0xE0), 4 bytes: error code + CRC-8
└── Manufacturer info (0x54 0x0F), 23 bytes
    └── speed, product version, serial high/low, hardware and firmware versions, CRC-8

The CRC uses polynomial 0x4D, MSB first, initial value 0.
*/

// LD19 frame constants
const (
	LD19_HEADER         = 0x54
	LD19_VER_LEN        = 0x2C // Measurement frame type, low 5 bits = points per frame
	LD19_HEALTH         = 0xE0
	LD19_MANUFACT       = 0x0F
	LD19_POINT_PER_PACK = 12
	LD19_POINT_SIZE     = 3
	LD19_PACKET_SIZE    = 47
	LD19_HEALTH_SIZE    = 4
	LD19_MANUFACT_SIZE  = 23
	LD19_CRC_POLY       = 0x4D
	LD19_NOMINAL_SPEED  = 4500 // deg/s at 12.5 Hz (ten times the 360° sweep in 0.08 s)
	LD19_ANGLE_SLACK    = 1.5  // Accepted angular span relative to the speed-derived span
	LD19_MAX_FRAME_SIZE = LD19_PACKET_SIZE
)

var crc8Table = makeCRC8Table(LD19_CRC_POLY)

func makeCRC8Table(poly byte) [256]byte {
	var t [256]byte
	for i := 0; i < 256; i++ {
		crc := byte(i)
		for bit := 0; bit < 8; bit++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}

// CRC8 computes the LD19 frame checksum.
func CRC8(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc
}

// LD19Point is one raw measurement of a frame.
type LD19Point struct {
	Distance  uint16
	Intensity uint8
}

// LD19Packet is a decoded measurement frame.
type LD19Packet struct {
	Speed      uint16
	StartAngle uint16
	Points     [LD19_POINT_PER_PACK]LD19Point
	EndAngle   uint16
	Timestamp  uint16
}

// AngleSpanPlausible rejects frames whose start/end angles disagree with the
// reported rotation speed.
func (p *LD19Packet) AngleSpanPlausible() bool {
	span := (int(p.EndAngle)/100 - int(p.StartAngle)/100 + 360) % 360
	return float64(span) <= float64(p.Speed)*LD19_POINT_PER_PACK/LD19_NOMINAL_SPEED*LD19_ANGLE_SLACK
}

// AngleStep returns the angle between consecutive points in degrees, with
// the integer truncation the device firmware applies.
func (p *LD19Packet) AngleStep() float64 {
	diff := (int(p.EndAngle) + 36000 - int(p.StartAngle)) % 36000
	return float64(diff/(LD19_POINT_PER_PACK-1)) / 100.0
}

// PointAngle returns the angle of point i in [0, 360).
func (p *LD19Packet) PointAngle(i int) float64 {
	a := float64(p.StartAngle)/100.0 + float64(i)*p.AngleStep()
	if a >= 360.0 {
		a -= 360.0
	}
	return a
}

// LD19Manufacturer is the device identification frame.
type LD19Manufacturer struct {
	Speed          uint16 `json:"speed"`
	ProductVersion uint16 `json:"product_version"`
	SerialHigh     uint32 `json:"sn_high"`
	SerialLow      uint32 `json:"sn_low"`
	Hardware       uint32 `json:"hardware_version"`
	Firmware       uint32 `json:"firmware_version"`
}

// EncodeLD19Packet serialises a measurement frame with its CRC.
func EncodeLD19Packet(p LD19Packet) []byte {
	b := make([]byte, LD19_PACKET_SIZE)
	b[0], b[1] = LD19_HEADER, LD19_VER_LEN
	binary.LittleEndian.PutUint16(b[2:], p.Speed)
	binary.LittleEndian.PutUint16(b[4:], p.StartAngle)
	for i, pt := range p.Points {
		off := 6 + i*LD19_POINT_SIZE
		binary.LittleEndian.PutUint16(b[off:], pt.Distance)
		b[off+2] = pt.Intensity
	}
	binary.LittleEndian.PutUint16(b[42:], p.EndAngle)
	binary.LittleEndian.PutUint16(b[44:], p.Timestamp)
	b[46] = CRC8(b[:46])
	return b
}

// EncodeLD19Health serialises a health frame.
func EncodeLD19Health(code byte) []byte {
	b := []byte{LD19_HEADER, LD19_HEALTH, code, 0}
	b[3] = CRC8(b[:3])
	return b
}

// LD19DecoderStats counts framing outcomes.
type LD19DecoderStats struct {
	Packets   uint64 `json:"packets"`
	CRCErrors uint64 `json:"crc_errors"`
	Rejected  uint64 `json:"rejected"`
	Health    uint64 `json:"health"`
}

// LD19Decoder is a byte-at-a-time LD19 frame decoder. It is not safe for
// concurrent use.
type LD19Decoder struct {
	buf  [LD19_MAX_FRAME_SIZE]byte
	pos  int
	need int

	packet      LD19Packet
	healthCode  byte
	manufacture LD19Manufacturer
	stats       LD19DecoderStats
}

func NewLD19Decoder() *LD19Decoder { return &LD19Decoder{} }

func (d *LD19Decoder) Stats() LD19DecoderStats { return d.stats }

// Packet returns the frame completed by the last EventPacket.
func (d *LD19Decoder) Packet() *LD19Packet { return &d.packet }

// HealthCode returns the error code of the last health frame.
func (d *LD19Decoder) HealthCode() byte { return d.healthCode }

// Manufacturer returns the last identification frame.
func (d *LD19Decoder) Manufacturer() LD19Manufacturer { return d.manufacture }

// Feed consumes one byte. Health and manufacturer frames report EventBlock.
func (d *LD19Decoder) Feed(b byte) Event {
	switch d.pos {
	case 0:
		if b == LD19_HEADER {
			d.buf[0] = b
			d.pos = 1
		}
		return EventNone
	case 1:
		switch b {
		case LD19_VER_LEN:
			d.need = LD19_PACKET_SIZE
		case LD19_HEALTH:
			d.need = LD19_HEALTH_SIZE
		case LD19_MANUFACT:
			d.need = LD19_MANUFACT_SIZE
		default:
			d.pos = 0
			if b == LD19_HEADER {
				d.pos = 1
			}
			return EventResync
		}
		d.buf[1] = b
		d.pos = 2
		return EventNone
	}

	d.buf[d.pos] = b
	d.pos++
	if d.pos < d.need {
		return EventNone
	}
	d.pos = 0
	frame := d.buf[:d.need]
	if CRC8(frame[:d.need-1]) != frame[d.need-1] {
		d.stats.CRCErrors++
		diagf("LD19 CRC mismatch on frame type 0x%02x", frame[1])
		return EventResync
	}

	switch frame[1] {
	case LD19_HEALTH:
		d.healthCode = frame[2]
		d.stats.Health++
		return EventBlock
	case LD19_MANUFACT:
		d.manufacture = LD19Manufacturer{
			Speed:          binary.LittleEndian.Uint16(frame[2:]),
			ProductVersion: binary.LittleEndian.Uint16(frame[4:]),
			SerialHigh:     binary.LittleEndian.Uint32(frame[6:]),
			SerialLow:      binary.LittleEndian.Uint32(frame[10:]),
			Hardware:       binary.LittleEndian.Uint32(frame[14:]),
			Firmware:       binary.LittleEndian.Uint32(frame[18:]),
		}
		return EventBlock
	}

	p := LD19Packet{
		Speed:      binary.LittleEndian.Uint16(frame[2:]),
		StartAngle: binary.LittleEndian.Uint16(frame[4:]),
		EndAngle:   binary.LittleEndian.Uint16(frame[42:]),
		Timestamp:  binary.LittleEndian.Uint16(frame[44:]),
	}
	for i := range p.Points {
		off := 6 + i*LD19_POINT_SIZE
		p.Points[i] = LD19Point{
			Distance:  binary.LittleEndian.Uint16(frame[off:]),
			Intensity: frame[off+2],
		}
	}
	if !p.AngleSpanPlausible() {
		d.stats.Rejected++
		diagf("LD19 frame rejected: speed %d start %d end %d", p.Speed, p.StartAngle, p.EndAngle)
		return EventResync
	}
	d.packet = p
	d.stats.Packets++
	return EventPacket
}
