package parse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// G2 request commands. Every request starts with CMD_SYNC_BYTE.
const (
	CMD_SYNC_BYTE         = 0xA5
	CMD_FLAG_HAS_PAYLOAD  = 0x80
	CMD_STOP              = 0x65
	CMD_SCAN              = 0x60
	CMD_FORCE_SCAN        = 0x61
	CMD_RESET             = 0x80
	CMD_FORCE_STOP        = 0x00
	CMD_GET_DEVICE_INFO   = 0x90
	CMD_GET_DEVICE_HEALTH = 0x92
	CMD_AIM_SPEED_ADD_MIC = 0x09 // +0.1 Hz
	CMD_AIM_SPEED_DIS_MIC = 0x0A // -0.1 Hz
	CMD_AIM_SPEED_ADD     = 0x0B // +1 Hz
	CMD_AIM_SPEED_DIS     = 0x0C // -1 Hz
	CMD_GET_AIM_SPEED     = 0x0D
	CMD_SET_SAMPLING_RATE = 0xD0
	CMD_GET_SAMPLING_RATE = 0xD1
	CMD_GET_OFFSET_ANGLE  = 0x93
)

// G2 response framing.
const (
	ANS_SYNC_BYTE1       = 0xA5
	ANS_SYNC_BYTE2       = 0x5A
	ANS_HEADER_SIZE      = 7
	ANS_TYPE_DEVINFO     = 0x04
	ANS_TYPE_DEV_HEALTH  = 0x06
	ANS_TYPE_MEASUREMENT = 0x81
	ANS_SIZE_MASK        = 0x3FFFFFFF

	DEVICE_INFO_SIZE     = 20
	DEVICE_HEALTH_SIZE   = 3
	SCAN_FREQUENCY_SIZE  = 4
	HEALTH_STATUS_ERROR  = 2 // Status value reporting an internal device error
	MEASUREMENT_MIN_SIZE = 5
)

var (
	ErrShortResponse    = errors.New("response payload too short")
	ErrUnexpectedAnswer = errors.New("unexpected response type")
	ErrPayloadTooLarge  = errors.New("command payload exceeds 255 bytes")
)

// EncodeCommand builds a request frame. A non-empty payload sets the payload
// flag and is followed by its size and an XOR checksum.
func EncodeCommand(cmd byte, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return []byte{CMD_SYNC_BYTE, cmd}, nil
	}
	if len(payload) > 0xFF {
		return nil, ErrPayloadTooLarge
	}
	cmd |= CMD_FLAG_HAS_PAYLOAD
	frame := make([]byte, 0, 4+len(payload))
	frame = append(frame, CMD_SYNC_BYTE, cmd, byte(len(payload)))
	frame = append(frame, payload...)
	var cs byte
	for _, b := range frame {
		cs ^= b
	}
	return append(frame, cs), nil
}

// ResponseHeader is the A5 5A preamble of every command answer.
type ResponseHeader struct {
	Size    uint32 // 30 bits
	SubType uint8  // 2 bits
	Type    uint8
}

// DecodeResponseHeader parses a 7-byte response header.
func DecodeResponseHeader(b []byte) (ResponseHeader, error) {
	if len(b) < ANS_HEADER_SIZE {
		return ResponseHeader{}, ErrShortResponse
	}
	if b[0] != ANS_SYNC_BYTE1 || b[1] != ANS_SYNC_BYTE2 {
		return ResponseHeader{}, fmt.Errorf("bad response sync 0x%02x%02x", b[0], b[1])
	}
	word := binary.LittleEndian.Uint32(b[2:6])
	return ResponseHeader{
		Size:    word & ANS_SIZE_MASK,
		SubType: uint8(word >> 30),
		Type:    b[6],
	}, nil
}

// EncodeResponseHeader is the inverse of DecodeResponseHeader.
func EncodeResponseHeader(h ResponseHeader) []byte {
	b := make([]byte, ANS_HEADER_SIZE)
	b[0], b[1] = ANS_SYNC_BYTE1, ANS_SYNC_BYTE2
	binary.LittleEndian.PutUint32(b[2:], h.Size&ANS_SIZE_MASK|uint32(h.SubType)<<30)
	b[6] = h.Type
	return b
}

// ResponseScanner finds a response header in a stream that may still carry
// measurement data from a previous scan.
type ResponseScanner struct {
	buf        [ANS_HEADER_SIZE]byte
	pos        int
	last       byte
	sawPackets bool
}

// Feed consumes one byte and reports whether a full header is available.
func (s *ResponseScanner) Feed(b byte) bool {
	switch s.pos {
	case 0:
		if b != ANS_SYNC_BYTE1 {
			if s.last == G2_PH1 && b == G2_PH2 {
				s.sawPackets = true
			}
			s.last = b
			return false
		}
	case 1:
		if b != ANS_SYNC_BYTE2 {
			s.last = b
			s.pos = 0
			return false
		}
	}
	s.buf[s.pos] = b
	s.pos++
	s.last = b
	return s.pos == ANS_HEADER_SIZE
}

// Header decodes the header once Feed returned true.
func (s *ResponseScanner) Header() ResponseHeader {
	h, _ := DecodeResponseHeader(s.buf[:])
	return h
}

// SawMeasurementPackets reports whether a measurement package marker was
// skipped while searching.
func (s *ResponseScanner) SawMeasurementPackets() bool { return s.sawPackets }

// DeviceInfo is the answer to CMD_GET_DEVICE_INFO.
type DeviceInfo struct {
	Model           uint8    `json:"model"`
	FirmwareVersion uint16   `json:"firmware_version"`
	HardwareVersion uint8    `json:"hardware_version"`
	SerialNumber    [16]byte `json:"-"`
}

// Serial renders the serial number digits.
func (d DeviceInfo) Serial() string {
	var sb strings.Builder
	for _, b := range d.SerialNumber {
		fmt.Fprintf(&sb, "%01X", b&0x0F)
	}
	return sb.String()
}

// Firmware renders the firmware version as major.minor.
func (d DeviceInfo) Firmware() string {
	return fmt.Sprintf("%d.%d", d.FirmwareVersion>>8, d.FirmwareVersion&0xFF)
}

func DecodeDeviceInfo(b []byte) (DeviceInfo, error) {
	if len(b) < DEVICE_INFO_SIZE {
		return DeviceInfo{}, ErrShortResponse
	}
	info := DeviceInfo{
		Model:           b[0],
		FirmwareVersion: binary.LittleEndian.Uint16(b[1:3]),
		HardwareVersion: b[3],
	}
	copy(info.SerialNumber[:], b[4:20])
	return info, nil
}

func EncodeDeviceInfo(d DeviceInfo) []byte {
	b := make([]byte, DEVICE_INFO_SIZE)
	b[0] = d.Model
	binary.LittleEndian.PutUint16(b[1:], d.FirmwareVersion)
	b[3] = d.HardwareVersion
	copy(b[4:], d.SerialNumber[:])
	return b
}

// DeviceHealth is the answer to CMD_GET_DEVICE_HEALTH.
type DeviceHealth struct {
	Status    uint8  `json:"status"`
	ErrorCode uint16 `json:"error_code"`
}

// Healthy reports whether the device did not flag an internal error.
func (h DeviceHealth) Healthy() bool { return h.Status != HEALTH_STATUS_ERROR }

func DecodeDeviceHealth(b []byte) (DeviceHealth, error) {
	if len(b) < DEVICE_HEALTH_SIZE {
		return DeviceHealth{}, ErrShortResponse
	}
	return DeviceHealth{Status: b[0], ErrorCode: binary.LittleEndian.Uint16(b[1:3])}, nil
}

func EncodeDeviceHealth(h DeviceHealth) []byte {
	b := make([]byte, DEVICE_HEALTH_SIZE)
	b[0] = h.Status
	binary.LittleEndian.PutUint16(b[1:], h.ErrorCode)
	return b
}

// DecodeScanFrequency returns the device frequency in Hz from an aim speed
// answer (hundredths of Hz).
func DecodeScanFrequency(b []byte) (float64, error) {
	if len(b) != SCAN_FREQUENCY_SIZE {
		return 0, ErrShortResponse
	}
	return float64(binary.LittleEndian.Uint32(b)) / 100.0, nil
}

func EncodeScanFrequency(hz float64) []byte {
	b := make([]byte, SCAN_FREQUENCY_SIZE)
	binary.LittleEndian.PutUint32(b, uint32(hz*100.0+0.5))
	return b
}
