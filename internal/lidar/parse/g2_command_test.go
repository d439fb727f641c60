package parse

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCommand(t *testing.T) {
	frame, err := EncodeCommand(CMD_SCAN, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xA5, 0x60}, frame)

	frame, err = EncodeCommand(CMD_SET_SAMPLING_RATE, []byte{0x02})
	require.NoError(t, err)
	// 0xA5 ^ 0xD0 ^ 0x01 ^ 0x02 = 0x76
	assert.Equal(t, []byte{0xA5, 0xD0, 0x01, 0x02, 0x76}, frame)

	_, err = EncodeCommand(CMD_SCAN, make([]byte, 256))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestResponseHeader(t *testing.T) {
	raw := []byte{0xA5, 0x5A, 0x05, 0x00, 0x00, 0x40, 0x81}
	h, err := DecodeResponseHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, ResponseHeader{Size: 5, SubType: 1, Type: ANS_TYPE_MEASUREMENT}, h)
	assert.Equal(t, raw, EncodeResponseHeader(h))

	_, err = DecodeResponseHeader(raw[:6])
	assert.ErrorIs(t, err, ErrShortResponse)
	_, err = DecodeResponseHeader([]byte{0xA5, 0x00, 0, 0, 0, 0, 0})
	assert.Error(t, err)
}

func TestResponseScanner_SkipsMeasurementData(t *testing.T) {
	stream := EncodeG2Packet(0, 10*64, 20*64, samplesAt(2, 4000))
	stream = append(stream, 0xA5, 0x00)
	stream = append(stream, EncodeResponseHeader(ResponseHeader{Size: DEVICE_HEALTH_SIZE, Type: ANS_TYPE_DEV_HEALTH})...)

	var s ResponseScanner
	found := -1
	for i, b := range stream {
		if s.Feed(b) {
			found = i
			break
		}
	}
	require.Equal(t, len(stream)-1, found)
	assert.True(t, s.SawMeasurementPackets())
	assert.Equal(t, ResponseHeader{Size: DEVICE_HEALTH_SIZE, Type: ANS_TYPE_DEV_HEALTH}, s.Header())
}

func TestDeviceInfo(t *testing.T) {
	in := DeviceInfo{Model: 12, FirmwareVersion: 0x0103, HardwareVersion: 2}
	for i := range in.SerialNumber {
		in.SerialNumber[i] = byte(i % 10)
	}
	out, err := DecodeDeviceInfo(EncodeDeviceInfo(in))
	require.NoError(t, err)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("device info mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "1.3", out.Firmware())
	assert.Equal(t, "0123456789012345", out.Serial())

	_, err = DecodeDeviceInfo(make([]byte, DEVICE_INFO_SIZE-1))
	assert.ErrorIs(t, err, ErrShortResponse)
}

func TestDeviceHealth(t *testing.T) {
	h, err := DecodeDeviceHealth([]byte{HEALTH_STATUS_ERROR, 0x34, 0x12})
	require.NoError(t, err)
	assert.False(t, h.Healthy())
	assert.Equal(t, uint16(0x1234), h.ErrorCode)

	h, err = DecodeDeviceHealth([]byte{0, 0, 0})
	require.NoError(t, err)
	assert.True(t, h.Healthy())
}

func TestScanFrequency(t *testing.T) {
	hz, err := DecodeScanFrequency([]byte{0xD2, 0x02, 0x00, 0x00})
	require.NoError(t, err)
	assert.InDelta(t, 7.22, hz, 1e-9)
	assert.Equal(t, []byte{0xD2, 0x02, 0x00, 0x00}, EncodeScanFrequency(7.22))

	_, err = DecodeScanFrequency([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortResponse)
}
