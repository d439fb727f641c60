package parse

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetLogWriters_Streams(t *testing.T) {
	var ops, diag, trace bytes.Buffer
	SetLogWriters(&ops, &diag, &trace)
	defer SetLogWriters(nil, nil, nil)

	pkt := EncodeG2Packet(0, 10*64, 20*64, samplesAt(2, 4000))
	pkt[len(pkt)-1] ^= 0xFF
	d := NewG2Decoder()
	feedAll(d, append([]byte{G2_PH1, 0x00}, pkt...))

	if !strings.Contains(ops.String(), "[parse] ") || !strings.Contains(ops.String(), "checksum mismatch") {
		t.Errorf("ops stream missing checksum failure, got %q", ops.String())
	}
	if !strings.Contains(diag.String(), "resync") {
		t.Errorf("diag stream missing resync, got %q", diag.String())
	}
	if !strings.Contains(trace.String(), "package ct=0x00 lsn=2") {
		t.Errorf("trace stream missing package line, got %q", trace.String())
	}
}

func TestSetLogWriters_Disabled(t *testing.T) {
	SetLogWriters(nil, nil, nil)
	if opsLogger != nil || diagLogger != nil || traceLogger != nil {
		t.Fatal("loggers should be nil after SetLogWriters(nil, nil, nil)")
	}
	// Should not panic.
	opsf("no-op %d", 1)
	diagf("no-op %d", 1)
	tracef("no-op %d", 1)
}
