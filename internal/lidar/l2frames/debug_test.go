package l2frames

import (
	"bytes"
	"strings"
	"testing"

	"github.com/cogip/shmlidar/internal/lidar"
)

func TestSetLogWriters_RoutesStreams(t *testing.T) {
	var ops, diag, trace bytes.Buffer
	SetLogWriters(&ops, &diag, &trace)
	defer SetLogWriters(nil, nil, nil)

	a := NewScanAssembler(4)
	a.Add(lidar.Node{Sync: lidar.NodeNotSync})
	a.Add(lidar.Node{Sync: lidar.NodeSync})
	a.Add(lidar.Node{Sync: lidar.NodeNotSync})
	a.Add(lidar.Node{Sync: lidar.NodeSync})
	for i := 0; i < 4; i++ {
		a.Add(lidar.Node{Sync: lidar.NodeNotSync})
	}

	if !strings.Contains(diag.String(), "[l2frames] ") || !strings.Contains(diag.String(), "without a rotation start") {
		t.Errorf("diag stream missing discard, got %q", diag.String())
	}
	if !strings.Contains(trace.String(), "rotation complete: 2 samples") {
		t.Errorf("trace stream missing rotation, got %q", trace.String())
	}
	if !strings.Contains(ops.String(), "exceeded 4 samples, truncating") {
		t.Errorf("ops stream missing overflow, got %q", ops.String())
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
