package l2frames

import (
	"github.com/cogip/shmlidar/internal/lidar"
)

// MaxScanNodes bounds the samples held for a single rotation.
const MaxScanNodes = 7200

// ScanAssemblerStats counts assembly outcomes.
type ScanAssemblerStats struct {
	Rotations  uint64 `json:"rotations"`
	Discarded  uint64 `json:"discarded"`  // rotations that did not start on a sync sample
	Degenerate uint64 `json:"degenerate"` // sync samples immediately followed by another
	Overflows  uint64 `json:"overflows"`
}

// ScanAssembler groups G2 nodes into rotations. A rotation runs from a sync
// node up to, but excluding, the next sync node. Samples received before the
// first sync node never form a rotation.
type ScanAssembler struct {
	nodes    []lidar.Node
	maxNodes int
	// overflowed is set once the rotation in progress hit maxNodes.
	overflowed bool
	stats      ScanAssemblerStats
}

// NewScanAssembler returns an assembler holding at most maxNodes samples per
// rotation. maxNodes <= 0 selects MaxScanNodes.
func NewScanAssembler(maxNodes int) *ScanAssembler {
	if maxNodes <= 0 {
		maxNodes = MaxScanNodes
	}
	return &ScanAssembler{
		nodes:    make([]lidar.Node, 0, maxNodes),
		maxNodes: maxNodes,
	}
}

// Add appends n. When n is a sync node and the samples held so far form a
// rotation, that rotation is returned; the slice is owned by the caller. The
// first node of a returned rotation carries the delay time of the sync node
// that closed it.
func (a *ScanAssembler) Add(n lidar.Node) []lidar.Node {
	var done []lidar.Node
	if n.IsSync() {
		done = a.take()
		if done != nil {
			done[0].DelayTime = n.DelayTime
		}
	}
	a.nodes = append(a.nodes, n)
	if len(a.nodes) == a.maxNodes {
		// Samples past the limit are dropped until the rotation closes.
		if !a.overflowed {
			a.stats.Overflows++
			opsf("rotation exceeded %d samples, truncating it", a.maxNodes)
		}
		a.overflowed = true
		a.nodes = a.nodes[:a.maxNodes-1]
	}
	return done
}

// take empties the buffer, returning its content if it is a rotation.
func (a *ScanAssembler) take() []lidar.Node {
	defer func() {
		a.nodes = a.nodes[:0]
		a.overflowed = false
	}()
	if len(a.nodes) == 0 {
		return nil
	}
	if !a.nodes[0].IsSync() {
		a.stats.Discarded++
		diagf("discarding %d samples without a rotation start", len(a.nodes))
		return nil
	}
	if len(a.nodes) <= 1 {
		a.stats.Degenerate++
		return nil
	}
	a.stats.Rotations++
	tracef("rotation complete: %d samples", len(a.nodes))
	out := make([]lidar.Node, len(a.nodes))
	copy(out, a.nodes)
	return out
}

// Timeout marks the rotation in progress as broken so it is discarded at the
// next sync node.
func (a *ScanAssembler) Timeout() {
	if len(a.nodes) > 0 {
		a.nodes[0].Sync = lidar.NodeNotSync
	}
}

// Reset drops everything held.
func (a *ScanAssembler) Reset() {
	a.nodes = a.nodes[:0]
	a.overflowed = false
}

// Len returns the number of samples held for the rotation in progress.
func (a *ScanAssembler) Len() int { return len(a.nodes) }

// Stats returns the assembly counters.
func (a *ScanAssembler) Stats() ScanAssemblerStats { return a.stats }
