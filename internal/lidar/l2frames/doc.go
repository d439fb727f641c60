// Package l2frames owns Layer 2 (Frames) of the LiDAR data model.
//
// Responsibilities: grouping decoded samples into complete rotations. The
// G2 marks the first sample of each rotation with a sync flag and is handled
// by ScanAssembler; the LD19 carries no such flag, so RotationAssembler
// closes a rotation when the angle wraps through 0°.
//
// Dependency rule: L2 may depend on L1 (parse), but never on the driver or
// publisher layers.
package l2frames
