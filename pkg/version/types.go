// ABOUTME: Lifecycle results for SNAPSHOT/RELEASE transitions
// ABOUTME: Reports what a release, bump or renumber touched

package version

import "github.com/nainya/cubestore/pkg/cube"

// ReleaseResult describes a completed (or no-op) release
type ReleaseResult struct {
	App     string
	Version string
	Status  cube.Status
	// Released lists the cubes moved to RELEASE; empty when NoOp
	Released []cube.Summary
	// Snapshot is the version that received fresh SNAPSHOT copies, if any
	Snapshot string
	// NoOp is set when the version was already released
	NoOp bool
}

// Problem is one pre-release validation failure
type Problem struct {
	Cube   string
	Reason string
}

func (p Problem) String() string { return p.Cube + ": " + p.Reason }
