package pkdtree

import "github.com/aukilabs/kdpart/kdtree"

const (
	ErrTypeAllocation         = "allocation-error"
	ErrTypeBuildFailed        = "build-failed"
	ErrTypeInvalidArgument    = kdtree.ErrTypeInvalidArgument
	ErrTypeDegenerateGeometry = "degenerate-geometry"
	ErrTypeNoTree             = kdtree.ErrTypeNoTree
	ErrTypeClusterMismatch    = "cluster-mismatch"
)

// Message tags of the build phases. The region groups of the breadth-first
// division use positive tags derived from their position in the tree, below
// 1<<(kdtree.MaxTreeLevel+1). Phase tags are negative so they never meet.
const (
	tagBuild = -(iota + 1)
	tagVolumeBounds
	tagParameters
	tagRebuildVote
	tagBuildVote
	tagCompleteTree
	tagReduceData
	tagCellCounts
	tagArrayBounds
	tagFingerprint
)
