// Package testutil provides testing utilities.
//
// This package is intended for use in tests and benchmarks only.
// It provides deterministic random vectors, a recall helper for approximate
// search and a manually advanced clock.
//
// # Random Vector Generation
//
//	rng := testutil.NewRNG(seed)
//	vecs := rng.UniformRangeVectors(1000, 32) // uniform [-1, 1)
//	unit := rng.UnitVectors(10, 32)           // on the unit sphere
//
// # Recall Verification
//
//	recall := testutil.ComputeRecall(approxKeys, exactKeys)
package testutil
