// Package assign maps ground-truth instances onto prediction grid sites
// for one training step.
//
// The primary strategy is adaptive-threshold assignment (ATSS): for each
// instance the top-k closest sites per stride level become candidates,
// the positive IoU threshold is derived from the candidate IoU
// statistics (mean + stddev), and a candidate is positive only if it
// also has its centre inside the instance's rotated box. A simpler
// centre-and-scale fallback covers the configured warmup epochs.
//
// Assignments are created fresh every step and consumed by the loss
// aggregator within the same step; they are never persisted.
package assign
