// Package loss computes the multi-task training loss for one batch:
// quality-focal classification, rotated-IoU box regression, optional
// distribution-focal refinement, the angle term matching the active
// codec variant, and optional teacher-distillation terms.
//
// Every term is guarded: a non-finite intermediate is dropped before
// aggregation and an empty positive set zeroes the positive-dependent
// terms, so the total is always finite.
package loss
