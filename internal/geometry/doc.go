// Package geometry owns the rotated-rectangle math used across the
// detection pipeline.
//
// Responsibilities: rotated-box representation, rotated IoU via convex
// polygon clipping, and the letterbox coordinate transform between
// network input space and original image space.
// Key types: Box, LetterboxParams.
//
// Dependency rule: geometry is a leaf package and must not import any
// other internal package.
package geometry
