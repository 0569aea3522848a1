// Package train drives the training loop: the per-epoch state machine,
// one worker goroutine per device replica, the gradient all-reduce
// barrier between them, the optimizer and learning-rate schedule, and
// the forward-only calibration pass.
//
// External collaborators (data loading, the network itself, checkpoint
// writing, activation statistics) are consumed through narrow
// interfaces; the orchestrator never reaches into any of them.
package train
