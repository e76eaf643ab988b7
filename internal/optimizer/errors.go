package optimizer

import "errors"

var (
	// ErrNotFound is returned by Step for a handle with no active state.
	ErrNotFound = errors.New("optimizer not found")
	// ErrLengthMismatch is returned when the buffers of one step disagree in
	// length with each other or with the length established by the first step.
	ErrLengthMismatch = errors.New("buffer length mismatch")
	// ErrInvalidHyperparameter is returned for out-of-range hyperparameters,
	// unknown families, invalid buffers and step counters that move backwards.
	ErrInvalidHyperparameter = errors.New("invalid hyperparameter")
	// ErrDeviceSync is returned when a device shadow copy fails. The in-place
	// host update of that step has already been applied.
	ErrDeviceSync = errors.New("device sync failed")
	// ErrDuplicateHandle is returned by StepBatch when a handle appears twice.
	ErrDuplicateHandle = errors.New("duplicate handle in batch")
)
