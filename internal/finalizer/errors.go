package finalizer

import "errors"

// ErrOutputRejected is returned when the encoder's reported output file
// cannot be stat'd at all — distinct from the size/VMAF gates, which reject
// an output that exists but doesn't meet the configured thresholds (those
// paths transition the job to Skipped themselves and return nil).
var ErrOutputRejected = errors.New("finalizer: output file missing or unreadable")
