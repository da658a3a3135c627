package media

import "errors"

// Sentinel errors of the media package. Check with errors.Is(). FFProbe wraps
// ErrProbeFailed and the ffmpeg adapters wrap ErrEncoderFailed;
// ErrEncoderUnavailable is not returned by any adapter in this package (the
// planner reports a missing encoder as planner.ErrNoEncoder).
var (
	ErrProbeFailed       = errors.New("media: probe failed")
	ErrEncoderUnavailable = errors.New("media: encoder unavailable")
	ErrEncoderFailed      = errors.New("media: encoder failed")
)
