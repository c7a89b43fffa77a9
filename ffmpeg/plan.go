package ffmpeg

import (
	"fmt"
	"math"
)

// Policy selects which input's duration is authoritative when the two clips
// disagree.
type Policy string

const (
	// PolicyMerge conforms the video to the audio duration: loop+trim when
	// the audio is longer, trim when the video is longer.
	PolicyMerge Policy = "merge"
	// PolicyReplace never shortens the video: the audio is looped or trimmed
	// to fit when the video is longer.
	PolicyReplace Policy = "replace"
	// PolicyLoopExact behaves like PolicyMerge; the dedicated endpoint exists
	// so callers can ask for looping explicitly.
	PolicyLoopExact Policy = "loop_exact"
)

// durationTolerance is the slack within which two clip durations count as
// equal. ffprobe reports microseconds; anything under a millisecond is far
// below a single frame.
const durationTolerance = 0.001

// Plan describes how to conform a video/audio clip pair to a common duration.
// Loop counts are total play counts: 1 means play once, i.e. no looping.
// Target is the output duration in seconds; both streams are trimmed to it.
type Plan struct {
	VideoLoops int
	AudioLoops int
	Target     float64
}

// VideoChanged reports whether the plan alters the video stream.
func (p Plan) VideoChanged(videoDur float64) bool {
	return p.VideoLoops > 1 || math.Abs(p.Target-videoDur) > durationTolerance
}

// AudioChanged reports whether the plan alters the audio stream.
func (p Plan) AudioChanged(audioDur float64) bool {
	return p.AudioLoops > 1 || math.Abs(p.Target-audioDur) > durationTolerance
}

// loopsFor returns how many times a clip of length short must play to cover
// target. Over-loops by one full cycle so the looped clip strictly exceeds
// the target before trimming; integer truncation alone could come up short.
func loopsFor(target, short float64) int {
	return int(target/short) + 1
}

// BuildPlan decides looping and trimming for the given clip durations under
// the given policy. It performs no I/O. Durations must be positive; the
// caller validates inputs before any engine work starts.
func BuildPlan(videoDur, audioDur float64, policy Policy) (Plan, error) {
	if videoDur <= 0 {
		return Plan{}, fmt.Errorf("invalid video duration %.3fs", videoDur)
	}
	if audioDur <= 0 {
		return Plan{}, fmt.Errorf("invalid audio duration %.3fs", audioDur)
	}

	switch policy {
	case PolicyMerge, PolicyLoopExact, PolicyReplace:
	default:
		return Plan{}, fmt.Errorf("unknown policy %q", policy)
	}

	plan := Plan{VideoLoops: 1, AudioLoops: 1}

	if math.Abs(videoDur-audioDur) <= durationTolerance {
		plan.Target = videoDur
		return plan, nil
	}

	switch {
	case audioDur > videoDur:
		// Audio longer: all policies loop the video out past the audio and
		// trim back to the exact audio duration.
		plan.VideoLoops = loopsFor(audioDur, videoDur)
		plan.Target = audioDur
	case policy == PolicyReplace:
		// Video longer under replace: the video is authoritative, so the
		// audio is looped past it and trimmed.
		plan.AudioLoops = loopsFor(videoDur, audioDur)
		plan.Target = videoDur
	default:
		// Video longer under merge/loop_exact: trim the video to the audio.
		plan.Target = audioDur
	}

	return plan, nil
}
