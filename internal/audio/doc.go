// Package audio handles capture-side sample conversion and framing.
// It implements float32 to PCM-16 conversion, the normalized loudness
// meter, frame cadence sizing, pluggable capture sources, and the
// non-blocking archival tee.
package audio
