package recorder

import "errors"

var (
	// ErrPermissionDenied reports that the capture source could not
	// start. There is no retry; the recording never leaves Idle.
	ErrPermissionDenied = errors.New("audio capture permission denied")

	// ErrRecordingTooShort reports a stop below the minimum duration.
	// The session is abandoned without a finalize request.
	ErrRecordingTooShort = errors.New("recording shorter than minimum duration")

	// ErrInvalidState reports an operation that the current lifecycle
	// state does not allow, like starting twice.
	ErrInvalidState = errors.New("operation not allowed in current state")

	// ErrEncodingFailure reports audio that could not be framed for the
	// wire, like an odd-length PCM buffer.
	ErrEncodingFailure = errors.New("audio encoding failure")
)
