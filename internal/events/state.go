package events

// Status is the lifecycle stage of a download attempt.
type Status string

const (
	// StatusIdle means no transfer has been requested.
	StatusIdle Status = "idle"

	// StatusStarting means the transfer is being set up.
	StatusStarting Status = "starting"

	// StatusDownloading means bytes are being received.
	StatusDownloading Status = "downloading"

	// StatusPaused is reserved. The engine never produces it.
	StatusPaused Status = "paused"

	// StatusCompleted means the artifact is on disk and verified.
	StatusCompleted Status = "completed"

	// StatusFailed means the attempt ended with an error.
	StatusFailed Status = "failed"

	// StatusCancelled means the attempt was aborted on request.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of Status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further events follow for the attempt.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// State is one download status transition. A new value is published for
// every transition; values are never mutated after construction.
type State struct {
	// ModelID is the catalog identifier of the model.
	ModelID string

	// ModelName is the display name of the model.
	ModelName string

	// AttemptID identifies the download attempt this state belongs to.
	// Empty for states published before an attempt was registered.
	AttemptID string

	Status Status

	// Progress is the completed fraction in [0, 1].
	Progress float64

	// DownloadedBytes counts bytes on disk, including any resumed prefix.
	DownloadedBytes int64

	// TotalBytes is the expected artifact size. It may be revised when
	// the server reports the remaining length.
	TotalBytes int64

	// Error is set for failed and cancelled states.
	Error string
}

// Percent returns Progress as a whole percentage.
func (s State) Percent() int {
	return int(s.Progress * 100)
}

// Clamp limits a progress fraction to [0, 1].
func Clamp(f float64) float64 {
	switch {
	case f != f: // NaN
		return 0
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Fraction computes done/total clamped to [0, 1]. A non-positive total
// yields 0.
func Fraction(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return Clamp(float64(done) / float64(total))
}
