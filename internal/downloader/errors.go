package downloader

import (
	"errors"
)

// Sentinel errors. Use errors.Is to check for a specific condition; every
// error from a finished download is also an *Error.
var (
	// ErrNotFound indicates the model ID is not in the catalog.
	ErrNotFound = errors.New("downloader: model not found")

	// ErrInsufficientStorage indicates the pre-flight writability or free
	// space check failed.
	ErrInsufficientStorage = errors.New("downloader: insufficient storage")

	// ErrIntegrityMismatch indicates the downloaded file failed the size
	// check.
	ErrIntegrityMismatch = errors.New("downloader: integrity mismatch")

	// ErrTransportTimeout indicates the connection stalled past the
	// inactivity timeout.
	ErrTransportTimeout = errors.New("downloader: connection timeout")

	// ErrTransport indicates any other network failure.
	ErrTransport = errors.New("downloader: network error")

	// ErrCancelled indicates the download was cancelled by the caller or
	// by engine shutdown.
	ErrCancelled = errors.New("downloader: download cancelled")

	// ErrFileSystem indicates a local I/O failure.
	ErrFileSystem = errors.New("downloader: file system error")

	// ErrAlreadyInProgress is returned by Start when the model already has
	// an active download.
	ErrAlreadyInProgress = errors.New("downloader: download already in progress")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("downloader: engine closed")
)

// Error is a classified download failure. Kind is one of the sentinel
// errors above; Err is the underlying cause and may be nil.
type Error struct {
	Kind error
	Err  error

	// msg overrides the event message derived from Kind.
	msg string
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Message returns the text published in the terminal event.
func (e *Error) Message() string {
	if e.msg != "" {
		return e.msg
	}

	switch e.Kind {
	case ErrNotFound:
		return "Model not found"
	case ErrCancelled:
		return "Download cancelled"
	case ErrTransportTimeout:
		return "Connection timeout"
	case ErrTransport:
		return "Network error: " + e.detail()
	case ErrFileSystem:
		return "File system error: " + e.detail()
	case ErrInsufficientStorage:
		return "Insufficient storage: " + e.detail()
	case ErrIntegrityMismatch:
		return "Integrity check failed: " + e.detail()
	}
	return e.Error()
}

func (e *Error) detail() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Err.Error()
}
