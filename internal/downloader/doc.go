// Package downloader fetches catalog models into the local cache.
//
// The Engine streams one HTTP response per model straight into the target
// file, resuming from whatever a previous attempt left on disk. Every
// status transition is published on an events.Bus, and a finished file
// that passes the size check is recorded in the integrity tracker.
//
// # Usage
//
//	engine := downloader.New(cat, locator, tracker, bus, log, downloader.DefaultOptions())
//	defer engine.Close()
//
//	sub := bus.ProgressFor("gemma-2b-it")
//	defer sub.Close()
//	go render(sub.C())
//
//	if !engine.Download(ctx, "gemma-2b-it") {
//	    // the failed or cancelled state on the bus says why
//	}
//
// # Failure handling
//
// Failures never escape as panics or bare errors from Download: each ends
// the attempt with a failed or cancelled state carrying a readable message.
// Start returns a Handle whose Err reports the classified *Error. Partial
// files are kept so the next attempt resumes with a range request.
//
// # Shutdown
//
// Close cancels all active downloads, waits for their terminal states and
// closes the bus. Start returns ErrClosed afterwards.
package downloader
