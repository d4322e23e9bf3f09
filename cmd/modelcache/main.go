// Command modelcache downloads catalog models into a local cache and
// reports on their state.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ligustah/modelcache/internal/downloader"
	"github.com/ligustah/modelcache/internal/storage"
)

// Exit codes
const (
	ExitSuccess        = 0
	ExitGeneralError   = 1
	ExitInvalidArgs    = 2
	ExitModelNotFound  = 3
	ExitDownloadFailed = 4
	ExitStorageError   = 5
	ExitCancelled      = 6
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

// exitError carries an explicit exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func exitCode(err error) int {
	var ee *exitError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &ee):
		return ee.code
	case errors.Is(err, downloader.ErrNotFound):
		return ExitModelNotFound
	case errors.Is(err, downloader.ErrCancelled),
		errors.Is(err, downloader.ErrClosed),
		errors.Is(err, context.Canceled):
		return ExitCancelled
	case errors.Is(err, downloader.ErrInsufficientStorage),
		errors.Is(err, downloader.ErrFileSystem),
		errors.Is(err, storage.ErrUnwritable),
		errors.Is(err, storage.ErrInsufficientStorage):
		return ExitStorageError
	case errors.Is(err, downloader.ErrIntegrityMismatch),
		errors.Is(err, downloader.ErrTransport),
		errors.Is(err, downloader.ErrTransportTimeout),
		errors.Is(err, downloader.ErrAlreadyInProgress):
		return ExitDownloadFailed
	case strings.HasPrefix(err.Error(), "unknown command"):
		return ExitInvalidArgs
	}
	return ExitGeneralError
}
