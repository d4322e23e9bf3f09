// Package http provides the HTTP transport for resumable model downloads.
//
// This package handles:
//   - Connection reuse across downloads
//   - HEAD requests to get file metadata
//   - Open-ended range requests to resume from a byte offset
//   - Retry with exponential backoff while establishing a request
//   - An inactivity timeout on response bodies instead of a total deadline
//
// # Usage
//
//	client := http.NewClient(http.Options{
//	    InactivityTimeout: 30 * time.Minute,
//	    RetryAttempts:     3,
//	})
//
//	resp, err := client.Fetch(ctx, url, offset)
//	if err != nil {
//	    return err
//	}
//	defer resp.Body.Close()
//	// resp.Partial is false when the server ignored the range
package http
