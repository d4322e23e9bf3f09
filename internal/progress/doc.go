// Package progress renders download progress for the console.
//
// A Reporter consumes a subscription from the events bus and prints a
// header when a download starts, completion percentage, transfer speed
// and ETA while it runs, and a final line when it ends.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{Output: os.Stderr})
//	sub := bus.Subscribe()
//	go reporter.Run(ctx, sub)
//
// # Output Format
//
//	[modelcache] Downloading: Gemma 2B Instruct (gemma-2b-it)
//	[modelcache] Total size: 1.39 GB | Resuming from: 512.00 MB
//	[modelcache] gemma-2b-it: 45.2% | 645.12 MB / 1.39 GB | Speed: 12.40 MB/s | ETA: 1m 3s
//	[modelcache] gemma-2b-it: Complete! | 1.39 GB | Total time: 1m 52s | Average speed: 8.10 MB/s
package progress
