package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ligustah/modelcache/internal/events"
)

// Options configures the progress reporter.
type Options struct {
	// Output is where to write progress output.
	// Default: os.Stdout
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 500ms
	UpdateInterval time.Duration
}

// Reporter renders download states from a bus subscription as
// human-readable progress lines.
type Reporter struct {
	opts Options

	mu      sync.Mutex
	models  map[string]*modelProgress
	results map[string]events.State
}

type modelProgress struct {
	state      events.State
	startTime  time.Time
	startBytes int64
	lastUpdate time.Time
	lastBytes  int64
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}

	return &Reporter{
		opts:    opts,
		models:  make(map[string]*modelProgress),
		results: make(map[string]events.State),
	}
}

// Run consumes sub until it is closed or ctx is done, printing a header
// when a download starts, periodic progress while it runs and a final
// line when it ends.
func (r *Reporter) Run(ctx context.Context, sub *events.Subscription) {
	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-sub.C():
			if !ok {
				return
			}
			r.Handle(st)
		case <-ticker.C:
			r.printProgress()
		}
	}
}

// Results returns the terminal state of every model seen so far.
func (r *Reporter) Results() map[string]events.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]events.State, len(r.results))
	for id, st := range r.results {
		out[id] = st
	}
	return out
}

// Handle records one state and prints it if it starts or ends a download.
func (r *Reporter) Handle(st events.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	switch st.Status {
	case events.StatusStarting:
		r.models[st.ModelID] = &modelProgress{
			state:      st,
			startTime:  now,
			startBytes: st.DownloadedBytes,
			lastUpdate: now,
			lastBytes:  st.DownloadedBytes,
		}
		fmt.Fprintf(r.opts.Output, "[modelcache] Downloading: %s (%s)\n", displayName(st), st.ModelID)
		if st.DownloadedBytes > 0 {
			fmt.Fprintf(r.opts.Output, "[modelcache] Total size: %s | Resuming from: %s\n",
				formatBytes(st.TotalBytes),
				formatBytes(st.DownloadedBytes),
			)
		} else {
			fmt.Fprintf(r.opts.Output, "[modelcache] Total size: %s\n", formatBytes(st.TotalBytes))
		}

	case events.StatusDownloading:
		m, ok := r.models[st.ModelID]
		if !ok {
			m = &modelProgress{startTime: now, startBytes: st.DownloadedBytes, lastUpdate: now, lastBytes: st.DownloadedBytes}
			r.models[st.ModelID] = m
		}
		m.state = st

	case events.StatusCompleted, events.StatusFailed, events.StatusCancelled:
		m := r.models[st.ModelID]
		delete(r.models, st.ModelID)
		r.results[st.ModelID] = st
		r.printFinalStatus(st, m)
	}
}

// printProgress outputs the current progress of every active download.
func (r *Reporter) printProgress() {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.models))
	for id, m := range r.models {
		if m.state.Status == events.StatusDownloading {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	now := time.Now()
	for _, id := range ids {
		m := r.models[id]
		completed := m.state.DownloadedBytes
		total := m.state.TotalBytes

		// Calculate speed
		elapsed := now.Sub(m.lastUpdate).Seconds()
		if elapsed < 0.1 {
			elapsed = 0.1
		}
		speed := float64(completed-m.lastBytes) / elapsed

		m.lastUpdate = now
		m.lastBytes = completed

		// Calculate ETA
		eta := "calculating..."
		if total > 0 && speed > 0 {
			remaining := float64(total - completed)
			eta = formatDuration(time.Duration(remaining / speed * float64(time.Second)))
		}

		fmt.Fprintf(r.opts.Output, "[modelcache] %s: %.1f%% | %s / %s | Speed: %s/s | ETA: %s\n",
			id,
			m.state.Progress*100,
			formatBytes(completed),
			formatBytes(total),
			formatBytes(int64(speed)),
			eta,
		)
	}
}

// printFinalStatus outputs the final status of one download.
func (r *Reporter) printFinalStatus(st events.State, m *modelProgress) {
	switch st.Status {
	case events.StatusCompleted:
		line := fmt.Sprintf("[modelcache] %s: Complete! | %s", st.ModelID, formatBytes(st.DownloadedBytes))
		if m != nil {
			duration := time.Since(m.startTime)
			transferred := st.DownloadedBytes - m.startBytes
			avgSpeed := float64(transferred) / max(duration.Seconds(), 0.001)
			line += fmt.Sprintf(" | Total time: %s | Average speed: %s/s",
				formatDuration(duration),
				formatBytes(int64(avgSpeed)),
			)
		}
		fmt.Fprintln(r.opts.Output, line)

	case events.StatusCancelled:
		fmt.Fprintf(r.opts.Output, "[modelcache] %s: %s\n", st.ModelID, st.Error)
		if m != nil && m.state.DownloadedBytes > 0 {
			fmt.Fprintf(r.opts.Output, "[modelcache] %s: %s kept for resume\n", st.ModelID, formatBytes(m.state.DownloadedBytes))
		}

	default:
		fmt.Fprintf(r.opts.Output, "[modelcache] %s: Failed: %s\n", st.ModelID, st.Error)
	}
}

func displayName(st events.State) string {
	if st.ModelName != "" {
		return st.ModelName
	}
	return st.ModelID
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes is exported for use by other packages.
func FormatBytes(b int64) string {
	return formatBytes(b)
}

// ParseBytes parses a human-readable byte string such as "256MB" or
// "1.5GiB". Units are binary: KB and KiB both mean 1024 bytes.
func ParseBytes(s string) (int64, error) {
	var multiplier int64 = 1
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimSuffix(s, "B"), "i")

	switch {
	case strings.HasSuffix(s, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = s[:len(s)-1]
	}

	var value float64
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%f", &value)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid byte string: %s", s)
	}

	return int64(value * float64(multiplier)), nil
}
