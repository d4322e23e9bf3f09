package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ligustah/modelcache/internal/catalog"
	"github.com/ligustah/modelcache/internal/events"
	mchttp "github.com/ligustah/modelcache/internal/http"
	"github.com/ligustah/modelcache/internal/integrity"
	"github.com/ligustah/modelcache/internal/storage"
)

// Options configures the engine.
type Options struct {
	// InactivityTimeout aborts a transfer that receives nothing for this
	// long. Default: 30m
	InactivityTimeout time.Duration

	// ProgressInterval is the minimum gap between downloading events for
	// one transfer. The first and last are always published.
	// Default: 250ms
	ProgressInterval time.Duration

	// BufferSize is the copy buffer size. Default: 256KiB
	BufferSize int

	// ShutdownGrace bounds how long Close waits for cancelled downloads
	// to publish their terminal events before closing the bus.
	// Default: 5s
	ShutdownGrace time.Duration

	// HTTPOptions configures the HTTP client. InactivityTimeout above
	// overrides the client's. Unset fields take their defaults, except
	// RetryAttempts where zero disables retries.
	HTTPOptions mchttp.Options
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		InactivityTimeout: 30 * time.Minute,
		ProgressInterval:  250 * time.Millisecond,
		BufferSize:        256 * 1024,
		ShutdownGrace:     5 * time.Second,
		HTTPOptions:       mchttp.DefaultOptions(),
	}
}

// Engine downloads catalog models into the cache. It allows one active
// download per model ID; downloads of different models run concurrently.
type Engine struct {
	catalog *catalog.Catalog
	locator *storage.Locator
	tracker *integrity.Tracker
	bus     *events.Bus
	client  *mchttp.Client
	opts    Options
	log     *zap.SugaredLogger

	mu     sync.Mutex
	active map[string]*Handle
	closed bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates an engine. The engine publishes on bus and closes it in
// Close. A nil logger disables logging.
func New(cat *catalog.Catalog, locator *storage.Locator, tracker *integrity.Tracker, bus *events.Bus, log *zap.SugaredLogger, opts Options) *Engine {
	// Apply defaults
	def := DefaultOptions()
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = def.InactivityTimeout
	}
	if opts.ProgressInterval < 0 {
		opts.ProgressInterval = 0
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = def.ShutdownGrace
	}
	opts.HTTPOptions = withHTTPDefaults(opts.HTTPOptions, def.HTTPOptions)
	opts.HTTPOptions.InactivityTimeout = opts.InactivityTimeout

	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Engine{
		catalog: cat,
		locator: locator,
		tracker: tracker,
		bus:     bus,
		client:  mchttp.NewClient(opts.HTTPOptions),
		opts:    opts,
		log:     log.Named("downloader"),
		active:  make(map[string]*Handle),
	}
}

// withHTTPDefaults fills unset fields of o from def. A zero RetryAttempts
// is kept: it disables retries.
func withHTTPDefaults(o, def mchttp.Options) mchttp.Options {
	if o.MaxIdleConnsPerHost <= 0 {
		o.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if o.RetryAttempts < 0 {
		o.RetryAttempts = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = def.RetryBackoff
	}
	if o.RetryMaxBackoff <= 0 {
		o.RetryMaxBackoff = def.RetryMaxBackoff
	}
	return o
}

// Bus returns the bus the engine publishes on.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Handle is an in-flight download.
type Handle struct {
	// ID is the model ID.
	ID string

	// AttemptID is carried by every event of this download.
	AttemptID string

	cancel context.CancelCauseFunc
	done   chan struct{}
	err    error
}

// Cancel requests the download to stop. It does not wait.
func (h *Handle) Cancel() {
	h.cancel(ErrCancelled)
}

// Done is closed after the terminal event has been published.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the download finishes and returns its error, nil on
// success.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Err returns the download's error once Done is closed, nil before.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Start begins downloading the model in the background. Cancelling ctx
// cancels the download.
//
// An unknown ID publishes a failed event and returns ErrNotFound. A second
// Start for a model that is already downloading returns
// ErrAlreadyInProgress without publishing anything.
func (e *Engine) Start(ctx context.Context, id string) (*Handle, error) {
	d, ok := e.catalog.Lookup(id)
	if !ok {
		if e.isClosed() {
			return nil, ErrClosed
		}
		err := &Error{Kind: ErrNotFound, Err: fmt.Errorf("unknown model %q", id)}
		e.bus.Publish(events.State{
			ModelID: id,
			Status:  events.StatusFailed,
			Error:   err.Message(),
		})
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	if _, busy := e.active[id]; busy {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInProgress, id)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	h := &Handle{
		ID:        id,
		AttemptID: uuid.NewString(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	e.active[id] = h
	e.wg.Add(1)

	go e.run(runCtx, h, d)
	return h, nil
}

// Download downloads the model and waits for it to finish. It reports
// success only; failure details are published on the bus.
func (e *Engine) Download(ctx context.Context, id string) bool {
	h, err := e.Start(ctx, id)
	if err != nil {
		e.log.Debugw("download not started", "model", id, "error", err)
		return false
	}
	return h.Wait() == nil
}

// Ensure returns the path of a ready model, downloading it first if the
// cache does not hold a valid copy.
func (e *Engine) Ensure(ctx context.Context, id string) (string, error) {
	if path, ok := e.ModelPath(ctx, id); ok {
		return path, nil
	}
	h, err := e.Start(ctx, id)
	if err != nil {
		return "", err
	}
	if err := h.Wait(); err != nil {
		return "", err
	}
	path, ok := e.ModelPath(ctx, id)
	if !ok {
		return "", &Error{Kind: ErrIntegrityMismatch, Err: errors.New("model not ready after download")}
	}
	return path, nil
}

// CancelDownload cancels the active download of the model, if any. It does
// not wait: the handle stays registered, and InProgress keeps reporting
// true, until the transfer has unwound. A Start in that window still fails
// with ErrAlreadyInProgress. The handle's Done closes once the cancelled
// event is published.
func (e *Engine) CancelDownload(id string) {
	e.mu.Lock()
	h := e.active[id]
	e.mu.Unlock()

	if h != nil {
		h.Cancel()
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// InProgress reports whether the model has an active download.
func (e *Engine) InProgress(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[id]
	return ok
}

// DeleteModel removes the model file and clears its downloaded flag. An
// active download of the model is cancelled first. It returns true when
// there was nothing to delete and false only on an I/O error.
func (e *Engine) DeleteModel(ctx context.Context, id string) bool {
	d, ok := e.catalog.Lookup(id)
	if !ok {
		return true
	}

	e.mu.Lock()
	h := e.active[id]
	e.mu.Unlock()
	if h != nil {
		h.Cancel()
		select {
		case <-h.Done():
		case <-ctx.Done():
			return false
		}
	}

	path, err := e.locator.ModelPath(d)
	if err != nil {
		e.log.Warnw("resolve model path failed", "model", id, "error", err)
		return false
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		e.log.Warnw("delete model failed", "model", id, "path", path, "error", err)
		return false
	}
	if err := e.tracker.MarkNotDownloaded(ctx, id); err != nil {
		e.log.Warnw("clear flag failed", "model", id, "error", err)
		return false
	}

	e.log.Infow("model deleted", "model", id, "path", path)
	return true
}

// IsModelDownloaded reports whether the model is cached and valid.
func (e *Engine) IsModelDownloaded(ctx context.Context, id string) bool {
	return e.tracker.IsDownloaded(ctx, id)
}

// ModelPath returns the path of a cached, valid model.
func (e *Engine) ModelPath(ctx context.Context, id string) (string, bool) {
	return e.tracker.ResolvePath(ctx, id)
}

// Close cancels every active download, waits for their terminal events and
// closes the bus. Start fails with ErrClosed afterwards. Close is safe to
// call more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		handles := make([]*Handle, 0, len(e.active))
		for _, h := range e.active {
			handles = append(handles, h)
		}
		e.mu.Unlock()

		for _, h := range handles {
			h.Cancel()
		}

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()

		t := time.NewTimer(e.opts.ShutdownGrace)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			e.log.Warnw("downloads still publishing at shutdown, closing bus", "active", len(handles))
		}

		// Unblocks publishers stuck on subscribers that stopped reading.
		e.bus.Close()
		<-done
	})
}

func (e *Engine) run(ctx context.Context, h *Handle, d catalog.Descriptor) {
	defer e.wg.Done()

	log := e.log.With("model", d.ID, "attempt", h.AttemptID)
	size, err := e.transfer(ctx, h, d, log)

	e.mu.Lock()
	if e.active[h.ID] == h {
		delete(e.active, h.ID)
	}
	e.mu.Unlock()

	st := e.state(h, d)
	if err == nil {
		st.Status = events.StatusCompleted
		st.Progress = 1
		st.DownloadedBytes = size
		st.TotalBytes = size
		log.Infow("download completed", "size", size)
	} else {
		de := e.classify(ctx, err)
		err = de
		st.Error = de.Message()
		st.Status = events.StatusFailed
		if errors.Is(de, ErrCancelled) {
			st.Status = events.StatusCancelled
			log.Infow("download cancelled")
		} else {
			log.Warnw("download failed", "error", de)
		}
	}

	h.cancel(nil)
	h.err = err
	e.bus.Publish(st)
	close(h.done)
}

// transfer streams the model to disk, resuming from any partial file, and
// verifies the result. It returns the final file size.
func (e *Engine) transfer(ctx context.Context, h *Handle, d catalog.Descriptor, log *zap.SugaredLogger) (int64, error) {
	path, err := e.locator.ModelPath(d)
	if err != nil {
		return 0, &Error{Kind: ErrInsufficientStorage, Err: err}
	}

	var startByte int64
	fi, err := os.Stat(path)
	switch {
	case err == nil:
		startByte = fi.Size()
	case !errors.Is(err, fs.ErrNotExist):
		return 0, &Error{Kind: ErrFileSystem, Err: err}
	}

	if err := e.locator.EnsureCapacity(max(d.Size-startByte, 0)); err != nil {
		return 0, &Error{Kind: ErrInsufficientStorage, Err: err}
	}

	st := e.state(h, d)
	st.Status = events.StatusStarting
	st.DownloadedBytes = startByte
	e.bus.Publish(st)

	p := &progressEmitter{engine: e, handle: h, desc: d, interval: e.opts.ProgressInterval}
	p.emit(startByte, d.Size, true)

	log.Infow("download started", "url", d.URL, "offset", startByte, "expected", d.Size)

	resp, err := e.client.Fetch(ctx, d.URL, startByte)
	if err != nil {
		if startByte > 0 && errors.Is(err, mchttp.ErrRangeNotSatisfiable) {
			log.Infow("partial file already complete", "size", startByte)
			return e.finalize(ctx, d, path)
		}
		return 0, err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if startByte > 0 && !resp.Partial {
		log.Infow("server ignored range, restarting from zero", "offset", startByte)
		startByte = 0
		p.reset()
	}
	if startByte == 0 {
		flags |= os.O_TRUNC
	}

	total := d.Size
	if resp.ContentLength >= 0 {
		total = startByte + resp.ContentLength
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return 0, &Error{Kind: ErrFileSystem, Err: err}
	}

	written, err := e.copy(f, resp.Body, func(n int64) {
		p.emit(startByte+n, total, false)
	})
	if err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, &Error{Kind: ErrFileSystem, Err: err}
	}
	p.emit(startByte+written, total, true)

	return e.finalize(ctx, d, path)
}

// copy moves body into f, reporting the running byte count after every
// write. Write failures are file system errors; read failures are
// returned as is for classification.
func (e *Engine) copy(f *os.File, body io.Reader, report func(n int64)) (int64, error) {
	buf := make([]byte, e.opts.BufferSize)
	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return written, &Error{Kind: ErrFileSystem, Err: err}
			}
			written += int64(n)
			report(written)
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// finalize checks the file on disk and marks the model downloaded.
func (e *Engine) finalize(ctx context.Context, d catalog.Descriptor, path string) (int64, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, &Error{Kind: ErrFileSystem, Err: err, msg: "Download completed but file not found"}
	}
	if err != nil {
		return 0, &Error{Kind: ErrFileSystem, Err: err}
	}

	if fi.Size() < d.Size && !integrity.WithinTolerance(fi.Size(), d.Size) {
		// The body ended early without an error. Keep the file for resume.
		e.log.Warnw("body ended short", "model", d.ID, "size", fi.Size(), "expected", d.Size)
		return 0, &Error{Kind: ErrTransport, Err: io.ErrUnexpectedEOF}
	}
	if !integrity.WithinTolerance(fi.Size(), d.Size) {
		// Too large to be resumed into a valid file, so it is not kept.
		if err := os.Remove(path); err != nil {
			e.log.Warnw("remove mismatched file failed", "model", d.ID, "error", err)
		}
		return 0, &Error{
			Kind: ErrIntegrityMismatch,
			Err:  fmt.Errorf("size %d, expected %d", fi.Size(), d.Size),
		}
	}

	// The transfer is done; record it even if ctx was cancelled meanwhile.
	if err := e.tracker.MarkDownloaded(context.WithoutCancel(ctx), d.ID); err != nil {
		return 0, &Error{Kind: ErrFileSystem, Err: err}
	}
	return fi.Size(), nil
}

// classify maps err to a classified *Error. Cancellation of ctx wins over
// whatever error the cancellation caused.
func (e *Engine) classify(ctx context.Context, err error) *Error {
	if ctx.Err() != nil {
		var de *Error
		if errors.As(err, &de) && de.Kind == ErrIntegrityMismatch {
			return de
		}
		cause := context.Cause(ctx)
		if errors.Is(cause, ErrCancelled) {
			cause = nil
		}
		return &Error{Kind: ErrCancelled, Err: cause}
	}

	var de *Error
	if errors.As(err, &de) {
		return de
	}

	var ne net.Error
	if errors.Is(err, mchttp.ErrInactivityTimeout) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Kind: ErrTransportTimeout, Err: err}
	}
	return &Error{Kind: ErrTransport, Err: err}
}

func (e *Engine) state(h *Handle, d catalog.Descriptor) events.State {
	return events.State{
		ModelID:    d.ID,
		ModelName:  d.Name,
		AttemptID:  h.AttemptID,
		TotalBytes: d.Size,
	}
}

// progressEmitter publishes throttled downloading events whose progress
// never decreases within one transfer.
type progressEmitter struct {
	engine   *Engine
	handle   *Handle
	desc     catalog.Descriptor
	interval time.Duration

	last     time.Time
	progress float64
}

func (p *progressEmitter) emit(done, total int64, force bool) {
	now := time.Now()
	if !force && now.Sub(p.last) < p.interval {
		return
	}
	p.last = now

	p.progress = max(p.progress, events.Fraction(done, total))

	st := p.engine.state(p.handle, p.desc)
	st.Status = events.StatusDownloading
	st.Progress = p.progress
	st.DownloadedBytes = done
	st.TotalBytes = total
	p.engine.bus.Publish(st)
}

func (p *progressEmitter) reset() {
	p.progress = 0
	p.last = time.Time{}
}
