package downloader

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/ligustah/modelcache/internal/catalog"
	"github.com/ligustah/modelcache/internal/events"
	mchttp "github.com/ligustah/modelcache/internal/http"
	"github.com/ligustah/modelcache/internal/integrity"
	"github.com/ligustah/modelcache/internal/storage"
	"github.com/ligustah/modelcache/internal/testutils"
)

type harness struct {
	engine  *Engine
	bus     *events.Bus
	tracker *integrity.Tracker
	store   *integrity.BlobStore
	dir     string
}

type harnessConfig struct {
	opts    Options
	locOpts []storage.Option
	busOpts []events.Option
}

func newHarness(t *testing.T, descs []catalog.Descriptor, configure ...func(*harnessConfig)) *harness {
	t.Helper()

	cfg := harnessConfig{opts: DefaultOptions()}
	cfg.opts.ProgressInterval = 0
	cfg.opts.BufferSize = 4 * 1024
	cfg.opts.ShutdownGrace = time.Second
	cfg.opts.HTTPOptions = mchttp.DefaultOptions()
	cfg.opts.HTTPOptions.RetryAttempts = 0
	for _, fn := range configure {
		fn(&cfg)
	}

	cat := catalog.MustNew(descs...)
	locator := storage.NewLocator(t.TempDir(), cfg.locOpts...)
	dir, err := locator.ModelsDirectory()
	require.NoError(t, err)

	bucket, err := blob.OpenBucket(context.Background(), "mem://")
	require.NoError(t, err)
	store := integrity.NewBlobStore(bucket)

	bus := events.NewBus(append([]events.Option{events.WithBuffer(4096)}, cfg.busOpts...)...)
	tracker := integrity.NewTracker(cat, locator, store, nil)
	engine := New(cat, locator, tracker, bus, nil, cfg.opts)

	t.Cleanup(func() {
		engine.Close()
		store.Close()
	})

	return &harness{engine: engine, bus: bus, tracker: tracker, store: store, dir: dir}
}

func (h *harness) path(name string) string {
	return filepath.Join(h.dir, name)
}

func (h *harness) flag(t *testing.T, id string) bool {
	t.Helper()
	v, err := h.store.Get(context.Background(), integrity.FlagKey(id))
	require.NoError(t, err)
	return v
}

// collect reads states until a terminal one arrives.
func collect(t *testing.T, sub *events.Subscription) []events.State {
	t.Helper()

	var out []events.State
	timeout := time.After(10 * time.Second)
	for {
		select {
		case st, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, st)
			if st.Status.IsTerminal() {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out waiting for terminal state, got %d states", len(out))
		}
	}
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func statuses(states []events.State) []events.Status {
	out := make([]events.Status, len(states))
	for i, st := range states {
		out[i] = st.Status
	}
	return out
}

func assertMonotonic(t *testing.T, states []events.State) {
	t.Helper()
	last := -1.0
	for _, st := range states {
		if st.Status != events.StatusDownloading {
			continue
		}
		assert.GreaterOrEqual(t, st.Progress, last, "progress went backwards")
		assert.LessOrEqual(t, st.Progress, 1.0)
		last = st.Progress
	}
}

func TestEndToEnd(t *testing.T) {
	data := testutils.GenerateTestData(t, 1000)
	srv := testutils.StartServer(t, []testutils.TestFile{{Name: "m1.bin", Data: data}})

	desc := catalog.Descriptor{ID: "m1", Name: "Model One", URL: srv.FileURL("m1.bin"), FileName: "m1.bin", Size: 1000}
	h := newHarness(t, []catalog.Descriptor{desc})
	ctx := context.Background()

	assert.False(t, h.engine.IsModelDownloaded(ctx, "m1"))
	_, ok := h.engine.ModelPath(ctx, "m1")
	assert.False(t, ok)

	sub := h.bus.ProgressFor("m1")
	defer sub.Close()

	require.True(t, h.engine.Download(ctx, "m1"))
	states := collect(t, sub)
	require.GreaterOrEqual(t, len(states), 3)

	ignoreAttempt := cmpopts.IgnoreFields(events.State{}, "AttemptID")
	wantStart := []events.State{
		{ModelID: "m1", ModelName: "Model One", Status: events.StatusStarting, TotalBytes: 1000},
		{ModelID: "m1", ModelName: "Model One", Status: events.StatusDownloading, TotalBytes: 1000},
	}
	if diff := cmp.Diff(wantStart, states[:2], ignoreAttempt); diff != "" {
		t.Errorf("leading states mismatch (-want +got):\n%s", diff)
	}

	wantEnd := events.State{
		ModelID: "m1", ModelName: "Model One", Status: events.StatusCompleted,
		Progress: 1, DownloadedBytes: 1000, TotalBytes: 1000,
	}
	if diff := cmp.Diff(wantEnd, states[len(states)-1], ignoreAttempt); diff != "" {
		t.Errorf("terminal state mismatch (-want +got):\n%s", diff)
	}

	attempt := states[0].AttemptID
	assert.NotEmpty(t, attempt)
	for _, st := range states {
		assert.Equal(t, attempt, st.AttemptID)
	}
	for _, st := range states[1 : len(states)-1] {
		assert.Equal(t, events.StatusDownloading, st.Status)
	}
	assertMonotonic(t, states)
	assert.Equal(t, 1.0, states[len(states)-2].Progress, "last downloading state should reach 100%")

	assert.True(t, h.engine.IsModelDownloaded(ctx, "m1"))
	path, ok := h.engine.ModelPath(ctx, "m1")
	assert.True(t, ok)
	assert.Equal(t, h.path("m1.bin"), path)
	testutils.CompareFileToData(t, path, data)
	assert.Equal(t, []string{""}, srv.Ranges())
	assert.False(t, h.engine.InProgress("m1"))
}

func TestResumeFromPartialFile(t *testing.T) {
	const size = 100_000
	const partial = 40_000
	data := testutils.GenerateTestData(t, size)
	srv := testutils.StartServer(t, []testutils.TestFile{{Name: "m.bin", Data: data}})

	h := newHarness(t, []catalog.Descriptor{
		{ID: "m", Name: "M", URL: srv.FileURL("m.bin"), FileName: "m.bin", Size: size},
	})
	require.NoError(t, os.WriteFile(h.path("m.bin"), data[:partial], 0644))

	sub := h.bus.ProgressFor("m")
	defer sub.Close()

	require.True(t, h.engine.Download(context.Background(), "m"))
	states := collect(t, sub)

	assert.Equal(t, []string{"bytes=40000-"}, srv.Ranges())
	testutils.CompareFileToData(t, h.path("m.bin"), data)

	assert.Equal(t, events.StatusStarting, states[0].Status)
	assert.Equal(t, int64(partial), states[0].DownloadedBytes)
	assert.Equal(t, events.StatusDownloading, states[1].Status)
	assert.Equal(t, 0.4, states[1].Progress)
	for _, st := range states[1:] {
		assert.GreaterOrEqual(t, st.Progress, 0.4)
	}
	assertMonotonic(t, states)
	assert.Equal(t, events.StatusCompleted, states[len(states)-1].Status)
	assert.True(t, h.flag(t, "m"))
}

func TestUnknownModel(t *testing.T) {
	h := newHarness(t, []catalog.Descriptor{
		{ID: "m", Name: "M", URL: "http://127.0.0.1:1/m", FileName: "m.bin", Size: 10},
	})

	sub := h.bus.Subscribe()
	defer sub.Close()

	assert.False(t, h.engine.Download(context.Background(), "nope"))
	states := collect(t, sub)
	require.Len(t, states, 1)
	assert.Equal(t, events.State{ModelID: "nope", Status: events.StatusFailed, Error: "Model not found"}, states[0])

	_, err := h.engine.Start(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelDownload(t *testing.T) {
	data := testutils.GenerateTestData(t, 50_000)
	srv := testutils.StartServer(t, []testutils.TestFile{{Name: "m.bin", Data: data}}, testutils.WithStallAfter(5_000))

	h := newHarness(t, []catalog.Descriptor{
		{ID: "m", Name: "M", URL: srv.FileURL("m.bin"), FileName: "m.bin", Size: 50_000},
	})

	sub := h.bus.ProgressFor("m")
	defer sub.Close()

	handle, err := h.engine.Start(context.Background(), "m")
	require.NoError(t, err)
	waitFor(t, srv.Stalled)

	h.engine.CancelDownload("m")
	h.engine.CancelDownload("m")

	err = handle.Wait()
	assert.ErrorIs(t, err, ErrCancelled)

	states := collect(t, sub)
	last := states[len(states)-1]
	assert.Equal(t, events.StatusCancelled, last.Status)
	assert.Equal(t, "Download cancelled", last.Error)
	assert.Equal(t, 0.0, last.Progress)

	var terminal int
	for _, st := range states {
		if st.Status.IsTerminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)

	select {
	case st := <-sub.C():
		t.Errorf("unexpected state after terminal: %+v", st)
	case <-time.After(50 * time.Millisecond):
	}

	fi, err := os.Stat(h.path("m.bin"))
	require.NoError(t, err, "partial file must be kept")
	assert.LessOrEqual(t, fi.Size(), int64(5_000))
	assert.False(t, h.flag(t, "m"))
	assert.False(t, h.engine.InProgress("m"))

	// No handle left: cancelling again is a no-op
	h.engine.CancelDownload("m")
}

func TestCancelThenResume(t *testing.T) {
	data := testutils.GenerateTestData(t, 50_000)
	stalling := testutils.StartServer(t, []testutils.TestFile{{Name: "m.bin", Data: data}}, testutils.WithStallAfter(8_192))

	h := newHarness(t, []catalog.Descriptor{
		{ID: "m", Name: "M", URL: stalling.FileURL("m.bin"), FileName: "m.bin", Size: 50_000},
	})

	handle, err := h.engine.Start(context.Background(), "m")
	require.NoError(t, err)
	waitFor(t, stalling.Stalled)
	// Give the engine a moment to write what it received.
	time.Sleep(50 * time.Millisecond)
	handle.Cancel()
	require.ErrorIs(t, handle.Wait(), ErrCancelled)

	fi, err := os.Stat(h.path("m.bin"))
	require.NoError(t, err)
	kept := fi.Size()

	// Same file name served by a healthy server
	healthy := testutils.StartServer(t, []testutils.TestFile{{Name: "m.bin", Data: data}})
	cat := catalog.MustNew(catalog.Descriptor{ID: "m", Name: "M", URL: healthy.FileURL("m.bin"), FileName: "m.bin", Size: 50_000})
	locator := storage.NewLocator(filepath.Dir(h.dir))
	engine := New(cat, locator, integrity.NewTracker(cat, locator, h.store, nil), events.NewBus(), nil, DefaultOptions())
	defer engine.Close()

	require.True(t, engine.Download(context.Background(), "m"))
	testutils.CompareFileToData(t, h.path("m.bin"), data)
	if kept > 0 {
		assert.Equal(t, []string{"bytes=" + strconv.FormatInt(kept, 10) + "-"}, healthy.Ranges())
	}
}

func TestDuplicateStartRejected(t *testing.T) {
	data := testutils.GenerateTestData(t, 10_000)
	srv := testutils.StartServer(t, []testutils.TestFile{{Name: "m.bin", Data: data}}, testutils.WithStallAfter(100))

	h := newHarness(t, []catalog.Descriptor{
		{ID: "m", Name: "M", URL: srv.FileURL("m.bin"), FileName: "m.bin", Size: 10_000},
	})

	first, err := h.engine.Start(context.Background(), "m")
	require.NoError(t, err)
	waitFor(t, srv.Stalled)

	sub := h.bus.ProgressFor("m")
	defer sub.Close()

	second, err := h.engine.Start(context.Background(), "m")
	assert.Nil(t, second)
	assert.ErrorIs(t, err, ErrAlreadyInProgress)
	assert.False(t, h.engine.Download(context.Background(), "m"))

	// The rejected calls publish nothing; observers only see the first
	// attempt.
	first.Cancel()
	states := collect(t, sub)
	require.NotEmpty(t, states)
	for _, st := range states {
		assert.Equal(t, first.AttemptID, st.AttemptID)
		assert.NotEqual(t, events.StatusStarting, st.Status)
	}
	assert.Equal(t, events.StatusCancelled, states[len(states)-1].Status)
}

func TestConcurrentDistinctModels(t *testing.T) {
	dataA := testutils.GenerateTestData(t, 64_000)
	dataB := make([]byte, 48_000)
	for i := range dataB {
		dataB[i] = byte(255 - i%256)
	}
	srv := testutils.StartServer(t, []testutils.TestFile{
		{Name: "a.bin", Data: dataA},
		{Name: "b.bin", Data: dataB},
	})

	h := newHarness(t, []catalog.Descriptor{
		{ID: "a", Name: "A", URL: srv.FileURL("a.bin"), FileName: "a.bin", Size: 64_000},
		{ID: "b", Name: "B", URL: srv.FileURL("b.bin"), FileName: "b.bin", Size: 48_000},
	})

	subA := h.bus.ProgressFor("a")
	subB := h.bus.ProgressFor("b")
	defer subA.Close()
	defer subB.Close()

	var wg sync.WaitGroup
	results := make(map[string]bool)
	var mu sync.Mutex
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := h.engine.Download(context.Background(), id)
			mu.Lock()
			results[id] = ok
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, map[string]bool{"a": true, "b": true}, results)

	statesA := collect(t, subA)
	statesB := collect(t, subB)
	assert.Equal(t, events.StatusCompleted, statesA[len(statesA)-1].Status)
	assert.Equal(t, int64(64_000), statesA[len(statesA)-1].DownloadedBytes)
	assert.Equal(t, events.StatusCompleted, statesB[len(statesB)-1].Status)
	assert.Equal(t, int64(48_000), statesB[len(statesB)-1].DownloadedBytes)

	testutils.CompareFileToData(t, h.path("a.bin"), dataA)
	testutils.CompareFileToData(t, h.path("b.bin"), dataB)
}

func TestDeleteModelIdempotent(t *testing.T) {
	data := testutils.GenerateTestData(t, 2_000)
	srv := testutils.StartServer(t, []testutils.TestFile{{Name: "m.bin", Data: data}})

	h := newHarness(t, []catalog.Descriptor{
		{ID: "m", Name: "M", URL: srv.FileURL("m.bin"), FileName: "m.bin", Size: 2_000},
	})
	ctx := context.Background()

	require.True(t, h.engine.Download(ctx, "m"))
	require.True(t, h.engine.IsModelDownloaded(ctx, "m"))

	assert.True(t, h.engine.DeleteModel(ctx, "m"))
	assert.True(t, h.engine.DeleteModel(ctx, "m"))

	_, err := os.Stat(h.path("m.bin"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.False(t, h.flag(t, "m"))
	assert.False(t, h.engine.IsModelDownloaded(ctx, "m"))
}

func TestDeleteModelCancelsActiveDownload(t *testing.T) {
	data := testutils.GenerateTestData(t, 20_000)
	srv := testutils.StartServer(t, []testutils.TestFile{{Name: "m.bin", Data: data}}, testutils.WithStallAfter(1_000))

	h := newHarness(t, []catalog.Descriptor{
		{ID: "m", Name: "M", URL: srv.FileURL("m.bin"), FileName: "m.bin", Size: 20_000},
	})

	handle, err := h.engine.Start(context.Background(), "m")
	require.NoError(t, err)
	waitFor(t, srv.Stalled)

	assert.True(t, h.engine.DeleteModel(context.Background(), "m"))
	assert.ErrorIs(t, handle.Err(), ErrCancelled)

	_, err = os.Stat(h.path("m.bin"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestInactivityTimeout(t *testing.T) {
	data := testutils.GenerateTestData(t, 20_000)
	srv := testutils.StartServer(t, []testutils.TestFile{{Name: "m.bin", Data: data}}, testutils.WithStallAfter(2_000))

	h := newHarness(t, []catalog.Descriptor{
		{ID: "m", Name: "M", URL: srv.FileURL("m.bin"), FileName: "m.bin", Size: 20_000},
	}, func(c *harnessConfig) {
		c.opts.InactivityTimeout = 200 * time.Millisecond
	})

	sub := h.bus.ProgressFor("m")
	defer sub.Close()

	handle, err := h.engine.Start(context.Background(), "m")
	require.NoError(t, err)
	assert.ErrorIs(t, handle.Wait(), ErrTransportTimeout)

	states := collect(t, sub)
	last := states[len(states)-1]
	assert.Equal(t, events.StatusFailed, last.Status)
	assert.Equal(t, "Connection timeout", last.Error)

	_, err = os.Stat(h.path("m.bin"))
	assert.NoError(t, err, "partial file must be kept for resume")
}

func TestHTTPErrorIsNetworkError(t *testing.T) {
	srv := testutils.StartServer(t, nil)

	h := newHarness(t, []catalog.Descriptor{
		{ID: "m", Name: "M", URL: srv.FileURL("missing.bin"), FileName: "m.bin", Size: 100},
	})

	sub := h.bus.ProgressFor("m")
	defer sub.Close()

	handle, err := h.engine.Start(context.Background(), "m")
	require.NoError(t, err)
	err = handle.Wait()
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, mchttp.ErrNotFound)

	states := collect(t, sub)
	assert.Equal(t, []events.Status{events.StatusStarting, events.StatusDownloading, events.StatusFailed}, statuses(states))
	last := states[len(states)-1]
	assert.True(t, strings.HasPrefix(last.Error, "Network error: "), last.Error)
	assert.Equal(t, 0.0, last.Progress)
}

func TestConnectionRefusedIsNetworkError(t *testing.T) {
	srv := testutils.StartServer(t, nil)
	url := srv.FileURL("m.bin")
	srv.Close()

	h := newHarness(t, []catalog.Descriptor{
		{ID: "m", Name: "M", URL: url, FileName: "m.bin", Size: 100},
	})

	handle, err := h.engine.Start(context.Background(), "m")
	require.NoError(t, err)
	assert.ErrorIs(t, handle.Wait(), ErrTransport)
}

func TestInsufficientStorage(t *testing.T) {
	h := newHarness(t, []catalog.Descriptor{
		{ID: "m", Name: "M", URL: "http://127.0.0.1:1/m.bin", FileName: "m.bin", Size: 1_000_000},
	}, func(c *harnessConfig) {
		c.locOpts = append(c.locOpts, storage.WithFreeSpaceFunc(func(string) (int64, error) {
			return 10, nil
		}))
	})

	sub := h.bus.ProgressFor("m")
	defer sub.Close()

	handle, err := h.engine.Start(context.Background(), "m")
	require.NoError(t, err)
	err = handle.Wait()
	assert.ErrorIs(t, err, ErrInsufficientStorage)
	assert.ErrorIs(t, err, storage.ErrInsufficientStorage)

	states := collect(t, sub)
	require.Len(t, states, 1, "no transfer events before the capacity check")
	assert.Equal(t, events.StatusFailed, states[0].Status)
	assert.True(t, strings.HasPrefix(states[0].Error, "Insufficient storage: "), states[0].Error)
}

func TestCapacityCheckCountsOnlyRemainingBytes(t *testing.T) {
	data := testutils.GenerateTestData(t, 10_000)
	srv := testutils.StartServer(t, []testutils.TestFile{{Name: "m.bin", Data: data}})

	h := newHarness(t, []catalog.Descriptor{
		{ID: "m", Name: "M", URL: srv.FileURL("m.bin"), FileName: "m.bin", Size: 10_000},
	}, func(c *harnessConfig) {
		c.locOpts = append(c.locOpts, storage.WithFreeSpaceFunc(func(string) (int64, error) {
			return 4_000, nil
		}))
	})
	require.NoError(t, os.WriteFile(h.path("m.bin"), data[:7_000], 0644))

	assert.True(t, h.engine.Download(context.Background(), "m"))
}

func TestPartialAlreadyCompleteFinalizes(t *testing.T) {
	data := testutils.GenerateTestData(t, 1_000)
	srv := testutils.StartServer(t, []testutils.TestFile{{Name: "m.bin", Data: data}})

	h := newHarness(t, []catalog.Descriptor{
		{ID: "m", Name: "M", URL: srv.FileURL("m.bin"), FileName: "m.bin", Size: 1_000},
	})
	require.NoError(t, os.WriteFile(h.path("m.bin"), data, 0644))

	require.True(t, h.engine.Download(context.Background(), "m"))
	assert.Equal(t, []string{"bytes=1000-"}, srv.Ranges())
	assert.True(t, h.engine.IsModelDownloaded(context.Background(), "m"))
}

func TestServerIgnoringRangeRestarts(t *testing.T) {
	data := testutils.GenerateTestData(t, 30_000)
	srv := testutils.StartServer(t, []testutils.TestFile{{Name: "m.bin", Data: data}}, testutils.WithIgnoreRange())

	h := newHarness(t, []catalog.Descriptor{
		{ID: "m", Name: "M", URL: srv.FileURL("m.bin"), FileName: "m.bin", Size: 30_000},
	})
	// Garbage prefix that must not survive
	require.NoError(t, os.WriteFile(h.path("m.bin"), make([]byte, 12_000), 0644))

	require.True(t, h.engine.Download(context.Background(), "m"))
	testutils.CompareFileToData(t, h.path("m.bin"), data)
}

func TestUnknownLengthFallsBackToExpectedSize(t *testing.T) {
	data := testutils.GenerateTestData(t, 20_000)
	srv := testutils.StartServer(t, []testutils.TestFile{{Name: "m.bin", Data: data}}, testutils.WithoutLength())

	h := newHarness(t, []catalog.Descriptor{
		{ID: "m", Name: "M", URL: srv.FileURL("m.bin"), FileName: "m.bin", Size: 20_000},
	})

	sub := h.bus.ProgressFor("m")
	defer sub.Close()

	require.True(t, h.engine.Download(context.Background(), "m"))
	states := collect(t, sub)
	for _, st := range states {
		if st.Status == events.StatusDownloading {
			assert.Equal(t, int64(20_000), st.TotalBytes)
		}
	}
	assertMonotonic(t, states)
}

func TestShortBodyKeepsPartialForResume(t *testing.T) {
	data := testutils.GenerateTestData(t, 40_000)
	// Chunked and without Content-Length, so the early end reads as a
	// clean EOF.
	truncated := testutils.StartServer(t, []testutils.TestFile{{Name: "m.bin", Data: data[:10_000]}}, testutils.WithoutLength())

	h := newHarness(t, []catalog.Descriptor{
		{ID: "m", Name: "M", URL: truncated.FileURL("m.bin"), FileName: "m.bin", Size: 40_000},
	})

	sub := h.bus.ProgressFor("m")
	defer sub.Close()

	handle, err := h.engine.Start(context.Background(), "m")
	require.NoError(t, err)
	err = handle.Wait()
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	states := collect(t, sub)
	last := states[len(states)-1]
	assert.Equal(t, events.StatusFailed, last.Status)
	assert.Equal(t, "Network error: unexpected EOF", last.Error)

	testutils.CompareFileToData(t, h.path("m.bin"), data[:10_000])
	assert.False(t, h.flag(t, "m"))

	// A later attempt resumes where the short body ended.
	healthy := testutils.StartServer(t, []testutils.TestFile{{Name: "m.bin", Data: data}})
	cat := catalog.MustNew(catalog.Descriptor{ID: "m", Name: "M", URL: healthy.FileURL("m.bin"), FileName: "m.bin", Size: 40_000})
	locator := storage.NewLocator(filepath.Dir(h.dir))
	engine := New(cat, locator, integrity.NewTracker(cat, locator, h.store, nil), events.NewBus(), nil, DefaultOptions())
	defer engine.Close()

	require.True(t, engine.Download(context.Background(), "m"))
	assert.Equal(t, []string{"bytes=10000-"}, healthy.Ranges())
	testutils.CompareFileToData(t, h.path("m.bin"), data)
}

func TestIntegrityMismatchDeletesFile(t *testing.T) {
	data := testutils.GenerateTestData(t, 2_000)
	srv := testutils.StartServer(t, []testutils.TestFile{{Name: "m.bin", Data: data}})

	h := newHarness(t, []catalog.Descriptor{
		{ID: "m", Name: "M", URL: srv.FileURL("m.bin"), FileName: "m.bin", Size: 1_000},
	})

	sub := h.bus.ProgressFor("m")
	defer sub.Close()

	handle, err := h.engine.Start(context.Background(), "m")
	require.NoError(t, err)
	assert.ErrorIs(t, handle.Wait(), ErrIntegrityMismatch)

	states := collect(t, sub)
	last := states[len(states)-1]
	assert.Equal(t, events.StatusFailed, last.Status)
	assert.True(t, strings.HasPrefix(last.Error, "Integrity check failed: "), last.Error)

	_, err = os.Stat(h.path("m.bin"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.False(t, h.flag(t, "m"))
}

func TestCallerContextCancelled(t *testing.T) {
	data := testutils.GenerateTestData(t, 20_000)
	srv := testutils.StartServer(t, []testutils.TestFile{{Name: "m.bin", Data: data}}, testutils.WithStallAfter(1_000))

	h := newHarness(t, []catalog.Descriptor{
		{ID: "m", Name: "M", URL: srv.FileURL("m.bin"), FileName: "m.bin", Size: 20_000},
	})

	ctx, cancel := context.WithCancel(context.Background())
	handle, err := h.engine.Start(ctx, "m")
	require.NoError(t, err)
	waitFor(t, srv.Stalled)
	cancel()

	assert.ErrorIs(t, handle.Wait(), ErrCancelled)
}

func TestCloseCancelsOutstanding(t *testing.T) {
	data := testutils.GenerateTestData(t, 20_000)
	srv := testutils.StartServer(t, []testutils.TestFile{{Name: "m.bin", Data: data}}, testutils.WithStallAfter(1_000))

	h := newHarness(t, []catalog.Descriptor{
		{ID: "m", Name: "M", URL: srv.FileURL("m.bin"), FileName: "m.bin", Size: 20_000},
	})

	sub := h.bus.Subscribe()
	defer sub.Close()

	handle, err := h.engine.Start(context.Background(), "m")
	require.NoError(t, err)
	waitFor(t, srv.Stalled)

	h.engine.Close()
	h.engine.Close()

	assert.ErrorIs(t, handle.Err(), ErrCancelled)

	states := collect(t, sub)
	assert.Equal(t, events.StatusCancelled, states[len(states)-1].Status)

	_, ok := <-sub.C()
	assert.False(t, ok, "bus should be closed")
	assert.True(t, h.bus.Closed())

	_, err = h.engine.Start(context.Background(), "m")
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, h.engine.Download(context.Background(), "m"))
}

func TestCloseDoesNotHangOnStuckSubscriber(t *testing.T) {
	data := testutils.GenerateTestData(t, 20_000)
	srv := testutils.StartServer(t, []testutils.TestFile{{Name: "m.bin", Data: data}}, testutils.WithStallAfter(1_000))

	cat := catalog.MustNew(catalog.Descriptor{ID: "m", Name: "M", URL: srv.FileURL("m.bin"), FileName: "m.bin", Size: 20_000})
	locator := storage.NewLocator(t.TempDir())
	bucket, err := blob.OpenBucket(context.Background(), "mem://")
	require.NoError(t, err)
	store := integrity.NewBlobStore(bucket)
	defer store.Close()

	bus := events.NewBus(events.WithBuffer(0))
	opts := DefaultOptions()
	opts.ShutdownGrace = 100 * time.Millisecond
	engine := New(cat, locator, integrity.NewTracker(cat, locator, store, nil), bus, nil, opts)

	// Never read from
	stuck := bus.Subscribe()
	defer stuck.Close()

	// The starting event blocks on the stuck subscriber.
	_, err = engine.Start(context.Background(), "m")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		engine.Close()
		close(done)
	}()
	waitFor(t, done)
}

func TestAbandonedSubscriberDoesNotStallDownloads(t *testing.T) {
	data := testutils.GenerateTestData(t, 8_000)
	srv := testutils.StartServer(t, []testutils.TestFile{{Name: "m.bin", Data: data}})

	h := newHarness(t, []catalog.Descriptor{
		{ID: "m", Name: "M", URL: srv.FileURL("m.bin"), FileName: "m.bin", Size: 8_000},
	}, func(c *harnessConfig) {
		c.busOpts = append(c.busOpts, events.WithBuffer(1), events.WithSendTimeout(50*time.Millisecond))
	})

	// Never read from
	abandoned := h.bus.Subscribe()
	defer abandoned.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			assert.False(t, h.engine.Download(context.Background(), "nope"))
		}
		assert.True(t, h.engine.Download(context.Background(), "m"))
		assert.True(t, h.engine.DeleteModel(context.Background(), "m"))
		assert.True(t, h.engine.Download(context.Background(), "m"))
	}()
	waitFor(t, done)

	testutils.CompareFileToData(t, h.path("m.bin"), data)

	// The stalled subscriber was dropped from the bus.
	drained := make(chan struct{})
	go func() {
		for range abandoned.C() {
		}
		close(drained)
	}()
	waitFor(t, drained)
}

func TestHTTPOptionsDefaultPerField(t *testing.T) {
	cat := catalog.MustNew(catalog.Descriptor{ID: "m", Name: "M", URL: "http://127.0.0.1:1/m.bin", FileName: "m.bin", Size: 10})
	locator := storage.NewLocator(t.TempDir())

	opts := DefaultOptions()
	opts.HTTPOptions = mchttp.Options{RetryAttempts: 7, RetryBackoff: 10 * time.Millisecond}
	e := New(cat, locator, nil, events.NewBus(), nil, opts)
	defer e.Close()

	def := mchttp.DefaultOptions()
	assert.Equal(t, 7, e.opts.HTTPOptions.RetryAttempts)
	assert.Equal(t, 10*time.Millisecond, e.opts.HTTPOptions.RetryBackoff)
	assert.Equal(t, def.RetryMaxBackoff, e.opts.HTTPOptions.RetryMaxBackoff)
	assert.Equal(t, def.MaxIdleConnsPerHost, e.opts.HTTPOptions.MaxIdleConnsPerHost)
	assert.Equal(t, opts.InactivityTimeout, e.opts.HTTPOptions.InactivityTimeout)

	// Zero attempts disables retries rather than restoring the default.
	opts.HTTPOptions = mchttp.Options{}
	e2 := New(cat, locator, nil, events.NewBus(), nil, opts)
	defer e2.Close()
	assert.Equal(t, 0, e2.opts.HTTPOptions.RetryAttempts)
	assert.Equal(t, def.RetryBackoff, e2.opts.HTTPOptions.RetryBackoff)
}

func TestEnsure(t *testing.T) {
	data := testutils.GenerateTestData(t, 3_000)
	srv := testutils.StartServer(t, []testutils.TestFile{{Name: "m.bin", Data: data}})

	h := newHarness(t, []catalog.Descriptor{
		{ID: "m", Name: "M", URL: srv.FileURL("m.bin"), FileName: "m.bin", Size: 3_000},
	})
	ctx := context.Background()

	path, err := h.engine.Ensure(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, h.path("m.bin"), path)
	requests := srv.Requests()

	path2, err := h.engine.Ensure(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, path, path2)
	assert.Equal(t, requests, srv.Requests(), "cached model must not be fetched again")

	_, err = h.engine.Ensure(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{&Error{Kind: ErrNotFound}, "Model not found"},
		{&Error{Kind: ErrCancelled, Err: context.Canceled}, "Download cancelled"},
		{&Error{Kind: ErrTransportTimeout, Err: mchttp.ErrInactivityTimeout}, "Connection timeout"},
		{&Error{Kind: ErrTransport, Err: errors.New("connection reset")}, "Network error: connection reset"},
		{&Error{Kind: ErrFileSystem, Err: errors.New("disk full")}, "File system error: disk full"},
		{&Error{Kind: ErrFileSystem, msg: "Download completed but file not found"}, "Download completed but file not found"},
		{&Error{Kind: errors.New("boom")}, "boom"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Message())
	}

	err := &Error{Kind: ErrTransport, Err: mchttp.ErrNotFound}
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, mchttp.ErrNotFound)
	assert.Equal(t, "downloader: network error: http: resource not found", err.Error())
}

func TestClassify(t *testing.T) {
	e := &Engine{}

	cancelled, cancel := context.WithCancelCause(context.Background())
	cancel(ErrCancelled)
	assert.ErrorIs(t, e.classify(cancelled, errors.New("read: use of closed connection")), ErrCancelled)

	ctx := context.Background()
	assert.ErrorIs(t, e.classify(ctx, mchttp.ErrInactivityTimeout), ErrTransportTimeout)
	assert.ErrorIs(t, e.classify(ctx, errors.New("reset")), ErrTransport)

	fsErr := &Error{Kind: ErrFileSystem, Err: errors.New("EIO")}
	assert.Same(t, fsErr, e.classify(ctx, fsErr))
}
