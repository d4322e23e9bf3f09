// Package testutils provides shared test infrastructure: an HTTP file
// server with range support and fault injection, and (behind the
// integration build tag) containerized services.
package testutils

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// TestFile defines a test file with name and data.
type TestFile struct {
	Name string
	Data []byte
}

// GenerateTestData generates test data of the given size.
// For files <= 10MB, uses deterministic pattern. For larger files, uses random data.
func GenerateTestData(t *testing.T, size int64) []byte {
	t.Helper()
	data := make([]byte, size)
	if size <= 10*1024*1024 {
		for i := range data {
			data[i] = byte(i % 256)
		}
	} else {
		if _, err := rand.Read(data); err != nil {
			t.Fatalf("generate random data: %v", err)
		}
	}
	return data
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithIgnoreRange makes the server answer every GET with the full body
// and status 200, as servers without range support do.
func WithIgnoreRange() ServerOption {
	return func(s *Server) { s.ignoreRange = true }
}

// WithoutLength omits Content-Length and sends the body chunked.
func WithoutLength() ServerOption {
	return func(s *Server) { s.omitLength = true }
}

// WithStallAfter makes the server stop sending after n body bytes and
// hold the connection open until the client goes away.
func WithStallAfter(n int64) ServerOption {
	return func(s *Server) { s.stallAfter = n }
}

// WithStatus makes the server answer every request with code and no body.
func WithStatus(code int) ServerOption {
	return func(s *Server) { s.status = code }
}

// Server serves test files over HTTP with "bytes=N-" and "bytes=N-M"
// range support. It records the Range header of every GET.
type Server struct {
	*httptest.Server

	files       map[string][]byte
	ignoreRange bool
	omitLength  bool
	stallAfter  int64
	status      int

	mu       sync.Mutex
	ranges   []string
	requests int

	// Stalled is closed once the first stalled response has sent its
	// bytes. Nil unless WithStallAfter is used.
	Stalled chan struct{}
	stallOnce sync.Once
}

// StartServer starts a file server and registers its shutdown with t.
func StartServer(t *testing.T, files []TestFile, opts ...ServerOption) *Server {
	t.Helper()

	s := &Server{
		files:      make(map[string][]byte, len(files)),
		stallAfter: -1,
	}
	for _, f := range files {
		s.files["/"+f.Name] = f.Data
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.stallAfter >= 0 {
		s.Stalled = make(chan struct{})
	}

	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(func() {
		s.CloseClientConnections()
		s.Close()
	})
	return s
}

// FileURL returns the URL of a served file.
func (s *Server) FileURL(name string) string {
	return s.URL + "/" + name
}

// Ranges returns the Range headers of all GET requests so far, "" for
// requests without one.
func (s *Server) Ranges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Requests returns the number of requests served.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests++
	if r.Method == http.MethodGet {
		s.ranges = append(s.ranges, r.Header.Get("Range"))
	}
	s.mu.Unlock()

	if s.status != 0 {
		w.WriteHeader(s.status)
		return
	}

	data, ok := s.files[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	size := int64(len(data))
	etag := fmt.Sprintf(`"%s"`, r.URL.Path)

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		if !s.ignoreRange {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		w.Header().Set("ETag", etag)
		return
	}

	w.Header().Set("ETag", etag)

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" || s.ignoreRange {
		s.write(w, r, http.StatusOK, data)
		return
	}

	// Parse range header: bytes=start- or bytes=start-end
	spec := strings.TrimPrefix(rangeHeader, "bytes=")
	first, last, _ := strings.Cut(spec, "-")
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		http.Error(w, "bad range", http.StatusBadRequest)
		return
	}
	end := size - 1
	if last != "" {
		if end, err = strconv.ParseInt(last, 10, 64); err != nil {
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}
		if end >= size {
			end = size - 1
		}
	}

	if start >= size {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	s.write(w, r, http.StatusPartialContent, data[start:end+1])
}

func (s *Server) write(w http.ResponseWriter, r *http.Request, code int, body []byte) {
	if !s.omitLength {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}
	w.WriteHeader(code)

	if s.stallAfter < 0 {
		w.Write(body)
		return
	}

	n := min(s.stallAfter, int64(len(body)))
	w.Write(body[:n])
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	s.stallOnce.Do(func() { close(s.Stalled) })
	<-r.Context().Done()
}

// CompareFileToData fails t unless the file at path holds exactly
// expected.
func CompareFileToData(t *testing.T, path string, expected []byte) {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	CompareReaderToData(t, f, expected)
}

// CompareReaderToData compares reader output with expected data in chunks.
// This is memory-efficient for large files.
func CompareReaderToData(t *testing.T, reader io.Reader, expected []byte) {
	t.Helper()

	chunkSize := 1024 * 1024 // 1MB
	buf := make([]byte, chunkSize)
	offset := 0

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if offset+n > len(expected) {
				t.Fatalf("read more data than expected: offset=%d, n=%d, expected len=%d",
					offset, n, len(expected))
			}
			if !bytes.Equal(buf[:n], expected[offset:offset+n]) {
				t.Fatalf("data mismatch at offset %d", offset)
			}
			offset += n
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read error at offset %d: %v", offset, err)
		}
	}

	if offset != len(expected) {
		t.Fatalf("incomplete read: got %d bytes, want %d", offset, len(expected))
	}
}
