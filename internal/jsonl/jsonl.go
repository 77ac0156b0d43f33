// Package jsonl appends JSON records to line-delimited files.
//
// Each destination file has its own mutex. A record is marshaled in full
// before the lock is taken and written with a single Write call, so
// concurrent appends never interleave within a line.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// MaxLineBytes bounds a single record when reading streams back.
const MaxLineBytes = 64 << 20

type file struct {
	mu sync.Mutex
	f  *os.File
}

// Writer owns every stream file under one directory.
type Writer struct {
	dir      string
	keepOpen bool
	mu       sync.Mutex
	files    map[string]*file
	closed   bool
}

// Option configures a Writer.
type Option func(*Writer)

// CloseAfterWrite makes the writer open and close the file on each append.
// Use it for directories with many small streams.
func CloseAfterWrite() Option {
	return func(w *Writer) { w.keepOpen = false }
}

// NewWriter creates dir if needed and returns a Writer rooted there.
func NewWriter(dir string, opts ...Option) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	w := &Writer{dir: dir, keepOpen: true, files: make(map[string]*file)}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Dir returns the directory the writer appends into.
func (w *Writer) Dir() string { return w.dir }

// Path returns the full path of stream name.
func (w *Writer) Path(name string) string { return filepath.Join(w.dir, name) }

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("jsonl: writer closed")

// Append marshals v and appends it as one line to stream name.
func (w *Writer) Append(name string, v any) error {
	if name == "" || filepath.Base(name) != name {
		return fmt.Errorf("jsonl: invalid stream name %q", name)
	}
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	line = append(line, '\n')

	fh, err := w.handle(name)
	if err != nil {
		return err
	}

	fh.mu.Lock()
	defer fh.mu.Unlock()

	if fh.f == nil {
		f, err := os.OpenFile(w.Path(name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening %s: %w", name, err)
		}
		fh.f = f
	}
	_, err = fh.f.Write(line)
	if !w.keepOpen {
		if cerr := fh.f.Close(); err == nil {
			err = cerr
		}
		fh.f = nil
	}
	if err != nil {
		return fmt.Errorf("appending to %s: %w", name, err)
	}
	return nil
}

func (w *Writer) handle(name string) (*file, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	fh, ok := w.files[name]
	if !ok {
		fh = &file{}
		w.files[name] = fh
	}
	return fh, nil
}

// Close syncs and closes every open stream. Further appends fail.
func (w *Writer) Close() error {
	w.mu.Lock()
	w.closed = true
	files := w.files
	w.files = map[string]*file{}
	w.mu.Unlock()

	var errs []error
	for name, fh := range files {
		fh.mu.Lock()
		if fh.f != nil {
			if err := fh.f.Sync(); err != nil {
				errs = append(errs, fmt.Errorf("syncing %s: %w", name, err))
			}
			if err := fh.f.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
			}
			fh.f = nil
		}
		fh.mu.Unlock()
	}
	return errors.Join(errs...)
}

// ReadFile returns every well-formed line of path. Malformed lines are
// counted in skipped rather than failing the read.
func ReadFile(path string) (records []json.RawMessage, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	return Read(f)
}

// Read is ReadFile over an arbitrary reader.
func Read(r io.Reader) (records []json.RawMessage, skipped int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			skipped++
			continue
		}
		records = append(records, json.RawMessage(append([]byte(nil), line...)))
	}
	if err := sc.Err(); err != nil {
		return records, skipped, fmt.Errorf("scanning: %w", err)
	}
	return records, skipped, nil
}
