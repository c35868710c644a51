// Package dump reads and writes line-delimited JSON archives of face
// embeddings. Files ending in ".zst" are zstd-compressed.
package dump

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/kozaktomas/face-grouper/internal/apperr"
	"github.com/m-mizutani/goerr/v2"
)

// maxLineBytes bounds a single record; a 4096-dim vector is well under 100KB.
const maxLineBytes = 16 << 20

// Record is one archived embedding.
type Record struct {
	ImageID   string          `json:"image_id"`
	GroupID   string          `json:"group_id,omitempty"`
	Embedding []float32       `json:"embedding"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
}

// IsCompressed reports whether path selects zstd compression.
func IsCompressed(path string) bool {
	return strings.HasSuffix(path, ".zst")
}

// Writer appends records to an archive.
type Writer struct {
	out   *bufio.Writer
	zw    *zstd.Encoder
	file  io.Closer
	enc   *json.Encoder
	count int
}

// NewWriter writes records to w, zstd-compressing them when compressed is set.
func NewWriter(w io.Writer, compressed bool) (*Writer, error) {
	dw := &Writer{}
	if compressed {
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, goerr.Wrap(err, "create zstd writer")
		}
		dw.zw = zw
		w = zw
	}
	dw.out = bufio.NewWriter(w)
	dw.enc = json.NewEncoder(dw.out)
	return dw, nil
}

// Create creates (or truncates) the archive at path.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, goerr.Wrap(err, "create dump file", goerr.V("path", path))
	}
	w, err := NewWriter(f, IsCompressed(path))
	if err != nil {
		f.Close()
		return nil, err
	}
	w.file = f
	return w, nil
}

// Write appends one record.
func (w *Writer) Write(r Record) error {
	if err := w.enc.Encode(r); err != nil {
		return goerr.Wrap(err, "encode record", goerr.V(apperr.ImageIDKey, r.ImageID))
	}
	w.count++
	return nil
}

// Count returns the number of records written so far.
func (w *Writer) Count() int {
	return w.count
}

// Close flushes buffered data and closes the underlying file if Create opened it.
func (w *Writer) Close() error {
	var errs []error
	if err := w.out.Flush(); err != nil {
		errs = append(errs, err)
	}
	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return goerr.Wrap(err, "close dump")
	}
	return nil
}

// Reader iterates over the records of an archive.
type Reader struct {
	scanner *bufio.Scanner
	zr      *zstd.Decoder
	file    io.Closer
	line    int
}

// NewReader reads records from r, decompressing when compressed is set.
func NewReader(r io.Reader, compressed bool) (*Reader, error) {
	dr := &Reader{}
	if compressed {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, goerr.Wrap(err, "create zstd reader")
		}
		dr.zr = zr
		r = zr
	}
	dr.scanner = bufio.NewScanner(r)
	dr.scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return dr, nil
}

// Open opens the archive at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, goerr.Wrap(err, "open dump file", goerr.V("path", path))
	}
	r, err := NewReader(f, IsCompressed(path))
	if err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

// Next returns the next record, or io.EOF after the last one. Blank lines
// are skipped; a malformed line fails with apperr.ErrInvalidInput.
func (r *Reader) Next() (Record, error) {
	for r.scanner.Scan() {
		r.line++
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return Record{}, goerr.Wrap(apperr.ErrInvalidInput, "malformed dump record",
				goerr.V("line", r.line),
				goerr.V("cause", err.Error()),
			)
		}
		return rec, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Record{}, goerr.Wrap(err, "read dump", goerr.V("line", r.line))
	}
	return Record{}, io.EOF
}

// Line returns the line number of the last record returned by Next.
func (r *Reader) Line() int {
	return r.line
}

// Close releases the decompressor and the file opened by Open.
func (r *Reader) Close() error {
	if r.zr != nil {
		r.zr.Close()
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return goerr.Wrap(err, "close dump")
		}
	}
	return nil
}
