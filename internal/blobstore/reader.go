package blobstore

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync/atomic"
)

// ErrStreamConsumed is yielded when a chunk stream is ranged over twice.
var ErrStreamConsumed = errors.New("chunk stream already consumed")

// ChunkSeq returns a lazy, single-use sequence of chunks read from the reader
// that open returns. open runs when iteration starts and the reader is
// closed when iteration ends, including early breaks. Each yielded slice is
// freshly allocated and owned by the caller.
func ChunkSeq(ctx context.Context, open func() (io.ReadCloser, error), chunkSize int) iter.Seq2[[]byte, error] {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	var used atomic.Bool
	return func(yield func([]byte, error) bool) {
		if used.Swap(true) {
			yield(nil, ErrStreamConsumed)
			return
		}
		rc, err := open()
		if err != nil {
			yield(nil, err)
			return
		}
		defer rc.Close()

		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			buf := make([]byte, chunkSize)
			n, err := io.ReadFull(rc, buf)
			if n > 0 {
				if !yield(buf[:n], nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

// SectionReadCloser reads [start, end) of an underlying seekable file and
// closes it when done.
type SectionReadCloser struct {
	io.Reader
	closer io.Closer
}

// Close closes the underlying file.
func (s *SectionReadCloser) Close() error {
	return s.closer.Close()
}

// NewSectionReadCloser seeks rsc to start and bounds reads to end-start
// bytes. The caller validates the range.
func NewSectionReadCloser(rsc io.ReadSeekCloser, start, end int64) (*SectionReadCloser, error) {
	if _, err := rsc.Seek(start, io.SeekStart); err != nil {
		return nil, err
	}
	return &SectionReadCloser{Reader: io.LimitReader(rsc, end-start), closer: rsc}, nil
}
