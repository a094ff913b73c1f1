package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

type nopSeekCloser struct {
	*bytes.Reader
	closed bool
}

func (n *nopSeekCloser) Close() error {
	n.closed = true
	return nil
}

func TestChunkSeqYieldsBoundedChunks(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 10)
	src := &nopSeekCloser{Reader: bytes.NewReader(content)}
	seq := ChunkSeq(context.Background(), func() (io.ReadCloser, error) { return src, nil }, 4)

	var sizes []int
	var got []byte
	for chunk, err := range seq {
		if err != nil {
			t.Fatalf("chunk: %v", err)
		}
		sizes = append(sizes, len(chunk))
		got = append(got, chunk...)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("unexpected content %q", got)
	}
	if len(sizes) != 3 || sizes[0] != 4 || sizes[1] != 4 || sizes[2] != 2 {
		t.Fatalf("unexpected chunk sizes %v", sizes)
	}
	if !src.closed {
		t.Fatal("expected reader closed after iteration")
	}
}

func TestChunkSeqIsSingleUse(t *testing.T) {
	opens := 0
	seq := ChunkSeq(context.Background(), func() (io.ReadCloser, error) {
		opens++
		return &nopSeekCloser{Reader: bytes.NewReader([]byte("abc"))}, nil
	}, 0)

	for _, err := range seq {
		if err != nil {
			t.Fatalf("first pass: %v", err)
		}
	}
	var second error
	for _, err := range seq {
		second = err
	}
	if !errors.Is(second, ErrStreamConsumed) {
		t.Fatalf("expected ErrStreamConsumed, got %v", second)
	}
	if opens != 1 {
		t.Fatalf("expected one open, got %d", opens)
	}
}

func TestChunkSeqClosesOnEarlyBreak(t *testing.T) {
	src := &nopSeekCloser{Reader: bytes.NewReader(bytes.Repeat([]byte("y"), 100))}
	seq := ChunkSeq(context.Background(), func() (io.ReadCloser, error) { return src, nil }, 10)
	for range seq {
		break
	}
	if !src.closed {
		t.Fatal("expected reader closed after break")
	}
}

func TestChunkSeqPropagatesOpenError(t *testing.T) {
	boom := errors.New("boom")
	seq := ChunkSeq(context.Background(), func() (io.ReadCloser, error) { return nil, boom }, 0)
	for chunk, err := range seq {
		if chunk != nil || !errors.Is(err, boom) {
			t.Fatalf("expected open error, got %q / %v", chunk, err)
		}
	}
}

func TestSectionReadCloser(t *testing.T) {
	src := &nopSeekCloser{Reader: bytes.NewReader([]byte("0123456789"))}
	section, err := NewSectionReadCloser(src, 2, 6)
	if err != nil {
		t.Fatalf("section: %v", err)
	}
	got, err := io.ReadAll(section)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "2345" {
		t.Fatalf("expected 2345, got %q", got)
	}
	if err := section.Close(); err != nil || !src.closed {
		t.Fatalf("expected underlying close, err=%v", err)
	}
}
