package objectstore

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// DefaultSpoolMemoryBytes is the largest object held in memory while it is
// copied. Larger objects, and objects of unknown size, go to a temp file so
// the upload can rewind on retry.
const DefaultSpoolMemoryBytes int64 = 16 << 20

// spooled is a seekable copy of a source object.
type spooled struct {
	io.ReadSeeker
	size    int64
	cleanup func() error
}

func (s *spooled) Close() error {
	if s.cleanup == nil {
		return nil
	}
	return s.cleanup()
}

// spool drains src into memory or a temp file and closes it. size may be
// negative when the source does not report a length.
func spool(src io.ReadCloser, size, maxMemory int64) (*spooled, error) {
	defer func() { _ = src.Close() }()
	if maxMemory <= 0 {
		maxMemory = DefaultSpoolMemoryBytes
	}

	if size >= 0 && size <= maxMemory {
		data, err := io.ReadAll(io.LimitReader(src, size+1))
		if err != nil {
			return nil, fmt.Errorf("read source: %w", err)
		}
		if int64(len(data)) != size {
			return nil, fmt.Errorf("source length %d does not match reported size %d", len(data), size)
		}
		return &spooled{ReadSeeker: bytes.NewReader(data), size: size}, nil
	}

	f, err := os.CreateTemp("", "emop-spool-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	discard := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
	n, err := io.Copy(f, src)
	if err != nil {
		discard()
		return nil, fmt.Errorf("spool source: %w", err)
	}
	if size >= 0 && n != size {
		discard()
		return nil, fmt.Errorf("source length %d does not match reported size %d", n, size)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		discard()
		return nil, fmt.Errorf("rewind spool file: %w", err)
	}
	return &spooled{
		ReadSeeker: f,
		size:       n,
		cleanup: func() error {
			name := f.Name()
			closeErr := f.Close()
			if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove spool file: %w", err)
			}
			return closeErr
		},
	}, nil
}
