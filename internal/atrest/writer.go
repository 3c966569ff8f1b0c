package atrest

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Writer appends encrypted lines to a store file. It is the producer side
// of the feed and is safe for concurrent use.
type Writer struct {
	mu    sync.Mutex
	f     *os.File
	codec Codec
}

// OpenWriter opens (creating if needed) path for appending.
func OpenWriter(path string, codec Codec) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}
	return &Writer{f: f, codec: codec}, nil
}

// WriteLine encrypts line and appends it as one record. Embedded newlines
// are replaced by spaces so one line always maps to one record.
func (w *Writer) WriteLine(line string) error {
	line = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(line)
	rec, err := w.codec.Encrypt([]byte(line))
	if err != nil {
		return err
	}
	rec = append(rec, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	unlock, err := Lock(w.f)
	if err != nil {
		return err
	}
	defer unlock()
	if _, err := w.f.Write(rec); err != nil {
		return fmt.Errorf("appending record: %w", err)
	}
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
