package feed

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

type offsetRecord struct {
	Offset    int64  `json:"offset"`
	UpdatedAt string `json:"updated_at"`
}

// offsetState persists the committed offset with an atomic tmp+rename so a
// crash never leaves a half-written state file.
type offsetState struct {
	path string
}

func (s *offsetState) load() (int64, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var rec offsetRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return 0, err
	}
	if rec.Offset < 0 {
		return 0, nil
	}
	return rec.Offset, nil
}

func (s *offsetState) save(off int64) error {
	b, err := json.Marshal(offsetRecord{Offset: off, UpdatedAt: time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
