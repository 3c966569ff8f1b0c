// Package feed reads the encrypted access-log store. It hands back decrypted
// lines from the last committed position and advances (or truncates) the
// store only when the caller commits.
package feed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/1sec-project/tailguard/internal/atrest"
	"github.com/1sec-project/tailguard/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrStoreUnavailable is returned while the store file does not exist.
var ErrStoreUnavailable = errors.New("encrypted store unavailable")

// Mode selects how processed records are consumed.
type Mode string

const (
	// ModeTruncate empties the store once everything in it was processed.
	ModeTruncate Mode = "truncate"
	// ModeOffset never touches the store and persists a byte offset instead.
	ModeOffset Mode = "offset"
)

type Config struct {
	Path              string        `yaml:"path"`
	Key               string        `yaml:"key"` // base64 at-rest key
	Mode              Mode          `yaml:"mode"`
	StatePath         string        `yaml:"state_path"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxDecodeFailures int           `yaml:"max_decode_failures"`
	Watch             bool          `yaml:"watch"`
}

func DefaultConfig() Config {
	return Config{
		Path:              "data/access.enc",
		Mode:              ModeTruncate,
		PollInterval:      time.Second,
		MaxDecodeFailures: 10,
		Watch:             true,
	}
}

func (c Config) Validate() error {
	if c.Path == "" {
		return errors.New("feed.path is required")
	}
	if c.Mode != ModeTruncate && c.Mode != ModeOffset {
		return fmt.Errorf("feed.mode must be %q or %q, got %q", ModeTruncate, ModeOffset, c.Mode)
	}
	if c.PollInterval <= 0 {
		return errors.New("feed.poll_interval must be > 0")
	}
	if c.MaxDecodeFailures < 1 {
		return errors.New("feed.max_decode_failures must be >= 1")
	}
	return nil
}

// Line is one decrypted record. End is the store offset just past it, so
// committing End consumes this line and everything before it.
type Line struct {
	Text string
	End  int64
}

// Batch is the result of one Read. End covers every complete record that
// was examined, including blank and undecodable ones.
type Batch struct {
	Lines []Line
	End   int64
}

// Feed is the consumer side of the store. It is driven by a single engine
// goroutine and is not safe for concurrent use.
type Feed struct {
	cfg     Config
	codec   atrest.Codec
	logger  zerolog.Logger
	metrics *metrics.Metrics
	state   *offsetState

	offset   int64
	failures int
	wake     chan struct{}
	stopWake func() error
}

func New(cfg Config, codec atrest.Codec, logger zerolog.Logger, m *metrics.Metrics) (*Feed, error) {
	f := &Feed{
		cfg:     cfg,
		codec:   codec,
		logger:  logger.With().Str("component", "feed").Str("path", cfg.Path).Logger(),
		metrics: m,
	}
	if cfg.Mode == ModeOffset {
		path := cfg.StatePath
		if path == "" {
			path = cfg.Path + ".offset"
		}
		f.state = &offsetState{path: path}
		off, err := f.state.load()
		if err != nil {
			return nil, fmt.Errorf("loading feed offset: %w", err)
		}
		f.offset = off
	}
	return f, nil
}

// Offset returns the committed position.
func (f *Feed) Offset() int64 {
	return f.offset
}

// Read decrypts every complete record after the committed offset. A
// trailing partial record (no newline yet) is left for the next call.
func (f *Feed) Read() (Batch, error) {
	file, err := os.Open(f.cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Batch{End: f.offset}, ErrStoreUnavailable
		}
		return Batch{End: f.offset}, fmt.Errorf("opening store: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Batch{End: f.offset}, fmt.Errorf("stat store: %w", err)
	}
	size := info.Size()
	if size < f.offset {
		f.logger.Warn().Int64("offset", f.offset).Int64("size", size).Msg("store shrank, restarting from the beginning")
		if err := f.setOffset(0); err != nil {
			return Batch{}, err
		}
	}
	if size == f.offset {
		return Batch{End: f.offset}, nil
	}

	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return Batch{End: f.offset}, fmt.Errorf("seeking store: %w", err)
	}
	pending, err := io.ReadAll(io.LimitReader(file, size-f.offset))
	if err != nil {
		return Batch{End: f.offset}, fmt.Errorf("reading store: %w", err)
	}
	last := bytes.LastIndexByte(pending, '\n')
	if last < 0 {
		return Batch{End: f.offset}, nil
	}
	pending = pending[:last+1]

	batch := Batch{End: f.offset}
	pos := f.offset
	for len(pending) > 0 {
		i := bytes.IndexByte(pending, '\n')
		rec := pending[:i]
		pending = pending[i+1:]
		pos += int64(i + 1)
		batch.End = pos

		if len(bytes.TrimSpace(rec)) == 0 {
			continue
		}
		plain, err := f.codec.Decrypt(rec)
		if err != nil {
			f.metrics.DecodeFailed()
			f.failures++
			f.logger.Debug().Err(err).Int64("offset", pos).Msg("skipping undecodable record")
			if f.failures > f.cfg.MaxDecodeFailures {
				end, rerr := f.reset(size)
				if rerr != nil {
					return batch, rerr
				}
				batch.End = end
				return batch, nil
			}
			continue
		}
		f.failures = 0
		if len(bytes.TrimSpace(plain)) == 0 {
			continue
		}
		batch.Lines = append(batch.Lines, Line{Text: string(plain), End: pos})
	}
	return batch, nil
}

// Commit consumes the store up to end. In truncate mode the file is emptied
// once end reaches its current size; a writer that appended in the meantime
// keeps its records and they are read from the remembered offset instead.
func (f *Feed) Commit(end int64) error {
	if end < f.offset {
		return nil
	}
	if f.cfg.Mode == ModeTruncate {
		if end == 0 {
			f.offset = 0
			return nil
		}
		truncated, err := f.truncateAt(end)
		if err != nil {
			return err
		}
		if truncated {
			f.offset = 0
		} else {
			f.offset = end
		}
		return nil
	}
	return f.setOffset(end)
}

// truncateAt empties the store if it is still exactly size bytes long. The
// size check and the truncate happen under the writer's lock on the same
// handle. A missing store counts as truncated.
func (f *Feed) truncateAt(size int64) (bool, error) {
	file, err := os.OpenFile(f.cfg.Path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("opening store: %w", err)
	}
	defer file.Close()

	unlock, err := atrest.Lock(file)
	if err != nil {
		return false, err
	}
	defer unlock()

	info, err := file.Stat()
	if err != nil {
		return false, fmt.Errorf("stat store: %w", err)
	}
	if info.Size() != size {
		return false, nil
	}
	if err := file.Truncate(0); err != nil {
		return false, fmt.Errorf("truncating store: %w", err)
	}
	return true, nil
}

// reset discards the rest of the store after too many consecutive decode
// failures and returns the new committed offset.
func (f *Feed) reset(size int64) (int64, error) {
	f.logger.Error().
		Int("consecutive_failures", f.failures).
		Str("mode", string(f.cfg.Mode)).
		Msg("too many undecodable records, resetting store")
	f.metrics.StoreReset()
	f.failures = 0
	if f.cfg.Mode == ModeTruncate {
		truncated, err := f.truncateAt(size)
		if err != nil {
			return f.offset, err
		}
		if !truncated {
			// Records appended after the read survive; skip only what was read.
			f.offset = size
			return size, nil
		}
		f.offset = 0
		return 0, nil
	}
	if err := f.setOffset(size); err != nil {
		return f.offset, err
	}
	return size, nil
}

func (f *Feed) setOffset(off int64) error {
	f.offset = off
	if f.state == nil {
		return nil
	}
	if err := f.state.save(off); err != nil {
		return fmt.Errorf("saving feed offset: %w", err)
	}
	return nil
}

// Close stops the watcher, if any.
func (f *Feed) Close() error {
	if f.stopWake != nil {
		return f.stopWake()
	}
	return nil
}
