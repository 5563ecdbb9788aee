package tail

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agusx1211/letthemcook/internal/debug"
)

// ErrSourceLost is returned by a Source whose underlying file or pipe
// disappeared while it was being read.
var ErrSourceLost = errors.New("tail: source lost")

// Source produces raw lines in arrival order. Stream calls emit once per
// complete line and returns when the source ends (nil), when ctx is done
// (nil), or when the source is lost (an error matching ErrSourceLost). emit
// returning false stops the stream.
type Source interface {
	Name() string
	Stream(ctx context.Context, emit func(line []byte) bool) error
}

// ReaderSource reads lines from a live handle such as a worker's stdout pipe.
// The sequence ends at EOF.
func ReaderSource(name string, r io.Reader) Source {
	return &readerSource{name: name, r: r}
}

type readerSource struct {
	name string
	r    io.Reader
}

func (s *readerSource) Name() string { return s.name }

func (s *readerSource) Stream(ctx context.Context, emit func([]byte) bool) error {
	br := bufio.NewReaderSize(s.r, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if ctx.Err() != nil {
				return nil
			}
			if !emit(bytes.TrimRight(line, "\r\n")) {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("%w: %s: %v", ErrSourceLost, s.name, err)
		}
	}
}

// Options tune FollowFile.
type Options struct {
	// FromEnd starts at the current end of file instead of the beginning.
	FromEnd bool
	// PollInterval is the first and shortest wait between checks when no
	// change notification arrives. Default 250ms.
	PollInterval time.Duration
	// MaxPollInterval caps the exponential backoff. Default 2s.
	MaxPollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.MaxPollInterval < o.PollInterval {
		o.MaxPollInterval = 2 * time.Second
		if o.MaxPollInterval < o.PollInterval {
			o.MaxPollInterval = o.PollInterval
		}
	}
	return o
}

// FollowFile tails a growing file. It keeps an explicit offset, waits on
// fsnotify write events with a backoff poll as fallback, and buffers partial
// trailing lines until their newline arrives.
func FollowFile(path string, opts Options) Source {
	return &fileSource{path: path, opts: opts.withDefaults()}
}

type fileSource struct {
	path string
	opts Options
}

func (s *fileSource) Name() string { return s.path }

func (s *fileSource) Stream(ctx context.Context, emit func([]byte) bool) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrSourceLost, s.path, err)
	}
	defer f.Close()

	orig, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrSourceLost, s.path, err)
	}
	var offset int64
	if s.opts.FromEnd {
		if offset, err = f.Seek(0, io.SeekEnd); err != nil {
			return fmt.Errorf("%w: seek %s: %v", ErrSourceLost, s.path, err)
		}
	}

	wake := make(chan struct{}, 1)
	watcher := s.watch(ctx, wake)
	if watcher != nil {
		defer watcher.Close()
	}

	debug.LogKV("tail", "following file", "path", s.path, "offset", offset, "fsnotify", watcher != nil)

	br := bufio.NewReaderSize(f, 64*1024)
	var partial []byte
	delay := s.opts.PollInterval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		// Drain everything currently available.
		progressed := false
		for {
			chunk, err := br.ReadBytes('\n')
			offset += int64(len(chunk))
			if len(chunk) > 0 {
				progressed = true
			}
			if err == nil {
				line := chunk
				if len(partial) > 0 {
					line = append(partial, chunk...)
					partial = nil
				}
				if !emit(bytes.TrimRight(line, "\r\n")) {
					return nil
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				partial = append(partial, chunk...)
				break
			}
			return fmt.Errorf("%w: read %s: %v", ErrSourceLost, s.path, err)
		}
		if progressed {
			delay = s.opts.PollInterval
		}

		resetTimer(timer, delay)
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
			delay = s.opts.PollInterval
		case <-timer.C:
			delay = min(delay*2, s.opts.MaxPollInterval)
		}

		if err := s.checkSame(orig, offset); err != nil {
			return err
		}
	}
}

// checkSame reports ErrSourceLost when the path no longer names the file
// being read, or the file shrank below the read offset.
func (s *fileSource) checkSame(orig os.FileInfo, offset int64) error {
	cur, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSourceLost, s.path, err)
	}
	if !os.SameFile(orig, cur) {
		return fmt.Errorf("%w: %s was replaced", ErrSourceLost, s.path)
	}
	if cur.Size() < offset {
		return fmt.Errorf("%w: %s was truncated", ErrSourceLost, s.path)
	}
	return nil
}

// watch starts an fsnotify watcher on the file's directory and signals wake
// on any event naming the file. It returns nil when notifications are
// unavailable; the caller then relies on polling alone.
func (s *fileSource) watch(ctx context.Context, wake chan<- struct{}) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		debug.LogKV("tail", "fsnotify unavailable, polling", "error", err)
		return nil
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		debug.LogKV("tail", "fsnotify add failed, polling", "path", s.path, "error", err)
		return nil
	}

	target := filepath.Clean(s.path)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				debug.LogKV("tail", "fsnotify error", "path", s.path, "error", err)
			}
		}
	}()
	return watcher
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
