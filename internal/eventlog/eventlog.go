// Package eventlog is the crash-durable, append-only record of pending events.
//
// The log is a single line-delimited JSON file. Appending an event writes a put
// record; a later put with the same key supersedes the earlier one. Removal writes
// a tombstone. Superseded and removed lines are reclaimed by compaction, which
// rewrites the file with only the live records.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"

	"github.com/austindbirch/control_core/internal/delivery"
	"github.com/austindbirch/control_core/internal/logging"
	"github.com/austindbirch/control_core/internal/metrics"
)

// DefaultCompactThreshold is the number of dead lines tolerated before a rewrite
const DefaultCompactThreshold = 256

var (
	// ErrClosed is returned by operations on a closed log
	ErrClosed = errors.New("eventlog: closed")
	// ErrLocked is returned by Open while another writer holds the log
	ErrLocked = errors.New("eventlog: in use by another process")
)

type Op string

const (
	OpPut    Op = "put"
	OpRemove Op = "remove"
)

// Record is one line of the log file
type Record struct {
	Op    Op              `json:"op"`
	Key   string          `json:"key"`
	Event *delivery.Event `json:"event,omitempty"`
}

type Options struct {
	// Sync fsyncs after every write
	Sync bool
	// CompactThreshold is the dead line count that triggers a rewrite on Remove.
	// Zero rewrites the file on every removal.
	CompactThreshold int
}

// Log is safe for concurrent use; every write goes through a single mutex.
type Log struct {
	mu     sync.Mutex
	path   string
	opts   Options
	f      *os.File
	lock   *flock.Flock // held from Open until Close
	size   int64
	live   map[string]delivery.Event
	dead   int
	closed bool
	logger *logging.Logger
}

// LockPath is the advisory lock file guarding the log at path
func LockPath(path string) string { return path + ".lock" }

// Open opens or creates the log at path and rebuilds the live index from it.
// Only one writer may hold a log; a second Open fails with ErrLocked until the
// first is closed.
func Open(path string, opts Options) (*Log, error) {
	if opts.CompactThreshold < 0 {
		opts.CompactThreshold = 0
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	lock := flock.New(LockPath(path))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock log: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	l := &Log{
		path:   path,
		opts:   opts,
		lock:   lock,
		live:   make(map[string]delivery.Event),
		logger: logging.New("control-core-eventlog"),
	}
	if err := l.load(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return l, nil
}

func (l *Log) load() error {
	live, dead, malformed, err := l.replay()
	if err != nil {
		return err
	}
	l.live = live
	l.dead = dead + malformed

	if err := l.openAppend(); err != nil {
		return err
	}
	if l.dead > 0 {
		if err := l.compactLocked(); err != nil {
			_ = l.f.Close()
			return err
		}
	}
	return nil
}

func (l *Log) openAppend() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log: %w", err)
	}
	l.f = f
	l.size = st.Size()
	return nil
}

// Append durably records ev. A record with the same key supersedes any earlier one.
func (l *Log) Append(ev delivery.Event) error {
	line, err := encode(Record{Op: OpPut, Key: ev.Key(), Event: &ev})
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.writeLocked(line); err != nil {
		return err
	}
	if _, ok := l.live[ev.Key()]; ok {
		l.dead++
	}
	l.live[ev.Key()] = ev
	return nil
}

// Remove logically deletes the event with the given key. Removing a key that is
// not live is a no-op.
func (l *Log) Remove(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, ok := l.live[key]; !ok {
		return nil
	}

	line, err := encode(Record{Op: OpRemove, Key: key})
	if err != nil {
		return err
	}
	if err := l.writeLocked(line); err != nil {
		return err
	}
	delete(l.live, key)
	l.dead += 2 // the put and its tombstone

	if l.dead >= l.opts.CompactThreshold {
		// the tombstone is already durable; a failed rewrite is retried later
		if err := l.compactLocked(); err != nil {
			l.logger.Plain().WithError(err).WithField("path", l.path).Warn("event log compaction failed")
		}
	}
	return nil
}

// LoadAll replays the file and returns the live events ordered by enqueue time.
// Lines that fail to parse are skipped.
func (l *Log) LoadAll() ([]delivery.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	live, _, _, err := l.replay()
	if err != nil {
		return nil, err
	}
	return sorted(live), nil
}

// Read returns the live events in the file at path without opening it for writing
func Read(path string) ([]delivery.Event, error) {
	l := &Log{path: path, logger: logging.New("control-core-eventlog")}
	live, _, _, err := l.replay()
	if err != nil {
		return nil, err
	}
	return sorted(live), nil
}

// Compact rewrites the file keeping only live records
func (l *Log) Compact() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.compactLocked()
}

// Len returns the number of live events
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

// Contains reports whether key is live
func (l *Log) Contains(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.live[key]
	return ok
}

func (l *Log) Path() string { return l.path }

// Close compacts pending dead lines and closes the file
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	var compactErr error
	if l.dead > 0 {
		compactErr = l.compactLocked()
	}
	l.closed = true
	closeErr := l.f.Close()
	if err := l.lock.Unlock(); err != nil && closeErr == nil {
		closeErr = err
	}
	if closeErr != nil && compactErr == nil {
		return fmt.Errorf("close log: %w", closeErr)
	}
	return compactErr
}

func (l *Log) writeLocked(line []byte) error {
	n, err := l.f.Write(line)
	if err != nil {
		// drop any partial line so the next record starts on its own line
		if n > 0 {
			_ = l.f.Truncate(l.size)
		}
		return fmt.Errorf("append log: %w", err)
	}
	l.size += int64(n)
	if l.opts.Sync {
		if err := l.f.Sync(); err != nil {
			return fmt.Errorf("sync log: %w", err)
		}
	}
	return nil
}

func (l *Log) compactLocked() error {
	dir, base := filepath.Split(l.path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, base+".compact-*")
	if err != nil {
		return fmt.Errorf("compact log: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	w := bufio.NewWriter(tmp)
	for _, ev := range sorted(l.live) {
		ev := ev
		line, err := encode(Record{Op: OpPut, Key: ev.Key(), Event: &ev})
		if err != nil {
			cleanup()
			return err
		}
		if _, err := w.Write(line); err != nil {
			cleanup()
			return fmt.Errorf("compact log: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("compact log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("compact log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("compact log: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("compact log: %w", err)
	}

	if l.f != nil {
		_ = l.f.Close()
	}
	if err := l.openAppend(); err != nil {
		return err
	}
	l.logger.Plain().WithFields(map[string]any{
		"path":      l.path,
		"live":      len(l.live),
		"reclaimed": l.dead,
	}).Debug("event log compacted")
	l.dead = 0
	return nil
}

// replay reads every line of the file. It returns the live set, the number of
// superseded or removed lines, and the number of malformed lines.
func (l *Log) replay() (map[string]delivery.Event, int, int, error) {
	live := make(map[string]delivery.Event)
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return live, 0, 0, nil
	}
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open log for replay: %w", err)
	}
	defer f.Close()

	var dead, malformed, lineNo int
	r := bufio.NewReader(f)
	for {
		line, readErr := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			lineNo++
			rec, ok := decode(line)
			switch {
			case !ok:
				malformed++
				metrics.LogMalformedLinesTotal.Inc()
				l.logger.Plain().WithFields(map[string]any{
					"path": l.path,
					"line": lineNo,
				}).Warn("skipping malformed event log line")
			case rec.Op == OpRemove:
				if _, exists := live[rec.Key]; exists {
					delete(live, rec.Key)
					dead++
				}
				dead++
			default:
				if _, exists := live[rec.Key]; exists {
					dead++
				}
				live[rec.Key] = *rec.Event
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, 0, 0, fmt.Errorf("read log: %w", readErr)
		}
	}
	return live, dead, malformed, nil
}

func encode(rec Record) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode log record: %w", err)
	}
	return append(b, '\n'), nil
}

func decode(line []byte) (Record, bool) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, false
	}
	switch rec.Op {
	case OpRemove:
		return rec, rec.Key != ""
	case OpPut:
		if rec.Event == nil || rec.Event.Validate() != nil {
			return Record{}, false
		}
		// the stored key must match the event it carries
		if rec.Key != rec.Event.Key() {
			return Record{}, false
		}
		return rec, true
	default:
		return Record{}, false
	}
}

func sorted(live map[string]delivery.Event) []delivery.Event {
	out := make([]delivery.Event, 0, len(live))
	for _, ev := range live {
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}
