// Package auditlog persists audit events in write-ahead logs, one log per
// event category under <root>/<run id>/<category>.
package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/tightloop/internal/services/audit"
)

const (
	DefaultDir     = "./wal/audit"
	segmentLimit   = 1000
	maxSegments    = 100
	dirPermissions = 0o755
)

// WALStore is an audit.Sink backed by gowal.
type WALStore struct {
	dir      string
	syncDisk bool

	mu     sync.Mutex
	wals   map[audit.Category]*gowal.Wal
	closed bool
}

// NewWALStore creates the run directory. Category logs are opened on first use.
func NewWALStore(root, runID string, syncDisk bool) (*WALStore, error) {
	if root == "" {
		root = DefaultDir
	}
	if runID == "" {
		return nil, errors.New("audit WAL store requires a run id")
	}

	dir := filepath.Join(root, runID)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure audit directory %s", dir)
	}

	return &WALStore{dir: dir, syncDisk: syncDisk, wals: make(map[audit.Category]*gowal.Wal)}, nil
}

// Dir returns the run directory.
func (s *WALStore) Dir() string {
	return s.dir
}

func openWAL(dir string, category audit.Category, syncDisk bool) (*gowal.Wal, error) {
	path := filepath.Join(dir, string(category))
	if err := os.MkdirAll(path, dirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure WAL directory %s", path)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              path,
		Prefix:           "audit_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: syncDisk,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "init %s audit WAL", category)
	}
	return wal, nil
}

// Append implements audit.Sink.
func (s *WALStore) Append(_ context.Context, e audit.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal audit event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("audit WAL store is closed")
	}

	wal, ok := s.wals[e.Category]
	if !ok {
		wal, err = openWAL(s.dir, e.Category, s.syncDisk)
		if err != nil {
			return err
		}
		s.wals[e.Category] = wal
	}

	key := fmt.Sprintf("%s_%d", e.Category, e.Seq)
	nextIndex := wal.CurrentIndex() + 1
	return errors.Wrapf(wal.Write(nextIndex, key, payload), "write %s audit event", e.Category)
}

// Close implements audit.Sink.
func (s *WALStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var first error
	for category, wal := range s.wals {
		if err := wal.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "close %s audit WAL", category)
		}
	}
	return first
}

// ReadCategory replays the events of one category of a closed run.
func ReadCategory(root, runID string, category audit.Category) ([]audit.Event, error) {
	if root == "" {
		root = DefaultDir
	}
	dir := filepath.Join(root, runID)
	if _, err := os.Stat(filepath.Join(dir, string(category))); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	wal, err := openWAL(dir, category, false)
	if err != nil {
		return nil, err
	}
	defer wal.Close()

	var events []audit.Event
	for msg := range wal.Iterator() {
		var e audit.Event
		if err := json.Unmarshal(msg.Value, &e); err != nil {
			return nil, errors.Wrapf(err, "decode audit event %s", msg.Key)
		}
		events = append(events, e)
	}
	return events, nil
}
