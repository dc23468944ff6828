// Package journal records live submission intents in a WAL. An intent is
// written as pending before an instruction reaches a venue and marked done
// or failed once its outcome is reconciled; pending intents found on
// startup mean the ledger must be resynced from venue balances.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tightloop/internal/domain"
)

const (
	DefaultDir          = "./wal/intents"
	intentKeyPrefix     = "intent_"
	walSegmentThreshold = 1000
	walMaxSegments      = 100
	walDirPermissions   = 0o755
)

// Status is the lifecycle state of an intent.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Intent is the journal record of one submitted instruction.
type Intent struct {
	ID          string             `json:"id"`
	Status      Status             `json:"status"`
	Instruction domain.Instruction `json:"instruction"`
	Time        time.Time          `json:"time"`
	Error       string             `json:"error,omitempty"`
}

// Journal is a WAL-backed intent journal.
type Journal struct {
	mu      sync.Mutex
	wal     *gowal.Wal
	intents []*Intent
	index   map[string]*Intent
	now     func() time.Time
	logger  *zap.Logger
}

// Open opens the journal in dir and replays its intents; the last record
// written for an id wins.
func Open(dir string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, walDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure WAL directory %s", dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "intent_",
		SegmentThreshold: walSegmentThreshold,
		MaxSegments:      walMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init intent WAL")
	}

	j := &Journal{wal: wal, index: make(map[string]*Intent), now: time.Now, logger: logger}

	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, intentKeyPrefix) {
			continue
		}
		var intent Intent
		if err := json.Unmarshal(msg.Value, &intent); err != nil {
			logger.Error("failed to unmarshal intent", zap.Error(err), zap.String("key", msg.Key))
			continue
		}
		if existing, ok := j.index[intent.ID]; ok {
			*existing = intent
			continue
		}
		intentCopy := intent
		j.intents = append(j.intents, &intentCopy)
		j.index[intent.ID] = &intentCopy
	}

	return j, nil
}

// Prepare writes a pending intent for in.
func (j *Journal) Prepare(in domain.Instruction) error {
	if in.ID == "" {
		return errors.New("intent requires an instruction id")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	intent := &Intent{ID: in.ID, Status: StatusPending, Instruction: in, Time: j.now().UTC()}
	if err := j.persist(intent); err != nil {
		return err
	}

	if existing, ok := j.index[in.ID]; ok {
		*existing = *intent
		return nil
	}
	j.intents = append(j.intents, intent)
	j.index[in.ID] = intent
	return nil
}

// MarkDone closes the intent as reconciled.
func (j *Journal) MarkDone(id string) error {
	return j.mark(id, StatusDone, "")
}

// MarkFailed closes the intent with a failure reason.
func (j *Journal) MarkFailed(id, reason string) error {
	return j.mark(id, StatusFailed, reason)
}

func (j *Journal) mark(id string, status Status, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	intent, ok := j.index[id]
	if !ok {
		return errors.Errorf("intent %s not found", id)
	}
	updated := *intent
	updated.Status = status
	updated.Error = reason
	updated.Time = j.now().UTC()
	if err := j.persist(&updated); err != nil {
		return err
	}
	*intent = updated
	return nil
}

// Pending returns copies of the intents without an outcome, oldest first.
func (j *Journal) Pending() []Intent {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []Intent
	for _, it := range j.intents {
		if it.Status == StatusPending {
			out = append(out, *it)
		}
	}
	return out
}

// Intents returns copies of every known intent.
func (j *Journal) Intents() []Intent {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Intent, 0, len(j.intents))
	for _, it := range j.intents {
		out = append(out, *it)
	}
	return out
}

// Close closes the WAL.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.wal.Close()
}

func (j *Journal) persist(intent *Intent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return errors.Wrap(err, "failed to marshal intent")
	}
	key := fmt.Sprintf("%s%s", intentKeyPrefix, intent.ID)
	nextIndex := j.wal.CurrentIndex() + 1
	return j.wal.Write(nextIndex, key, data)
}
