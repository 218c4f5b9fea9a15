// Package state keeps a local history of reap runs in bbolt so interval
// mode and the history command can see past decisions across restarts.
package state

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/buildfleet/pkg/fleet"
)

// FileName is the database created inside the state directory.
const FileName = "buildfleet.db"

// Bucket names in bbolt
var (
	bucketRuns  = []byte("runs")
	bucketMeta  = []byte("meta")
	keyRevision = []byte("current_revision")
)

// Run is the stored summary of one reap run.
type Run struct {
	Revision  int64            `json:"revision" yaml:"revision"`
	TagKey    string           `json:"tag_key" yaml:"tag_key"`
	Prefix    string           `json:"prefix" yaml:"prefix"`
	DryRun    bool             `json:"dry_run" yaml:"dry_run"`
	StartTime time.Time        `json:"start_time" yaml:"start_time"`
	Duration  time.Duration    `json:"duration" yaml:"duration"`
	Listed    int              `json:"listed" yaml:"listed"`
	Kept      []fleet.TagEntry `json:"kept" yaml:"kept"`
	Removed   []string         `json:"removed" yaml:"removed"` // image ids removed or, in a dry run, selected
	Failed    []string         `json:"failed,omitempty" yaml:"failed,omitempty"`
	Excluded  int              `json:"excluded" yaml:"excluded"`
}

func newRun(rev int64, report *fleet.ReapReport) *Run {
	run := &Run{
		Revision:  rev,
		TagKey:    report.TagKey,
		Prefix:    report.Prefix,
		DryRun:    report.DryRun,
		StartTime: report.StartTime,
		Duration:  report.Duration,
		Listed:    report.Listed,
		Kept:      report.Kept,
		Removed:   []string{},
		Excluded:  len(report.Excluded),
	}
	for _, item := range report.Items {
		if item.Outcome.Failed() {
			run.Failed = append(run.Failed, item.ImageID)
			continue
		}
		run.Removed = append(run.Removed, item.ImageID)
	}
	return run
}

// Store is a bbolt database of reap runs with an in-memory index by revision.
type Store struct {
	mu sync.RWMutex

	db    *bbolt.DB
	index *btree.BTreeG[*Run]

	currentRev int64
	path       string
}

// Open opens or creates the database in dir. It fails after a second if
// another process holds the database.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	path := filepath.Join(dir, FileName)

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuns, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init state buckets: %w", err)
	}

	s := &Store{
		db: db,
		index: btree.NewG[*Run](32, func(a, b *Run) bool {
			return a.Revision < b.Revision
		}),
		path: path,
	}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyRevision); v != nil {
			s.currentRev = bytesToInt64(v)
		}
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("decode run %d: %w", bytesToInt64(k), err)
			}
			s.index.ReplaceOrInsert(&run)
			return nil
		})
	})
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Record stores a report as the next revision.
func (s *Store) Record(report *fleet.ReapReport) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.currentRev + 1
	run := newRun(rev, report)

	value, err := json.Marshal(run)
	if err != nil {
		return 0, fmt.Errorf("encode run: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketRuns).Put(int64ToBytes(rev), value); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyRevision, int64ToBytes(rev))
	})
	if err != nil {
		return 0, fmt.Errorf("store run %d: %w", rev, err)
	}

	s.currentRev = rev
	s.index.ReplaceOrInsert(run)
	return rev, nil
}

// Emit records the report. It lets a Store sit in an emitter chain.
func (s *Store) Emit(_ context.Context, report *fleet.ReapReport) error {
	_, err := s.Record(report)
	return err
}

// CurrentRevision returns the revision of the newest run.
func (s *Store) CurrentRevision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// History returns up to limit runs for prefix, newest first. An empty
// prefix matches every run and a limit of zero returns all of them.
func (s *Store) History(prefix string, limit int) []Run {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []Run
	s.index.Descend(func(run *Run) bool {
		if prefix != "" && run.Prefix != prefix {
			return true
		}
		runs = append(runs, *run)
		return limit <= 0 || len(runs) < limit
	})
	return runs
}

// LastRetained returns the kept set of the newest run for prefix.
func (s *Store) LastRetained(prefix string) ([]fleet.TagEntry, bool) {
	runs := s.History(prefix, 1)
	if len(runs) == 0 {
		return nil, false
	}
	return runs[0].Kept, true
}

// Compact removes all but the newest keep runs and returns how many were
// removed. A keep of zero disables compaction.
func (s *Store) Compact(keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keep <= 0 || s.index.Len() <= keep {
		return 0, nil
	}

	var stale []int64
	s.index.Ascend(func(run *Run) bool {
		if s.index.Len()-len(stale) <= keep {
			return false
		}
		stale = append(stale, run.Revision)
		return true
	})

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRuns)
		for _, rev := range stale {
			if err := bucket.Delete(int64ToBytes(rev)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("compact state: %w", err)
	}

	for _, rev := range stale {
		s.index.Delete(&Run{Revision: rev})
	}
	return len(stale), nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v)) // #nosec G115 -- revisions are positive
	return b
}

func bytesToInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b)) // #nosec G115 -- revisions are positive
}
