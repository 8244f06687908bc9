package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memStore は SnapshotStore のメモリ実装です。
type memStore struct {
	mu      sync.Mutex
	snaps   map[string]Snapshot
	saveErr error
	saves   int
	// gate が閉じられるまで Save を止めます（nil なら止めません）。
	gate chan struct{}
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[string]Snapshot)}
}

func (s *memStore) Save(_ context.Context, snap Snapshot) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	if cur, ok := s.snaps[snap.ID]; ok && cur.Version >= snap.Version {
		return nil
	}
	s.snaps[snap.ID] = snap
	return nil
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *memStore) Get(_ context.Context, jobID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[jobID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (s *memStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, jobID)
	return nil
}

func (s *memStore) List(_ context.Context) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		out = append(out, snap)
	}
	return out, nil
}

// gatedDispatcher は release が呼ばれるまで実行を保留するディスパッチャーです。
type gatedDispatcher struct {
	mu      sync.Mutex
	exec    ExecuteFunc
	pending []DispatchRequest
	fail    error
}

func (d *gatedDispatcher) Start(exec ExecuteFunc) error {
	d.exec = exec
	return nil
}

func (d *gatedDispatcher) Dispatch(_ context.Context, req DispatchRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.pending = append(d.pending, req)
	return nil
}

func (d *gatedDispatcher) Shutdown(context.Context) error {
	return nil
}

// release は保留中のジョブを同期的に実行します。
func (d *gatedDispatcher) release(t *testing.T) {
	t.Helper()
	d.mu.Lock()
	reqs := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, req := range reqs {
		require.NoError(t, d.exec(context.Background(), req.JobID))
	}
}

func waitTerminal(t *testing.T, reg *Registry, jobID string) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = reg.Get(jobID)
		return err == nil && snap.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond, "job %s did not reach a terminal state", jobID)
	return snap
}

func newRunningJob(t *testing.T, reg *Registry) string {
	t.Helper()
	jobID, err := reg.Create("compress")
	require.NoError(t, err)
	require.NoError(t, reg.MarkRunning(jobID))
	return jobID
}

var errBoom = errors.New("boom")
