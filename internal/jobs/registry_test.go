package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRegistryCreateStartsPending(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})

	jobID, err := reg.Create("split")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	snap, err := reg.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, snap.Status)
	assert.Equal(t, "split", snap.Kind)
	assert.Equal(t, StageQueued, snap.Progress.Stage)
	assert.False(t, snap.CancelRequested)
	assert.Nil(t, snap.Result)
	assert.Empty(t, snap.ErrorMessage)
}

func TestRegistryCreateRegeneratesCollidingIDs(t *testing.T) {
	ids := []string{"a", "a", "b"}
	var n int
	reg := NewRegistry(RegistryOptions{NewID: func() string {
		id := ids[n%len(ids)]
		n++
		return id
	}})

	first, err := reg.Create("compress")
	require.NoError(t, err)
	second, err := reg.Create("compress")
	require.NoError(t, err)
	assert.Equal(t, "a", first)
	assert.Equal(t, "b", second)
}

func TestRegistryCreateExhausted(t *testing.T) {
	reg := NewRegistry(RegistryOptions{NewID: func() string { return "same" }})
	_, err := reg.Create("compress")
	require.NoError(t, err)

	_, err = reg.Create("compress")
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestRegistryMaxJobs(t *testing.T) {
	reg := NewRegistry(RegistryOptions{MaxJobs: 2})
	for i := 0; i < 2; i++ {
		_, err := reg.Create("compress")
		require.NoError(t, err)
	}
	_, err := reg.Create("compress")
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestRegistryUpdateProgressRequiresRunning(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	jobID, err := reg.Create("compress")
	require.NoError(t, err)

	err = reg.UpdateProgress(jobID, Progress{Percentage: 10})
	assert.ErrorIs(t, err, ErrNotRunning)

	err = reg.UpdateProgress(uuid.NewString(), Progress{Percentage: 10})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryProgressNeverDecreases(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	jobID := newRunningJob(t, reg)

	require.NoError(t, reg.UpdateProgress(jobID, Progress{Stage: StageProcess, Percentage: 40}))
	require.NoError(t, reg.UpdateProgress(jobID, Progress{Stage: StageProcess, Percentage: 20}))
	snap, _ := reg.Get(jobID)
	assert.Equal(t, 40, snap.Progress.Percentage)

	require.NoError(t, reg.UpdateProgress(jobID, Progress{Percentage: 250}))
	snap, _ = reg.Get(jobID)
	assert.Equal(t, 100, snap.Progress.Percentage)
	assert.Equal(t, StageProcess, snap.Progress.Stage, "empty stage keeps the previous one")
}

func TestRegistryMarkRunningOnlyFromPending(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	jobID := newRunningJob(t, reg)

	assert.ErrorIs(t, reg.MarkRunning(jobID), ErrInvalidTransition)
}

func TestRegistryRetention(t *testing.T) {
	assert.Equal(t, defaultRetention, NewRegistry(RegistryOptions{}).Retention())
	assert.Equal(t, time.Hour, NewRegistry(RegistryOptions{Retention: time.Hour}).Retention())
}

func TestRegistryMarkRunningRefusesCancelledJob(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	jobID, err := reg.Create("flatten")
	require.NoError(t, err)
	require.Equal(t, CancelAccepted, reg.RequestCancel(jobID))

	assert.ErrorIs(t, reg.MarkRunning(jobID), ErrCancelled)

	snap, err := reg.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, snap.Status)
	assert.True(t, snap.StartedAt.IsZero())

	won, err := reg.CompleteCancelled(jobID)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestRegistryCompleteSuccessRequiresRunning(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	jobID, err := reg.Create("compress")
	require.NoError(t, err)

	won, err := reg.CompleteSuccess(jobID, &Result{Filename: "out.pdf"})
	assert.False(t, won)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRegistryCompleteSuccessFillsProgress(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	jobID := newRunningJob(t, reg)
	require.NoError(t, reg.UpdateProgress(jobID, Progress{Stage: StageProcess, CurrentUnit: 3, TotalUnits: 8, Percentage: 38}))

	won, err := reg.CompleteSuccess(jobID, &Result{Filename: "out.pdf", Size: 10})
	require.NoError(t, err)
	require.True(t, won)

	snap, _ := reg.Get(jobID)
	assert.Equal(t, StatusComplete, snap.Status)
	assert.Equal(t, 100, snap.Progress.Percentage)
	assert.Equal(t, 8, snap.Progress.CurrentUnit)
	assert.Equal(t, StageCompleted, snap.Progress.Stage)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "out.pdf", snap.Result.Filename)
	assert.Empty(t, snap.ErrorMessage)
	assert.False(t, snap.FinishedAt.IsZero())
}

func TestRegistryCompleteErrorNeverEmpty(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	jobID := newRunningJob(t, reg)

	won, err := reg.CompleteError(jobID, "")
	require.NoError(t, err)
	require.True(t, won)

	snap, _ := reg.Get(jobID)
	assert.Equal(t, StatusError, snap.Status)
	assert.NotEmpty(t, snap.ErrorMessage)
	assert.Nil(t, snap.Result)
}

func TestRegistryTerminalTransitionIsFinal(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	jobID := newRunningJob(t, reg)

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			var won bool
			var err error
			if i%2 == 0 {
				won, err = reg.CompleteSuccess(jobID, &Result{Filename: "out.pdf"})
			} else {
				won, err = reg.CompleteCancelled(jobID)
			}
			assert.NoError(t, err)
			if won {
				wins.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())

	settled, _ := reg.Get(jobID)
	for i := 0; i < 3; i++ {
		won, err := reg.CompleteError(jobID, "late")
		require.NoError(t, err)
		assert.False(t, won)
		won, err = reg.CompleteSuccess(jobID, &Result{Filename: "other.pdf"})
		require.NoError(t, err)
		assert.False(t, won)
		won, err = reg.CompleteCancelled(jobID)
		require.NoError(t, err)
		assert.False(t, won)
	}
	again, _ := reg.Get(jobID)
	assert.Equal(t, settled, again)
	if settled.Status == StatusComplete {
		assert.NotNil(t, settled.Result)
	} else {
		assert.Equal(t, StatusCancelled, settled.Status)
		assert.Nil(t, settled.Result)
	}
	assert.Empty(t, settled.ErrorMessage)
}

func TestRegistryRequestCancelDoesNotTransition(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	jobID := newRunningJob(t, reg)

	assert.Equal(t, CancelAccepted, reg.RequestCancel(jobID))
	assert.Equal(t, CancelAccepted, reg.RequestCancel(jobID))

	snap, _ := reg.Get(jobID)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.True(t, snap.CancelRequested)

	token, err := reg.token(jobID)
	require.NoError(t, err)
	assert.True(t, token.Cancelled())

	// 完了処理が先に確定すればキャンセル要求があっても Complete になる
	won, err := reg.CompleteSuccess(jobID, &Result{Filename: "out.pdf"})
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, CancelAlreadyTerminal, reg.RequestCancel(jobID))
	assert.Equal(t, CancelNotFound, reg.RequestCancel(uuid.NewString()))
}

func TestRegistryReapOnlyTerminal(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	var reaped []string
	reg.OnReap(func(s Snapshot) { reaped = append(reaped, s.ID) })

	jobID := newRunningJob(t, reg)
	assert.False(t, reg.Reap(jobID))

	_, err := reg.CompleteCancelled(jobID)
	require.NoError(t, err)
	assert.True(t, reg.Reap(jobID))
	assert.False(t, reg.Reap(jobID))

	_, err = reg.Get(jobID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{jobID}, reaped)
}

func TestRegistrySweepHonoursRetention(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(RegistryOptions{Retention: 10 * time.Minute, Now: clock.Now})

	done := newRunningJob(t, reg)
	_, err := reg.CompleteError(done, "failed")
	require.NoError(t, err)
	running := newRunningJob(t, reg)

	clock.Advance(9 * time.Minute)
	assert.Empty(t, reg.Sweep(clock.Now()))

	clock.Advance(time.Minute)
	removed := reg.Sweep(clock.Now())
	require.Len(t, removed, 1)
	assert.Equal(t, done, removed[0].ID)

	_, err = reg.Get(running)
	assert.NoError(t, err, "non-terminal jobs are never reaped")
}

func TestRegistryDiscardOnlyPending(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	pending, err := reg.Create("compress")
	require.NoError(t, err)
	running := newRunningJob(t, reg)

	reg.Discard(pending)
	reg.Discard(running)

	_, err = reg.Get(pending)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = reg.Get(running)
	assert.NoError(t, err)
}

func TestRegistryStalled(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(RegistryOptions{Now: clock.Now})
	slow := newRunningJob(t, reg)
	clock.Advance(30 * time.Second)
	fresh := newRunningJob(t, reg)

	stalled := reg.Stalled(clock.Now(), 20*time.Second)
	assert.Equal(t, []string{slow}, stalled)
	assert.NotContains(t, stalled, fresh)
	assert.Empty(t, reg.Stalled(clock.Now(), 0))
}

func TestRegistryMirrorsSnapshots(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(RegistryOptions{Store: store})
	ctx := context.Background()
	jobID := newRunningJob(t, reg)
	require.NoError(t, reg.Flush(ctx))

	mirrored, err := store.Get(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, mirrored)
	assert.Equal(t, StatusRunning, mirrored.Status)

	_, err = reg.CompleteSuccess(jobID, &Result{Filename: "out.pdf"})
	require.NoError(t, err)
	require.True(t, reg.Reap(jobID))
	require.NoError(t, reg.Flush(ctx))

	mirrored, err = store.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Nil(t, mirrored)
}

func TestRegistryLookupFallsBackToTerminalMirror(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, Snapshot{ID: "done", Status: StatusComplete, Version: 3}))
	require.NoError(t, store.Save(ctx, Snapshot{ID: "stale", Status: StatusRunning, Version: 2}))
	reg := NewRegistry(RegistryOptions{Store: store})

	snap, err := reg.Lookup(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, snap.Status)

	_, err = reg.Lookup(ctx, "stale")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = reg.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryRecoverInterrupted(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, Snapshot{ID: "running", Status: StatusRunning, Version: 4}))
	require.NoError(t, store.Save(ctx, Snapshot{ID: "pending", Status: StatusPending, Version: 1}))
	require.NoError(t, store.Save(ctx, Snapshot{ID: "done", Status: StatusComplete, Version: 5}))
	reg := NewRegistry(RegistryOptions{Store: store})

	n, err := reg.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	snap, err := reg.Lookup(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, StatusError, snap.Status)
	assert.NotEmpty(t, snap.ErrorMessage)
	assert.Equal(t, uint64(5), snap.Version)
}

func TestRegistryMirrorFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := newMemStore()
	store.saveErr = errors.New("redis down")
	reg := NewRegistry(RegistryOptions{Store: store, Logger: zap.New(core)})

	jobID, err := reg.Create("compress")
	require.NoError(t, err, "mirror failures never fail the registry")
	require.NoError(t, reg.MarkRunning(jobID))
	require.NoError(t, reg.Flush(context.Background()))

	entries := logs.FilterMessage("failed to mirror job snapshot").All()
	require.NotEmpty(t, entries)
	assert.Equal(t, jobID, entries[0].ContextMap()["job_id"])
}

func TestRegistrySlowMirrorDoesNotBlockProgress(t *testing.T) {
	store := newMemStore()
	store.gate = make(chan struct{})
	reg := NewRegistry(RegistryOptions{Store: store})
	jobID := newRunningJob(t, reg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 50; i++ {
			_ = reg.UpdateProgress(jobID, Progress{Stage: StageProcess, CurrentUnit: i, TotalUnits: 50, Percentage: i * 2})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("progress updates blocked on the snapshot store")
	}

	close(store.gate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, reg.Flush(ctx))

	mirrored, err := store.Get(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, mirrored)
	assert.Equal(t, 100, mirrored.Progress.Percentage)
	assert.Equal(t, 50, mirrored.Progress.CurrentUnit)
	assert.Less(t, store.saveCount(), 52, "queued snapshots for one job are coalesced")
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	jobID := newRunningJob(t, reg)
	_, err := reg.CompleteSuccess(jobID, &Result{Filename: "out.pdf"})
	require.NoError(t, err)

	snap, _ := reg.Get(jobID)
	snap.Result.Filename = "changed.pdf"

	again, _ := reg.Get(jobID)
	assert.Equal(t, "out.pdf", again.Result.Filename)
}
