package jobs

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxIDAttempts       = 8
	defaultRetention    = 10 * time.Minute
	mirrorTimeout       = 2 * time.Second
	unknownErrorMessage = "不明なエラーが発生しました。"
	interruptedMessage  = "サーバーの再起動により処理が中断されました。"
)

// errAlreadyTerminal は終端済みの記録への遷移を示します（呼び出し側には no-op として扱われます）。
var errAlreadyTerminal = errors.New("job already terminal")

// SnapshotStore はジョブ記録のスナップショットを外部へ複製する保存先です。
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, jobID string) (*Snapshot, error)
	Delete(ctx context.Context, jobID string) error
	List(ctx context.Context) ([]Snapshot, error)
}

// RegistryOptions は Registry の設定です。
type RegistryOptions struct {
	// Retention は終端状態になった記録を保持する期間です。
	Retention time.Duration
	// MaxJobs は同時に保持できる記録数の上限です（0 は無制限）。
	MaxJobs int
	// Store はスナップショットの複製先です（nil で無効）。
	Store  SnapshotStore
	Logger *zap.Logger

	NewID func() string
	Now   func() time.Time
}

type entry struct {
	mu    sync.Mutex
	snap  Snapshot
	token *CancelToken
}

// Registry はジョブ記録の唯一の保存先です。
// マップ全体のロックと記録ごとのロックを分けており、異なるジョブ同士は直列化されません。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	retention time.Duration
	maxJobs   int
	store     SnapshotStore
	logger    *zap.Logger
	newID     func() string
	now       func() time.Time

	hooksMu sync.RWMutex
	onReap  []func(Snapshot)

	// 複製先への書き込みはジョブごとに最新のものだけを残して非同期に行う
	mirrorMu   sync.Mutex
	mirrorQ    map[string]mirrorOp
	mirrorIdle chan struct{}
}

type mirrorOp struct {
	snap   Snapshot
	remove bool
}

// NewRegistry は Registry を作成します。
func NewRegistry(opts RegistryOptions) *Registry {
	r := &Registry{
		entries:   make(map[string]*entry),
		mirrorQ:   make(map[string]mirrorOp),
		retention: opts.Retention,
		maxJobs:   opts.MaxJobs,
		store:     opts.Store,
		logger:    opts.Logger,
		newID:     opts.NewID,
		now:       opts.Now,
	}
	if r.retention <= 0 {
		r.retention = defaultRetention
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r
}

// Retention は終端記録の保持期間を返します。
func (r *Registry) Retention() time.Duration {
	return r.retention
}

// OnReap は記録が回収されたときに呼ばれるフックを登録します。
func (r *Registry) OnReap(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	r.hooksMu.Lock()
	r.onReap = append(r.onReap, fn)
	r.hooksMu.Unlock()
}

// Create は Pending 状態の記録を割り当てて ID を返します。
func (r *Registry) Create(kind string) (string, error) {
	now := r.now()

	r.mu.Lock()
	if r.maxJobs > 0 && len(r.entries) >= r.maxJobs {
		r.mu.Unlock()
		return "", ErrResourceExhausted
	}
	id := ""
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		candidate := r.newID()
		if candidate == "" {
			continue
		}
		if _, exists := r.entries[candidate]; !exists {
			id = candidate
			break
		}
	}
	if id == "" {
		r.mu.Unlock()
		return "", ErrResourceExhausted
	}
	e := &entry{
		token: NewCancelToken(),
		snap: Snapshot{
			ID:        id,
			Kind:      kind,
			Status:    StatusPending,
			Progress:  Progress{Stage: StageQueued},
			CreatedAt: now,
			UpdatedAt: now,
			Version:   1,
		},
	}
	r.entries[id] = e
	snap := e.snap
	r.mu.Unlock()

	r.mirror(snap)
	return id, nil
}

// Get は現在の記録のコピーを返します。
func (r *Registry) Get(jobID string) (Snapshot, error) {
	e := r.lookup(jobID)
	if e == nil {
		return Snapshot{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.clone(), nil
}

// Lookup は Get と同じですが、手元にない場合は複製先の終端スナップショットを参照します。
// 非終端の複製は起動時に RecoverInterrupted で終端化されるため、ここでは古い値として無視します。
func (r *Registry) Lookup(ctx context.Context, jobID string) (Snapshot, error) {
	snap, err := r.Get(jobID)
	if err == nil || !errors.Is(err, ErrNotFound) || r.store == nil {
		return snap, err
	}
	mirrored, storeErr := r.store.Get(ctx, jobID)
	if storeErr != nil {
		r.logger.Warn("failed to read mirrored job snapshot",
			zap.String("job_id", jobID), zap.Error(storeErr))
		return Snapshot{}, ErrNotFound
	}
	if mirrored == nil || !mirrored.Status.Terminal() {
		return Snapshot{}, ErrNotFound
	}
	return *mirrored, nil
}

// MarkRunning は Pending から Running へ遷移させます。
// キャンセルが要求済みの場合は遷移せず ErrCancelled を返します。
func (r *Registry) MarkRunning(jobID string) error {
	_, err := r.update(jobID, func(s *Snapshot, now time.Time) error {
		if s.Status != StatusPending {
			return ErrInvalidTransition
		}
		if s.CancelRequested {
			return ErrCancelled
		}
		s.Status = StatusRunning
		s.StartedAt = now
		s.ProgressAt = now
		s.Progress.Stage = StageLoad
		return nil
	})
	return err
}

// UpdateProgress は実行中のジョブの進捗を上書きします。割合は下がりません。
func (r *Registry) UpdateProgress(jobID string, p Progress) error {
	_, err := r.update(jobID, func(s *Snapshot, now time.Time) error {
		if s.Status != StatusRunning {
			return ErrNotRunning
		}
		p.Percentage = clampPercentage(p.Percentage)
		if p.Percentage < s.Progress.Percentage {
			p.Percentage = s.Progress.Percentage
		}
		if p.Stage == "" {
			p.Stage = s.Progress.Stage
		}
		s.Progress = p
		s.ProgressAt = now
		return nil
	})
	return err
}

// CompleteSuccess は Running から Complete へ遷移させます。
// 既に終端状態であれば何もせず false を返します。
func (r *Registry) CompleteSuccess(jobID string, result *Result) (bool, error) {
	if result == nil {
		return false, errors.New("result is nil")
	}
	return r.complete(jobID, func(s *Snapshot, now time.Time) error {
		if s.Status != StatusRunning {
			return ErrInvalidTransition
		}
		res := *result
		s.Status = StatusComplete
		s.Result = &res
		s.Progress.Percentage = 100
		if s.Progress.TotalUnits > 0 {
			s.Progress.CurrentUnit = s.Progress.TotalUnits
		}
		s.Progress.Stage = StageCompleted
		s.Progress.Message = "完了しました。"
		s.FinishedAt = now
		return nil
	})
}

// CompleteError は Running（または開始前の Pending）から Error へ遷移させます。
func (r *Registry) CompleteError(jobID, message string) (bool, error) {
	if message == "" {
		message = unknownErrorMessage
	}
	return r.complete(jobID, func(s *Snapshot, now time.Time) error {
		if s.Status != StatusRunning && s.Status != StatusPending {
			return ErrInvalidTransition
		}
		s.Status = StatusError
		s.ErrorMessage = message
		s.FinishedAt = now
		return nil
	})
}

// CompleteCancelled は Running または Pending から Cancelled へ遷移させます。
func (r *Registry) CompleteCancelled(jobID string) (bool, error) {
	return r.complete(jobID, func(s *Snapshot, now time.Time) error {
		if s.Status != StatusRunning && s.Status != StatusPending {
			return ErrInvalidTransition
		}
		s.Status = StatusCancelled
		s.FinishedAt = now
		return nil
	})
}

func (r *Registry) complete(jobID string, fn func(*Snapshot, time.Time) error) (bool, error) {
	_, err := r.update(jobID, func(s *Snapshot, now time.Time) error {
		if s.Status.Terminal() {
			return errAlreadyTerminal
		}
		return fn(s, now)
	})
	if errors.Is(err, errAlreadyTerminal) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RequestCancel はキャンセルフラグを立てます。状態遷移そのものは実行側が行います。
func (r *Registry) RequestCancel(jobID string) CancelOutcome {
	e := r.lookup(jobID)
	if e == nil {
		return CancelNotFound
	}

	e.mu.Lock()
	if e.snap.Status.Terminal() {
		e.mu.Unlock()
		return CancelAlreadyTerminal
	}
	changed := false
	if !e.snap.CancelRequested {
		e.snap.CancelRequested = true
		e.snap.UpdatedAt = r.now()
		e.snap.Version++
		changed = true
	}
	e.token.Cancel()
	snap := e.snap.clone()
	e.mu.Unlock()

	if changed {
		r.mirror(snap)
	}
	return CancelAccepted
}

// Reap は終端状態の記録を削除します。非終端の記録は削除しません。
func (r *Registry) Reap(jobID string) bool {
	r.mu.Lock()
	e, ok := r.entries[jobID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e.mu.Lock()
	terminal := e.snap.Status.Terminal()
	snap := e.snap.clone()
	e.mu.Unlock()
	if !terminal {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, jobID)
	r.mu.Unlock()

	r.afterReap([]Snapshot{snap})
	return true
}

// Sweep は保持期間を過ぎた終端記録を削除し、削除した記録を返します。
func (r *Registry) Sweep(now time.Time) []Snapshot {
	var removed []Snapshot

	r.mu.Lock()
	for id, e := range r.entries {
		e.mu.Lock()
		expired := e.snap.Status.Terminal() && !e.snap.FinishedAt.Add(r.retention).After(now)
		if expired {
			removed = append(removed, e.snap.clone())
		}
		e.mu.Unlock()
		if expired {
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	r.afterReap(removed)
	return removed
}

// Discard はディスパッチに失敗した Pending 記録を取り除きます。
func (r *Registry) Discard(jobID string) {
	r.mu.Lock()
	e, ok := r.entries[jobID]
	if ok {
		e.mu.Lock()
		if e.snap.Status == StatusPending {
			delete(r.entries, jobID)
		} else {
			ok = false
		}
		e.mu.Unlock()
	}
	r.mu.Unlock()

	if ok {
		r.mirrorDelete(jobID)
	}
}

// Stalled は進捗が timeout 以上更新されていない実行中ジョブの ID を返します。
func (r *Registry) Stalled(now time.Time, timeout time.Duration) []string {
	if timeout <= 0 {
		return nil
	}
	var ids []string
	r.mu.RLock()
	for id, e := range r.entries {
		e.mu.Lock()
		if e.snap.Status == StatusRunning && !e.snap.CancelRequested && now.Sub(e.snap.ProgressAt) >= timeout {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	r.mu.RUnlock()
	return ids
}

// Active は非終端のジョブ ID を返します。
func (r *Registry) Active() []string {
	var ids []string
	r.mu.RLock()
	for id, e := range r.entries {
		e.mu.Lock()
		if !e.snap.Status.Terminal() {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	r.mu.RUnlock()
	return ids
}

// Len は保持している記録数を返します。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// RecoverInterrupted は複製先に残った非終端スナップショットを Error として確定させます。
// 起動直後、ジョブ投入を受け付ける前に呼び出します。
func (r *Registry) RecoverInterrupted(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	snaps, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, snap := range snaps {
		if snap.Status.Terminal() || r.lookup(snap.ID) != nil {
			continue
		}
		now := r.now()
		snap.Status = StatusError
		snap.ErrorMessage = interruptedMessage
		snap.Result = nil
		snap.FinishedAt = now
		snap.UpdatedAt = now
		snap.Version++
		if err := r.store.Save(ctx, snap); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func (r *Registry) token(jobID string) (*CancelToken, error) {
	e := r.lookup(jobID)
	if e == nil {
		return nil, ErrNotFound
	}
	return e.token, nil
}

func (r *Registry) lookup(jobID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[jobID]
}

func (r *Registry) update(jobID string, fn func(*Snapshot, time.Time) error) (Snapshot, error) {
	e := r.lookup(jobID)
	if e == nil {
		return Snapshot{}, ErrNotFound
	}

	e.mu.Lock()
	now := r.now()
	if err := fn(&e.snap, now); err != nil {
		e.mu.Unlock()
		return Snapshot{}, err
	}
	e.snap.UpdatedAt = now
	e.snap.Version++
	snap := e.snap.clone()
	e.mu.Unlock()

	r.mirror(snap)
	return snap, nil
}

func (r *Registry) afterReap(removed []Snapshot) {
	if len(removed) == 0 {
		return
	}
	r.hooksMu.RLock()
	hooks := slices.Clone(r.onReap)
	r.hooksMu.RUnlock()

	for _, snap := range removed {
		r.mirrorDelete(snap.ID)
		for _, fn := range hooks {
			fn(snap)
		}
	}
}

func (r *Registry) mirror(snap Snapshot) {
	r.enqueueMirror(mirrorOp{snap: snap})
}

func (r *Registry) mirrorDelete(jobID string) {
	r.enqueueMirror(mirrorOp{snap: Snapshot{ID: jobID}, remove: true})
}

func (r *Registry) enqueueMirror(op mirrorOp) {
	if r.store == nil {
		return
	}
	r.mirrorMu.Lock()
	defer r.mirrorMu.Unlock()

	cur, queued := r.mirrorQ[op.snap.ID]
	if !queued || op.remove || cur.remove || cur.snap.Version < op.snap.Version {
		r.mirrorQ[op.snap.ID] = op
	}
	if r.mirrorIdle == nil {
		r.mirrorIdle = make(chan struct{})
		go r.drainMirror(r.mirrorIdle)
	}
}

// drainMirror は待ち行列が空になるまで複製先へ書き込み、最後に idle を閉じます。
func (r *Registry) drainMirror(idle chan struct{}) {
	for {
		r.mirrorMu.Lock()
		if len(r.mirrorQ) == 0 {
			r.mirrorIdle = nil
			r.mirrorMu.Unlock()
			close(idle)
			return
		}
		batch := r.mirrorQ
		r.mirrorQ = make(map[string]mirrorOp)
		r.mirrorMu.Unlock()

		for _, op := range batch {
			r.writeMirror(op)
		}
	}
}

func (r *Registry) writeMirror(op mirrorOp) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if op.remove {
		if err := r.store.Delete(ctx, op.snap.ID); err != nil {
			r.logger.Warn("failed to delete mirrored job snapshot",
				zap.String("job_id", op.snap.ID), zap.Error(err))
		}
		return
	}
	if err := r.store.Save(ctx, op.snap); err != nil {
		r.logger.Warn("failed to mirror job snapshot",
			zap.String("job_id", op.snap.ID),
			zap.String("status", string(op.snap.Status)),
			zap.Error(err))
	}
}

// Flush は複製先への未書き込みのスナップショットがなくなるまで待ちます。
func (r *Registry) Flush(ctx context.Context) error {
	for {
		r.mirrorMu.Lock()
		idle := r.mirrorIdle
		r.mirrorMu.Unlock()
		if idle == nil {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s Snapshot) clone() Snapshot {
	if s.Result != nil {
		res := *s.Result
		s.Result = &res
	}
	return s
}
