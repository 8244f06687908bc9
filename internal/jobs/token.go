package jobs

import (
	"sync"
	"sync/atomic"
)

// CancelToken はジョブ単位のキャンセルフラグです。
// 操作側はページやチャンクごとに Cancelled を読み、キャンセル要求側が一度だけ立てます。
type CancelToken struct {
	flag atomic.Bool
	once sync.Once
	done chan struct{}
}

// NewCancelToken は未キャンセル状態のトークンを返します。
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel はフラグを立てます。この呼び出しで初めて立った場合に true を返します。
func (t *CancelToken) Cancel() bool {
	if !t.flag.CompareAndSwap(false, true) {
		return false
	}
	t.once.Do(func() { close(t.done) })
	return true
}

// Cancelled はキャンセル要求済みかどうかを返します。
func (t *CancelToken) Cancelled() bool {
	return t.flag.Load()
}

// Done はキャンセル時に close されるチャネルを返します。
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}
