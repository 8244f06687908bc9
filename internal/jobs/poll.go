package jobs

import "time"

// SuggestPollInterval はスナップショットから次回ポーリングまでの目安を返します。
// メッセージ文字列は見ず、構造化された状態と段階だけで判断します。終端状態では 0 です。
func SuggestPollInterval(snap Snapshot) time.Duration {
	switch {
	case snap.Status.Terminal():
		return 0
	case snap.CancelRequested:
		return 25 * time.Millisecond
	case snap.Status == StatusPending:
		return 100 * time.Millisecond
	}
	switch snap.Progress.Stage {
	case StageLoad, StageWrite:
		return 50 * time.Millisecond
	default:
		return 250 * time.Millisecond
	}
}
