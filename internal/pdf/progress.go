package pdf

import "github.com/yourusername/pdf-manager/internal/jobs"

// progress は操作内の処理単位を数え、Task へ報告します。
type progress struct {
	task  *jobs.Task
	done  int
	total int
}

func newProgress(task *jobs.Task, total int) *progress {
	if total < 1 {
		total = 1
	}
	p := &progress{task: task, total: total}
	task.Report(jobs.StageProcess, 0, total, "処理を開始します…")
	return p
}

// step は1単位の完了を報告します。
func (p *progress) step(message string) {
	p.advance(1, message)
}

func (p *progress) advance(n int, message string) {
	p.done = min(p.done+n, p.total)
	p.task.Report(jobs.StageProcess, p.done, p.total, message)
}

// writing は書き込み段階に入ったことを報告します。
func (p *progress) writing(message string) {
	p.task.Report(jobs.StageWrite, p.done, p.total, message)
}
