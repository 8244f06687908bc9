package pdf

import (
	"errors"
	"fmt"
	"os"

	"github.com/yourusername/pdf-manager/internal/jobs"
)

// ErrResultUnavailable は成果物ファイルが存在しない場合のエラーです。
var ErrResultUnavailable = errors.New("result file is not available")

// OpenResult は完了ジョブの成果物を開きます。作業領域外のパスは開きません。
func (s *Service) OpenResult(res *jobs.Result) (*os.File, error) {
	if res == nil || res.Location == "" {
		return nil, ErrResultUnavailable
	}
	if !s.storage.Contains(res.Location) {
		return nil, fmt.Errorf("%w: %s is outside the work directory", ErrResultUnavailable, res.Location)
	}

	file, err := os.Open(res.Location)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrResultUnavailable
		}
		return nil, err
	}
	return file, nil
}
