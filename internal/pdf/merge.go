package pdf

import (
	"context"
	"fmt"
	"mime/multipart"
	"path/filepath"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/pdf-manager/internal/jobs"
	"github.com/yourusername/pdf-manager/internal/storage"
)

// CombineOptions は結合の指定です。
type CombineOptions struct {
	OutputName string
	// Flatten が true の場合は各ファイルを画像化してから結合します。
	Flatten bool
	// Order はアップロード順に対する並び順（0-based）です。空ならアップロード順のまま結合します。
	Order []int
}

// PrepareCombine は複数PDFを1つに結合するジョブを準備します。
func (s *Service) PrepareCombine(ctx context.Context, files []*multipart.FileHeader, opts CombineOptions) (*Job, error) {
	if len(files) < 2 {
		return nil, newError(CodeInvalidInput, "結合するPDFファイルを2つ以上選択してください。", nil)
	}
	if len(files) > s.opts.MaxFiles {
		return nil, newError(CodeLimitExceeded, fmt.Sprintf("一度に結合できるファイルは%d件までです。", s.opts.MaxFiles), nil)
	}
	order := opts.Order
	if len(order) == 0 {
		order = identityOrder(len(files))
	}
	if err := validateOrder(order, len(files)); err != nil {
		return nil, err
	}

	ws, err := s.storage.Create()
	if err != nil {
		return nil, err
	}
	stored, err := s.storeAll(ctx, ws, files, order)
	if err != nil {
		s.removeWorkspace(ws)
		return nil, err
	}
	name := outputFilename(opts.OutputName, "combined", ResultKindPDF.extension())

	return s.newJob(OperationCombine, ws, func(ctx context.Context, task *jobs.Task) (*jobs.Result, error) {
		totalPages := 0
		for _, f := range stored {
			totalPages += f.pages
		}
		units := len(stored) + 1
		if opts.Flatten {
			units += totalPages
		}
		p := newProgress(task, units)

		inputs := make([]string, len(stored))
		for i, f := range stored {
			if err := task.Checkpoint(); err != nil {
				return nil, err
			}
			if err := pdfapi.ValidateFile(f.path, nil); err != nil {
				return nil, newError(CodeUnsupportedPDF, fmt.Sprintf("%s を検証できませんでした。", f.originalName), err)
			}
			inputs[i] = f.path
			if opts.Flatten {
				flat := filepath.Join(ws.Dir, fmt.Sprintf("flattened-%02d.pdf", i))
				scratch := filepath.Join(ws.Dir, fmt.Sprintf("flatten-%02d", i))
				if err := s.flatten(ctx, task, p, f, scratch, flat); err != nil {
					return nil, err
				}
				inputs[i] = flat
			}
			p.step(fmt.Sprintf("%d/%d 件目のファイルを準備しました。", i+1, len(stored)))
		}

		if err := task.Checkpoint(); err != nil {
			return nil, err
		}
		outputPath := filepath.Join(ws.OutDir, name)
		if err := mergeFiles(inputs, outputPath); err != nil {
			return nil, newError(CodeUnsupportedPDF, "PDFの結合に失敗しました。ファイルが破損していないか確認してください。", err)
		}
		p.step("結合が完了しました。")

		p.writing("出力ファイルを確認しています…")
		sources := make([]SourceFileMeta, len(stored))
		for i, f := range stored {
			sources[i] = f.meta()
		}
		return buildResult(outputPath, name, ResultKindPDF, &CombineMeta{
			TotalPages: totalPages,
			Flattened:  opts.Flatten,
			Sources:    sources,
		})
	}), nil
}

// storeAll は order の順にファイルを保存します。
func (s *Service) storeAll(ctx context.Context, ws storage.Workspace, files []*multipart.FileHeader, order []int) ([]storedFile, error) {
	stored := make([]storedFile, 0, len(order))
	for i, idx := range order {
		f, err := s.storeMultipartFile(ctx, files[idx], ws.InDir, i)
		if err != nil {
			return nil, err
		}
		stored = append(stored, f)
	}
	return stored, nil
}

func identityOrder(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

func validateOrder(order []int, count int) error {
	if len(order) != count {
		return newError(CodeInvalidInput, "order配列の長さがファイル数と一致していません。", nil)
	}

	seen := make([]bool, count)
	for _, idx := range order {
		if idx < 0 || idx >= count {
			return newError(CodeInvalidInput, "order配列に不正な番号が含まれています。", nil)
		}
		if seen[idx] {
			return newError(CodeInvalidInput, "order配列に重複した番号が含まれています。", nil)
		}
		seen[idx] = true
	}

	return nil
}
