package pdf

import (
	"context"
	"fmt"
	"mime/multipart"
	"os"
	"path/filepath"

	"github.com/yourusername/pdf-manager/internal/jobs"
)

// FlattenOptions は平坦化の指定です。
type FlattenOptions struct {
	OutputName string
}

// PrepareFlatten は全ページを画像化する平坦化ジョブを準備します。
func (s *Service) PrepareFlatten(ctx context.Context, file *multipart.FileHeader, opts FlattenOptions) (*Job, error) {
	ws, stored, err := s.prepareSingle(ctx, file)
	if err != nil {
		return nil, err
	}
	name := outputFilename(opts.OutputName, "flattened_"+stored.baseName(), ResultKindPDF.extension())

	return s.newJob(OperationFlatten, ws, func(ctx context.Context, task *jobs.Task) (*jobs.Result, error) {
		p := newProgress(task, stored.pages+1)
		outputPath := filepath.Join(ws.OutDir, name)
		scratch := filepath.Join(ws.Dir, "flatten")
		if err := s.flatten(ctx, task, p, stored, scratch, outputPath); err != nil {
			return nil, err
		}
		p.step("平坦化が完了しました。")
		p.writing("出力ファイルを確認しています…")
		return buildResult(outputPath, name, ResultKindPDF, &FlattenMeta{
			DPI:    s.opts.FlattenDPI,
			Source: stored.meta(),
		})
	}), nil
}

// flatten は src の各ページを画像化して outputPath に再構成します。
// ページごとに進捗を1単位報告し、キャンセル要求を確認します。
func (s *Service) flatten(ctx context.Context, task *jobs.Task, p *progress, src storedFile, scratch, outputPath string) error {
	if err := os.MkdirAll(scratch, 0o750); err != nil {
		return fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
	}
	defer os.RemoveAll(scratch)

	rendered := make([]string, 0, src.pages)
	for page := 1; page <= src.pages; page++ {
		if err := task.Checkpoint(); err != nil {
			return err
		}
		target := filepath.Join(scratch, fmt.Sprintf("page-%04d.pdf", page))
		args := flattenArgs(src.path, target, page, s.opts.FlattenDPI)
		if err := s.runGhostscript(ctx, args, fmt.Sprintf("%d ページ目の平坦化に失敗しました。", page)); err != nil {
			return err
		}
		rendered = append(rendered, target)
		p.step(fmt.Sprintf("%d/%d ページを平坦化しました。", page, src.pages))
	}

	if err := task.Checkpoint(); err != nil {
		return err
	}
	if err := mergeFiles(rendered, outputPath); err != nil {
		return newError(CodeUnsupportedPDF, "平坦化したページの再構成に失敗しました。", err)
	}
	return nil
}
