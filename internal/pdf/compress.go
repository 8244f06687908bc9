package pdf

import (
	"context"
	"mime/multipart"
	"path/filepath"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/pdf-manager/internal/jobs"
)

// CompressOptions は圧縮の指定です。
type CompressOptions struct {
	OutputName string
	// Flatten が true の場合は圧縮前に全ページを画像化します。
	Flatten bool
}

// PrepareCompress は不要オブジェクトの除去とストリーム再圧縮を行うジョブを準備します。
func (s *Service) PrepareCompress(ctx context.Context, file *multipart.FileHeader, opts CompressOptions) (*Job, error) {
	ws, stored, err := s.prepareSingle(ctx, file)
	if err != nil {
		return nil, err
	}
	name := outputFilename(opts.OutputName, "compressed_"+stored.baseName(), ResultKindPDF.extension())

	return s.newJob(OperationCompress, ws, func(ctx context.Context, task *jobs.Task) (*jobs.Result, error) {
		units := 1
		if opts.Flatten {
			units += stored.pages + 1
		}
		p := newProgress(task, units)

		input := stored.path
		if opts.Flatten {
			input = filepath.Join(ws.Dir, "flattened.pdf")
			if err := s.flatten(ctx, task, p, stored, filepath.Join(ws.Dir, "flatten"), input); err != nil {
				return nil, err
			}
			p.step("平坦化が完了しました。圧縮を開始します…")
		}

		if err := task.Checkpoint(); err != nil {
			return nil, err
		}
		outputPath := filepath.Join(ws.OutDir, name)
		if err := pdfapi.OptimizeFile(input, outputPath, nil); err != nil {
			return nil, newError(CodeUnsupportedPDF, "PDFの圧縮に失敗しました。ファイルが破損していないか確認してください。", err)
		}
		p.step("圧縮が完了しました。")

		p.writing("出力ファイルを確認しています…")
		result, err := buildResult(outputPath, name, ResultKindPDF, nil)
		if err != nil {
			return nil, err
		}
		meta := newSizeMeta(stored, result.Size)
		meta.Flattened = opts.Flatten
		result.Meta = meta
		return result, nil
	}), nil
}
