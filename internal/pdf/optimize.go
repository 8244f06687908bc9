package pdf

import (
	"context"
	"fmt"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/yourusername/pdf-manager/internal/jobs"
)

// OptimizeOptions は最適化の指定です。
type OptimizeOptions struct {
	OutputName string
	Preset     OptimizePreset
}

// PrepareOptimize は Ghostscript で画像の再サンプリングやフォント整理を行うジョブを準備します。
func (s *Service) PrepareOptimize(ctx context.Context, file *multipart.FileHeader, opts OptimizeOptions) (*Job, error) {
	preset, err := normalizePreset(opts.Preset)
	if err != nil {
		return nil, err
	}
	ws, stored, err := s.prepareSingle(ctx, file)
	if err != nil {
		return nil, err
	}
	name := outputFilename(opts.OutputName, "optimized_"+stored.baseName(), ResultKindPDF.extension())

	return s.newJob(OperationOptimize, ws, func(ctx context.Context, task *jobs.Task) (*jobs.Result, error) {
		p := newProgress(task, 1)

		outputPath := filepath.Join(ws.OutDir, name)
		if err := s.runGhostscript(ctx, ghostscriptArgs(outputPath, stored.path, preset), "Ghostscriptによる最適化に失敗しました。"); err != nil {
			return nil, err
		}
		p.step("最適化が完了しました。")

		p.writing("出力ファイルを確認しています…")
		result, err := buildResult(outputPath, name, ResultKindPDF, nil)
		if err != nil {
			return nil, err
		}
		meta := newSizeMeta(stored, result.Size)
		meta.Preset = preset
		result.Meta = meta
		return result, nil
	}), nil
}

func normalizePreset(p OptimizePreset) (OptimizePreset, error) {
	switch strings.ToLower(strings.TrimSpace(string(p))) {
	case "", string(OptimizePresetStandard):
		return OptimizePresetStandard, nil
	case string(OptimizePresetAggressive):
		return OptimizePresetAggressive, nil
	default:
		return "", newError(CodeInvalidInput, fmt.Sprintf("presetには standard または aggressive を指定してください (received: %s)", p), nil)
	}
}

func ghostscriptArgs(outputPath, inputPath string, preset OptimizePreset) []string {
	setting := "/printer"
	if preset == OptimizePresetAggressive {
		setting = "/screen"
	}

	return []string{
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=1.5",
		"-dNOPAUSE",
		"-dQUIET",
		"-dBATCH",
		"-dSAFER",
		fmt.Sprintf("-dPDFSETTINGS=%s", setting),
		fmt.Sprintf("-sOutputFile=%s", outputPath),
		inputPath,
	}
}
