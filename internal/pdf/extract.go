package pdf

import (
	"context"
	"fmt"
	"mime/multipart"
	"path/filepath"
	"strconv"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/pdf-manager/internal/jobs"
)

// ExtractOptions はページ抽出の指定です。Pages は "1,3,5-7" 形式です。
type ExtractOptions struct {
	OutputName string
	Pages      string
}

// PrepareExtract は指定ページだけを取り出した新しいPDFを作るジョブを準備します。
func (s *Service) PrepareExtract(ctx context.Context, file *multipart.FileHeader, opts ExtractOptions) (*Job, error) {
	if strings.TrimSpace(opts.Pages) == "" {
		return nil, newError(CodeInvalidInput, "抽出するページを指定してください。", nil)
	}
	ws, stored, err := s.prepareSingle(ctx, file)
	if err != nil {
		return nil, err
	}
	pages, skipped := parsePageNumbers(opts.Pages, stored.pages)
	if len(pages) == 0 {
		s.removeWorkspace(ws)
		return nil, newError(CodeInvalidInput,
			fmt.Sprintf("有効なページが指定されていません（1〜%d頁の範囲で指定してください）。", stored.pages), nil)
	}
	name := outputFilename(opts.OutputName, "extracted_"+stored.baseName(), ResultKindPDF.extension())

	return s.newJob(OperationExtract, ws, func(ctx context.Context, task *jobs.Task) (*jobs.Result, error) {
		p := newProgress(task, 1)

		selected := make([]string, len(pages))
		for i, page := range pages {
			selected[i] = strconv.Itoa(page)
		}
		outputPath := filepath.Join(ws.OutDir, name)
		if err := pdfapi.CollectFile(stored.path, outputPath, selected, nil); err != nil {
			return nil, newError(CodeUnsupportedPDF, "ページの抽出に失敗しました。ファイルが破損していないか確認してください。", err)
		}
		p.step(fmt.Sprintf("%d ページを抽出しました。", len(pages)))

		p.writing("出力ファイルを確認しています…")
		return buildResult(outputPath, name, ResultKindPDF, &ExtractMeta{
			Pages:   pages,
			Skipped: skipped,
			Source:  stored.meta(),
		})
	}), nil
}
