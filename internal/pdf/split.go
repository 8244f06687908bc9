package pdf

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strconv"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/pdf-manager/internal/jobs"
)

const (
	splitModePages = "pages"
	splitModeSize  = "size"

	// ファイルサイズが取れない場合の1ページあたりの想定サイズ
	fallbackPageBytes = 1.5 * 1024 * 1024
)

// SplitOptions は分割の指定です。MaxPagesPerChunk と MaxSizeMB はどちらか一方のみ指定します。
type SplitOptions struct {
	OutputName       string
	MaxPagesPerChunk int
	MaxSizeMB        float64
}

// PrepareSplit はページ数またはサイズの上限でPDFを分割し、zip にまとめるジョブを準備します。
func (s *Service) PrepareSplit(ctx context.Context, file *multipart.FileHeader, opts SplitOptions) (*Job, error) {
	if err := validateSplitOptions(opts); err != nil {
		return nil, err
	}
	ws, stored, err := s.prepareSingle(ctx, file)
	if err != nil {
		return nil, err
	}
	chunks, err := planChunks(stored.pages, stored.size, opts)
	if err != nil {
		s.removeWorkspace(ws)
		return nil, err
	}
	name := outputFilename(opts.OutputName, "split_"+stored.baseName(), ResultKindZIP.extension())
	mode := splitModePages
	if opts.MaxPagesPerChunk == 0 {
		mode = splitModeSize
	}

	return s.newJob(OperationSplit, ws, func(ctx context.Context, task *jobs.Task) (*jobs.Result, error) {
		p := newProgress(task, stored.pages)

		width := len(strconv.Itoa(len(chunks)))
		base := sanitizeFilename(stored.originalName)
		parts := make([]SplitPart, 0, len(chunks))
		partPaths := make([]string, 0, len(chunks))
		partsDir := filepath.Join(ws.Dir, "parts")
		if err := os.MkdirAll(partsDir, 0o750); err != nil {
			return nil, fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
		}

		for i, chunk := range chunks {
			if err := task.Checkpoint(); err != nil {
				return nil, err
			}
			partName := fmt.Sprintf("%0*d_%s", width, i+1, base)
			partPath := filepath.Join(partsDir, partName)
			if err := pdfapi.CollectFile(stored.path, partPath, pageSelection(chunk), nil); err != nil {
				return nil, newError(CodeUnsupportedPDF, fmt.Sprintf("%d 番目の分割ファイルの生成に失敗しました。", i+1), err)
			}
			info, err := os.Stat(partPath)
			if err != nil {
				return nil, fmt.Errorf("分割ファイルの確認に失敗しました: %w", err)
			}
			parts = append(parts, SplitPart{
				Filename: partName,
				FromPage: chunk.Start,
				ToPage:   chunk.End,
				Pages:    chunk.Pages(),
				Size:     info.Size(),
			})
			partPaths = append(partPaths, partPath)

			p.advance(chunk.Pages(), fmt.Sprintf("%d/%d 個目のファイルを作成しました。", i+1, len(chunks)))
		}

		if err := task.Checkpoint(); err != nil {
			return nil, err
		}
		p.writing("zipファイルにまとめています…")
		outputPath := filepath.Join(ws.OutDir, name)
		if err := createZip(outputPath, partPaths); err != nil {
			return nil, err
		}
		_ = os.RemoveAll(partsDir)

		return buildResult(outputPath, name, ResultKindZIP, &SplitMeta{
			Original: stored.meta(),
			Mode:     mode,
			Parts:    parts,
		})
	}), nil
}

func validateSplitOptions(opts SplitOptions) error {
	switch {
	case opts.MaxPagesPerChunk == 0 && opts.MaxSizeMB == 0:
		return newError(CodeInvalidInput, "最大ページ数または最大サイズのどちらかを指定してください。", nil)
	case opts.MaxPagesPerChunk != 0 && opts.MaxSizeMB != 0:
		return newError(CodeInvalidInput, "最大ページ数と最大サイズは同時に指定できません。", nil)
	case opts.MaxPagesPerChunk < 0:
		return newError(CodeInvalidInput, "最大ページ数は1以上の整数で指定してください。", nil)
	case opts.MaxSizeMB < 0:
		return newError(CodeInvalidInput, "最大サイズは0より大きい値で指定してください。", nil)
	}
	return nil
}

// planChunks は分割単位を決めます。サイズ指定の場合は平均ページサイズから1ファイルあたりのページ数を見積もります。
func planChunks(totalPages int, fileSize int64, opts SplitOptions) ([]PageRange, error) {
	if totalPages < 1 {
		return nil, newError(CodeUnsupportedPDF, "ページが含まれていないPDFは分割できません。", nil)
	}

	perChunk := opts.MaxPagesPerChunk
	if perChunk > 0 {
		if totalPages <= perChunk {
			return nil, newError(CodeInvalidInput,
				fmt.Sprintf("PDFのページ数（%d頁）が指定した最大ページ数（%d頁）以下のため分割できません。", totalPages, perChunk), nil)
		}
	} else {
		avg := float64(fallbackPageBytes)
		if fileSize > 0 {
			avg = float64(fileSize) / float64(totalPages)
		}
		perChunk = int(opts.MaxSizeMB * 1024 * 1024 / avg)
		if perChunk < 1 {
			perChunk = 1
		}
	}

	chunks := make([]PageRange, 0, (totalPages+perChunk-1)/perChunk)
	for start := 1; start <= totalPages; start += perChunk {
		end := start + perChunk - 1
		if end > totalPages {
			end = totalPages
		}
		chunks = append(chunks, PageRange{Start: start, End: end})
	}
	return chunks, nil
}

func pageSelection(pr PageRange) []string {
	pages := make([]string, 0, pr.Pages())
	for p := pr.Start; p <= pr.End; p++ {
		pages = append(pages, strconv.Itoa(p))
	}
	return pages
}

func createZip(outputPath string, files []string) (err error) {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("zipファイルの作成に失敗しました: %w", err)
	}
	defer func() {
		if closeErr := outFile.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("zipファイルの書き込みに失敗しました: %w", closeErr)
		}
	}()

	zipWriter := zip.NewWriter(outFile)
	for _, path := range files {
		if err := addZipEntry(zipWriter, path); err != nil {
			_ = zipWriter.Close()
			return err
		}
	}
	if err := zipWriter.Close(); err != nil {
		return fmt.Errorf("zipファイルの書き込みに失敗しました: %w", err)
	}
	return nil
}

func addZipEntry(zipWriter *zip.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("zip入力ファイルのオープンに失敗しました: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("zip入力ファイルの情報取得に失敗しました: %w", err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("zipヘッダーの生成に失敗しました: %w", err)
	}
	header.Name = filepath.Base(path)
	header.Method = zip.Deflate

	writer, err := zipWriter.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("zipヘッダーの書き込みに失敗しました: %w", err)
	}
	if _, err := io.Copy(writer, file); err != nil {
		return fmt.Errorf("zipへの書き込みに失敗しました: %w", err)
	}
	return nil
}
