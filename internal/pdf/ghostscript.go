package pdf

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// runGhostscript は Ghostscript を実行します。ctx が閉じられるとプロセスは停止します。
func (s *Service) runGhostscript(ctx context.Context, args []string, failMessage string) error {
	cmd := exec.CommandContext(ctx, s.opts.GhostscriptPath, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ghostscript interrupted: %w", ctxErr)
		}
		detail := strings.TrimSpace(output.String())
		return newError(CodeUnsupportedPDF, failMessage, fmt.Errorf("%w: %s", err, detail))
	}
	return nil
}

// flattenArgs は1ページを画像PDFとして書き出す引数を返します。
func flattenArgs(inputPath, outputPath string, page, dpi int) []string {
	return []string{
		"-sDEVICE=pdfimage24",
		"-dNOPAUSE",
		"-dQUIET",
		"-dBATCH",
		"-dSAFER",
		fmt.Sprintf("-r%d", dpi),
		fmt.Sprintf("-dFirstPage=%d", page),
		fmt.Sprintf("-dLastPage=%d", page),
		fmt.Sprintf("-sOutputFile=%s", outputPath),
		inputPath,
	}
}

// mergeFiles は inputs を順に結合して outputPath に書き出します。
func mergeFiles(inputs []string, outputPath string) error {
	if len(inputs) == 1 {
		return copyFile(inputs[0], outputPath)
	}
	return pdfapi.MergeCreateFile(inputs, outputPath, false, nil)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o640)
}
