package pdf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yourusername/pdf-manager/internal/jobs"
)

// sanitizeFilename はパス要素を取り除いたファイル名を返します。
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	name = filepath.Base(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

// outputFilename は利用者指定の出力名を整えます。空なら fallback を使い、拡張子は ext に揃えます。
func outputFilename(requested, fallback, ext string) string {
	name := sanitizeFilename(requested)
	if strings.TrimSuffix(name, filepath.Ext(name)) == "" {
		name = sanitizeFilename(fallback)
	}
	if name == "" {
		name = "output"
	}
	if !strings.EqualFold(filepath.Ext(name), ext) {
		name += ext
	}
	return name
}

// buildResult は出力ファイルから jobs.Result を組み立てます。
func buildResult(path, filename string, kind ResultKind, meta any) (*jobs.Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("出力ファイルの確認に失敗しました: %w", err)
	}
	return &jobs.Result{
		Filename:    filename,
		Location:    path,
		ContentType: kind.contentType(),
		Size:        info.Size(),
		Meta:        meta,
	}, nil
}
