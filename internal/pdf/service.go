// Package pdf はPDF操作をジョブとして実行するための準備と実処理を提供します。
package pdf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"go.uber.org/zap"

	"github.com/yourusername/pdf-manager/internal/storage"
)

const (
	defaultMaxFileSize = 100 << 20
	defaultMaxPages    = 200
	defaultMaxFiles    = 20
	defaultFlattenDPI  = 300
)

// Options は Service の設定です。
type Options struct {
	MaxFileSize     int64
	MaxPages        int
	MaxFiles        int
	GhostscriptPath string
	FlattenDPI      int
}

// Service はアップロードの検証と、PDF操作ジョブの組み立てを担います。
type Service struct {
	opts    Options
	storage *storage.Local
	logger  *zap.Logger
	now     func() time.Time

	mu         sync.Mutex
	workspaces map[string]storage.Workspace
}

// NewService は Service を作成します。
func NewService(opts Options, store *storage.Local, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("storage is nil")
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = defaultMaxFileSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = defaultMaxFiles
	}
	if opts.FlattenDPI <= 0 {
		opts.FlattenDPI = defaultFlattenDPI
	}
	if opts.GhostscriptPath == "" {
		opts.GhostscriptPath = "gs"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		opts:       opts,
		storage:    store,
		logger:     logger,
		now:        time.Now,
		workspaces: make(map[string]storage.Workspace),
	}, nil
}

type storedFile struct {
	path         string
	originalName string
	size         int64
	pages        int
}

func (f storedFile) meta() SourceFileMeta {
	return SourceFileMeta{Name: f.originalName, Size: f.size, Pages: f.pages}
}

// baseName は拡張子を除いた元ファイル名です。
func (f storedFile) baseName() string {
	name := sanitizeFilename(f.originalName)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func (s *Service) storeMultipartFile(ctx context.Context, file *multipart.FileHeader, dir string, index int) (storedFile, error) {
	if file == nil {
		return storedFile{}, newError(CodeInvalidInput, "PDFファイルを選択してください。", nil)
	}
	if err := ctx.Err(); err != nil {
		return storedFile{}, err
	}
	if !strings.EqualFold(filepath.Ext(file.Filename), ".pdf") {
		return storedFile{}, newError(CodeInvalidInput, fmt.Sprintf("%s はPDFファイルではありません。", file.Filename), nil)
	}
	if file.Size > s.opts.MaxFileSize {
		return storedFile{}, newError(CodeLimitExceeded,
			fmt.Sprintf("%s のサイズが上限（%dMB）を超えています。", file.Filename, s.opts.MaxFileSize>>20), nil)
	}

	src, err := file.Open()
	if err != nil {
		return storedFile{}, fmt.Errorf("アップロードファイルのオープンに失敗しました: %w", err)
	}
	defer src.Close()

	path := filepath.Join(dir, fmt.Sprintf("input-%02d.pdf", index))
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return storedFile{}, fmt.Errorf("アップロードファイルの保存に失敗しました: %w", err)
	}
	written, copyErr := io.Copy(dst, io.LimitReader(src, s.opts.MaxFileSize+1))
	closeErr := dst.Close()
	if copyErr != nil {
		return storedFile{}, fmt.Errorf("アップロードファイルの保存に失敗しました: %w", copyErr)
	}
	if closeErr != nil {
		return storedFile{}, fmt.Errorf("アップロードファイルの保存に失敗しました: %w", closeErr)
	}
	if written > s.opts.MaxFileSize {
		return storedFile{}, newError(CodeLimitExceeded,
			fmt.Sprintf("%s のサイズが上限（%dMB）を超えています。", file.Filename, s.opts.MaxFileSize>>20), nil)
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return storedFile{}, fmt.Errorf("ファイル形式の判定に失敗しました: %w", err)
	}
	if !mtype.Is("application/pdf") {
		return storedFile{}, newError(CodeInvalidInput,
			fmt.Sprintf("%s はPDFファイルではありません（検出: %s）。", file.Filename, mtype.String()), nil)
	}

	pages, err := pdfapi.PageCountFile(path)
	if err != nil {
		return storedFile{}, newError(CodeUnsupportedPDF,
			fmt.Sprintf("%s を読み込めませんでした。ファイルが破損していないか確認してください。", file.Filename), err)
	}
	if pages > s.opts.MaxPages {
		return storedFile{}, newError(CodeLimitExceeded,
			fmt.Sprintf("%s のページ数が上限（%d頁）を超えています。", file.Filename, s.opts.MaxPages), nil)
	}

	return storedFile{
		path:         path,
		originalName: file.Filename,
		size:         written,
		pages:        pages,
	}, nil
}

// prepareSingle は作業ディレクトリを作成して1ファイルを保存します。
func (s *Service) prepareSingle(ctx context.Context, file *multipart.FileHeader) (storage.Workspace, storedFile, error) {
	ws, err := s.storage.Create()
	if err != nil {
		return storage.Workspace{}, storedFile{}, err
	}
	stored, err := s.storeMultipartFile(ctx, file, ws.InDir, 0)
	if err != nil {
		s.removeWorkspace(ws)
		return storage.Workspace{}, storedFile{}, err
	}
	return ws, stored, nil
}

func (s *Service) removeWorkspace(ws storage.Workspace) {
	if err := s.storage.Remove(ws); err != nil {
		s.logger.Warn("failed to remove workspace", zap.String("workspace", ws.ID), zap.Error(err))
	}
}
