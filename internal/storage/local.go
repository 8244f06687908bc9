// Package storage はジョブ単位の作業ディレクトリを管理します。
//
// 作業ディレクトリは <root>/<id>/in と <root>/<id>/out で構成されます。
// このプロセスが作成して削除していないものは「使用中」として扱い、
// 掃除の対象から外します。
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrOutsideRoot はルート外のパスを操作しようとした場合に返されます。
var ErrOutsideRoot = errors.New("path is outside of storage root")

// Workspace は1回の投入に対応する作業ディレクトリです。
type Workspace struct {
	ID     string
	Dir    string
	InDir  string
	OutDir string
}

// Local はローカルファイルシステム上の作業ディレクトリを扱います。
type Local struct {
	root string

	mu     sync.Mutex
	active map[string]struct{}
}

// NewLocal はルートディレクトリを作成して Local を返します。
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Local{root: abs, active: make(map[string]struct{})}, nil
}

// Root はルートディレクトリを返します。
func (l *Local) Root() string {
	return l.root
}

// Create は新しい作業ディレクトリを作成します。
func (l *Local) Create() (Workspace, error) {
	id := uuid.NewString()
	ws := l.workspace(id)
	for _, dir := range []string{ws.InDir, ws.OutDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			_ = os.RemoveAll(ws.Dir)
			return Workspace{}, fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
		}
	}
	l.mu.Lock()
	l.active[id] = struct{}{}
	l.mu.Unlock()
	return ws, nil
}

// Remove は作業ディレクトリを削除します。存在しない場合も成功とします。
func (l *Local) Remove(ws Workspace) error {
	if ws.ID == "" {
		return nil
	}
	dir := filepath.Join(l.root, ws.ID)
	if filepath.Dir(dir) != l.root {
		return ErrOutsideRoot
	}
	l.mu.Lock()
	delete(l.active, ws.ID)
	l.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("作業ディレクトリの削除に失敗しました: %w", err)
	}
	return nil
}

// Contains は path がルート配下にあるかを返します。
func (l *Local) Contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(l.root, abs)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}

// InUse は作業ディレクトリが使用中かを返します。
func (l *Local) InUse(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[id]
	return ok
}

// SweepOlderThan は使用中でない作業ディレクトリのうち cutoff より古いものを削除します。
// 前回のプロセスが残したディレクトリを回収するためのものです。
func (l *Local) SweepOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !entry.IsDir() || l.InUse(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(l.root, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (l *Local) workspace(id string) Workspace {
	dir := filepath.Join(l.root, id)
	return Workspace{
		ID:     id,
		Dir:    dir,
		InDir:  filepath.Join(dir, "in"),
		OutDir: filepath.Join(dir, "out"),
	}
}
