package pdf

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yourusername/pdf-manager/internal/jobs"
	"github.com/yourusername/pdf-manager/internal/storage"
)

func newTestService(t *testing.T, opts Options) (*Service, *storage.Local) {
	t.Helper()
	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	svc, err := NewService(opts, local, zaptest.NewLogger(t))
	require.NoError(t, err)
	return svc, local
}

func newFileHeader(t *testing.T, name string, content []byte) *multipart.FileHeader {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	fw, err := writer.CreateFormFile("input_pdf", name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	form, err := multipart.NewReader(body, writer.Boundary()).ReadForm(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = form.RemoveAll() })
	return form.File["input_pdf"][0]
}

func workspaceCount(t *testing.T, local *storage.Local) int {
	t.Helper()
	entries, err := os.ReadDir(local.Root())
	require.NoError(t, err)
	return len(entries)
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr), "expected *Error, got %v", err)
	assert.Equal(t, code, apiErr.Code)
}

func TestNewServiceDefaults(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	assert.EqualValues(t, defaultMaxFileSize, svc.opts.MaxFileSize)
	assert.Equal(t, defaultMaxPages, svc.opts.MaxPages)
	assert.Equal(t, defaultMaxFiles, svc.opts.MaxFiles)
	assert.Equal(t, defaultFlattenDPI, svc.opts.FlattenDPI)
	assert.Equal(t, "gs", svc.opts.GhostscriptPath)

	_, err := NewService(Options{}, nil, nil)
	assert.Error(t, err)
}

func TestUploadRejectsNonPDFExtension(t *testing.T) {
	svc, local := newTestService(t, Options{})
	_, err := svc.PrepareFlatten(context.Background(), newFileHeader(t, "notes.txt", []byte("hello")), FlattenOptions{})
	requireCode(t, err, CodeInvalidInput)
	assert.Zero(t, workspaceCount(t, local))
}

func TestUploadRejectsDisguisedFile(t *testing.T) {
	svc, local := newTestService(t, Options{})
	_, err := svc.PrepareCompress(context.Background(), newFileHeader(t, "fake.pdf", []byte("just some text, not a pdf")), CompressOptions{})
	requireCode(t, err, CodeInvalidInput)
	assert.Zero(t, workspaceCount(t, local), "workspace must be removed when validation fails")
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	svc, local := newTestService(t, Options{MaxFileSize: 8})
	_, err := svc.PrepareOptimize(context.Background(), newFileHeader(t, "big.pdf", []byte("%PDF-1.4 0123456789")), OptimizeOptions{})
	requireCode(t, err, CodeLimitExceeded)
	assert.Zero(t, workspaceCount(t, local))
}

func TestPrepareExtractRequiresPages(t *testing.T) {
	svc, local := newTestService(t, Options{})
	_, err := svc.PrepareExtract(context.Background(), newFileHeader(t, "a.pdf", []byte("%PDF-1.4")), ExtractOptions{Pages: "  "})
	requireCode(t, err, CodeInvalidInput)
	assert.Zero(t, workspaceCount(t, local))
}

func TestPrepareSplitValidatesBeforeUpload(t *testing.T) {
	svc, local := newTestService(t, Options{})
	_, err := svc.PrepareSplit(context.Background(), newFileHeader(t, "a.pdf", []byte("%PDF-1.4")), SplitOptions{})
	requireCode(t, err, CodeInvalidInput)
	assert.Zero(t, workspaceCount(t, local))
}

func TestNewJobRemovesWorkspaceOnFailure(t *testing.T) {
	svc, local := newTestService(t, Options{})
	ws, err := local.Create()
	require.NoError(t, err)

	job := svc.newJob(OperationFlatten, ws, func(context.Context, *jobs.Task) (*jobs.Result, error) {
		return nil, errors.New("boom")
	})
	_, err = job.Run(context.Background(), jobs.NewTestTask("job-1", nil))
	require.Error(t, err)
	assert.NoDirExists(t, ws.Dir)
}

func TestNewJobRemovesWorkspaceWhenCancelledBeforeStart(t *testing.T) {
	svc, local := newTestService(t, Options{})
	ws, err := local.Create()
	require.NoError(t, err)

	called := false
	job := svc.newJob(OperationFlatten, ws, func(context.Context, *jobs.Task) (*jobs.Result, error) {
		called = true
		return &jobs.Result{}, nil
	})
	token := jobs.NewCancelToken()
	token.Cancel()

	_, err = job.Run(context.Background(), jobs.NewTestTask("job-1", token))
	assert.ErrorIs(t, err, jobs.ErrCancelled)
	assert.False(t, called)
	assert.NoDirExists(t, ws.Dir)
}

func TestTrackAndReleaseWorkspace(t *testing.T) {
	svc, local := newTestService(t, Options{})
	ws, err := local.Create()
	require.NoError(t, err)
	output := filepath.Join(ws.OutDir, "out.pdf")
	require.NoError(t, os.WriteFile(output, []byte("%PDF-1.4"), 0o640))

	job := svc.newJob(OperationCompress, ws, func(context.Context, *jobs.Task) (*jobs.Result, error) {
		return buildResult(output, "out.pdf", ResultKindPDF, nil)
	})
	result, err := job.Run(context.Background(), jobs.NewTestTask("job-1", nil))
	require.NoError(t, err)
	assert.FileExists(t, output, "successful output must survive until reaped")

	svc.Track("job-1", job)
	f, err := svc.OpenResult(result)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	svc.Release(jobs.Snapshot{ID: "job-1"})
	assert.NoDirExists(t, ws.Dir)

	_, err = svc.OpenResult(result)
	assert.ErrorIs(t, err, ErrResultUnavailable)
}

func TestAbandonRemovesWorkspace(t *testing.T) {
	svc, local := newTestService(t, Options{})
	ws, err := local.Create()
	require.NoError(t, err)

	svc.Abandon(&Job{Kind: OperationSplit, Workspace: ws})
	assert.NoDirExists(t, ws.Dir)
	assert.False(t, local.InUse(ws.ID))
}

func TestOpenResultRejectsOutsidePaths(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	outside := filepath.Join(t.TempDir(), "secret.pdf")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o640))

	_, err := svc.OpenResult(&jobs.Result{Location: outside})
	assert.ErrorIs(t, err, ErrResultUnavailable)
	_, err = svc.OpenResult(nil)
	assert.ErrorIs(t, err, ErrResultUnavailable)
}

func TestRunGhostscriptFailure(t *testing.T) {
	bin, err := exec.LookPath("false")
	if err != nil {
		t.Skip("false command not available")
	}
	svc, _ := newTestService(t, Options{GhostscriptPath: bin})
	err = svc.runGhostscript(context.Background(), nil, "変換に失敗しました。")
	requireCode(t, err, CodeUnsupportedPDF)
}

func TestRunGhostscriptCancelled(t *testing.T) {
	bin, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep command not available")
	}
	svc, _ := newTestService(t, Options{GhostscriptPath: bin})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = svc.runGhostscript(ctx, []string{"5"}, "変換に失敗しました。")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMergeFilesSingleInputCopies(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.4 single"), 0o640))

	dst := filepath.Join(dir, "b.pdf")
	require.NoError(t, mergeFiles([]string{src}, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 single", string(data))
}
