package pdf

import (
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/pdf-manager/internal/jobs"
)

// Submitter はジョブを投入します。*jobs.Runner が実装します。
type Submitter interface {
	Submit(ctx context.Context, kind string, op jobs.Operation) (string, error)
}

// JobTracker は投入済み・投入失敗のジョブの作業ディレクトリを管理します。
type JobTracker interface {
	Track(jobID string, job *Job)
	Abandon(job *Job)
}

// CompressService は圧縮ジョブを準備します。
type CompressService interface {
	JobTracker
	PrepareCompress(ctx context.Context, file *multipart.FileHeader, opts CompressOptions) (*Job, error)
}

// SplitService は分割ジョブを準備します。
type SplitService interface {
	JobTracker
	PrepareSplit(ctx context.Context, file *multipart.FileHeader, opts SplitOptions) (*Job, error)
}

// CombineService は結合ジョブを準備します。
type CombineService interface {
	JobTracker
	PrepareCombine(ctx context.Context, files []*multipart.FileHeader, opts CombineOptions) (*Job, error)
}

// FlattenService は平坦化ジョブを準備します。
type FlattenService interface {
	JobTracker
	PrepareFlatten(ctx context.Context, file *multipart.FileHeader, opts FlattenOptions) (*Job, error)
}

// OptimizeService は最適化ジョブを準備します。
type OptimizeService interface {
	JobTracker
	PrepareOptimize(ctx context.Context, file *multipart.FileHeader, opts OptimizeOptions) (*Job, error)
}

// ExtractService はページ抽出ジョブを準備します。
type ExtractService interface {
	JobTracker
	PrepareExtract(ctx context.Context, file *multipart.FileHeader, opts ExtractOptions) (*Job, error)
}

// InspectService はPDFの情報を返します。
type InspectService interface {
	Inspect(ctx context.Context, file *multipart.FileHeader) (*InspectResult, error)
}

// HandlerOptions はハンドラー共通の設定です。
type HandlerOptions struct {
	Submitter Submitter
	// OnSubmitted は投入成功後に呼ばれます（セッションへの記録など）。
	OnSubmitted func(c *gin.Context, jobID string, kind OperationType)
}

// CompressHandler は POST /api/pdf/compress のハンドラーを返します。
func CompressHandler(svc CompressService, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, ok := multipartForm(c)
		if !ok {
			return
		}
		defer form.RemoveAll()

		file, err := extractSingleFile(form)
		if err != nil {
			respondWithError(c, err)
			return
		}
		job, err := svc.PrepareCompress(c.Request.Context(), file, CompressOptions{
			OutputName: c.PostForm("output_filename"),
			Flatten:    parseBool(c.PostForm("flatten")),
		})
		submit(c, svc, opts, job, err)
	}
}

// SplitHandler は POST /api/pdf/split のハンドラーを返します。
func SplitHandler(svc SplitService, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, ok := multipartForm(c)
		if !ok {
			return
		}
		defer form.RemoveAll()

		file, err := extractSingleFile(form)
		if err != nil {
			respondWithError(c, err)
			return
		}
		splitOpts, err := parseSplitOptions(c)
		if err != nil {
			respondWithError(c, err)
			return
		}
		job, err := svc.PrepareSplit(c.Request.Context(), file, splitOpts)
		submit(c, svc, opts, job, err)
	}
}

// CombineHandler は POST /api/pdf/combine のハンドラーを返します。
func CombineHandler(svc CombineService, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, ok := multipartForm(c)
		if !ok {
			return
		}
		defer form.RemoveAll()

		files := form.File["pdf_list[]"]
		if len(files) == 0 {
			files = form.File["pdf_list"]
		}
		if len(files) == 0 {
			files = form.File["files[]"]
		}
		if len(files) == 0 {
			respondWithError(c, newError(CodeInvalidInput, "アップロードされたPDFファイルが見つかりません。", nil))
			return
		}

		order, err := parseOrder(c)
		if err != nil {
			respondWithError(c, newError(CodeInvalidInput, err.Error(), nil))
			return
		}

		job, err := svc.PrepareCombine(c.Request.Context(), files, CombineOptions{
			OutputName: c.PostForm("output_filename"),
			Flatten:    parseBool(c.PostForm("flatten")),
			Order:      order,
		})
		submit(c, svc, opts, job, err)
	}
}

// FlattenHandler は POST /api/pdf/flatten のハンドラーを返します。
func FlattenHandler(svc FlattenService, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, ok := multipartForm(c)
		if !ok {
			return
		}
		defer form.RemoveAll()

		file, err := extractSingleFile(form)
		if err != nil {
			respondWithError(c, err)
			return
		}
		job, err := svc.PrepareFlatten(c.Request.Context(), file, FlattenOptions{
			OutputName: c.PostForm("output_filename"),
		})
		submit(c, svc, opts, job, err)
	}
}

// OptimizeHandler は POST /api/pdf/optimize のハンドラーを返します。
func OptimizeHandler(svc OptimizeService, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, ok := multipartForm(c)
		if !ok {
			return
		}
		defer form.RemoveAll()

		file, err := extractSingleFile(form)
		if err != nil {
			respondWithError(c, err)
			return
		}

		preset := OptimizePreset(strings.TrimSpace(c.PostForm("preset")))
		if preset == "" && parseBool(c.PostForm("aggressive")) {
			preset = OptimizePresetAggressive
		}
		job, err := svc.PrepareOptimize(c.Request.Context(), file, OptimizeOptions{
			OutputName: c.PostForm("output_filename"),
			Preset:     preset,
		})
		submit(c, svc, opts, job, err)
	}
}

// ExtractHandler は POST /api/pdf/extract のハンドラーを返します。
func ExtractHandler(svc ExtractService, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, ok := multipartForm(c)
		if !ok {
			return
		}
		defer form.RemoveAll()

		file, err := extractSingleFile(form)
		if err != nil {
			respondWithError(c, err)
			return
		}
		job, err := svc.PrepareExtract(c.Request.Context(), file, ExtractOptions{
			OutputName: c.PostForm("output_filename"),
			Pages:      c.PostForm("pages"),
		})
		submit(c, svc, opts, job, err)
	}
}

// InspectHandler は POST /api/pdf/inspect のハンドラーを返します。
func InspectHandler(svc InspectService) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, ok := multipartForm(c)
		if !ok {
			return
		}
		defer form.RemoveAll()

		file, err := extractSingleFile(form)
		if err != nil {
			respondWithError(c, err)
			return
		}
		result, err := svc.Inspect(c.Request.Context(), file)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "source": result.Source})
	}
}

// submit は準備済みジョブを投入し、202 でジョブIDを返します。
// 投入に失敗した場合は作業ディレクトリを破棄します。
func submit(c *gin.Context, tracker JobTracker, opts HandlerOptions, job *Job, prepareErr error) {
	if prepareErr != nil {
		respondWithError(c, prepareErr)
		return
	}
	if opts.Submitter == nil {
		tracker.Abandon(job)
		respondWithError(c, &jobs.SubmissionError{Kind: string(job.Kind), Err: errors.New("submitter is not configured")})
		return
	}

	jobID, err := opts.Submitter.Submit(c.Request.Context(), string(job.Kind), job.Run)
	if err != nil {
		tracker.Abandon(job)
		respondWithError(c, err)
		return
	}
	tracker.Track(jobID, job)
	if opts.OnSubmitted != nil {
		opts.OnSubmitted(c, jobID, job.Kind)
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"job_id":  jobID,
	})
}

func multipartForm(c *gin.Context) (*multipart.Form, bool) {
	form, err := c.MultipartForm()
	if err != nil {
		respondWithError(c, newError(CodeInvalidInput, "multipart/form-data でPDFファイルを送信してください。", err))
		return nil, false
	}
	return form, true
}

func parseSplitOptions(c *gin.Context) (SplitOptions, error) {
	opts := SplitOptions{OutputName: c.PostForm("output_zip")}
	if opts.OutputName == "" {
		opts.OutputName = c.PostForm("output_filename")
	}

	if raw := strings.TrimSpace(c.PostForm("max_pages_per_chunk")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return SplitOptions{}, newError(CodeInvalidInput, "最大ページ数は1以上の整数で指定してください。", nil)
		}
		opts.MaxPagesPerChunk = n
	}
	if raw := strings.TrimSpace(c.PostForm("max_size_mb")); raw != "" {
		mb, err := strconv.ParseFloat(raw, 64)
		if err != nil || mb <= 0 {
			return SplitOptions{}, newError(CodeInvalidInput, "最大サイズは0より大きい数値（MB）で指定してください。", nil)
		}
		opts.MaxSizeMB = mb
	}
	return opts, nil
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "on", "yes":
		return true
	default:
		return false
	}
}

func parseOrder(c *gin.Context) ([]int, error) {
	raw := strings.TrimSpace(c.PostForm("order"))
	if raw != "" {
		var order []int
		if err := json.Unmarshal([]byte(raw), &order); err != nil {
			return nil, errors.New("order は JSON 形式の整数配列で指定してください。例: [0,1,2]")
		}
		return order, nil
	}

	if values := c.PostFormArray("order[]"); len(values) > 0 {
		order := make([]int, len(values))
		for i, v := range values {
			trimmed := strings.TrimSpace(v)
			if trimmed == "" {
				return nil, errors.New("order[] に空の値が含まれています。")
			}
			num, err := strconv.Atoi(trimmed)
			if err != nil {
				return nil, errors.New("order[] の値は整数で指定してください。")
			}
			order[i] = num
		}
		return order, nil
	}

	return nil, nil
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	var subErr *jobs.SubmissionError
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		if apiErr.Code == CodeLimitExceeded {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{
			"success": false,
			"code":    apiErr.Code,
			"error":   apiErr.Message,
		})
	case errors.As(err, &subErr):
		message := "ジョブを開始できませんでした。しばらくしてから再度お試しください。"
		if errors.Is(err, jobs.ErrResourceExhausted) {
			message = "処理中のジョブが多すぎます。しばらくしてから再度お試しください。"
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"code":    "SUBMISSION_FAILED",
			"error":   message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"success": false,
			"code":    "REQUEST_CANCELED",
			"error":   "リクエストがキャンセルされました。",
		})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"code":    "INTERNAL_ERROR",
			"error":   "サーバー内部でエラーが発生しました。",
		})
	}
}

func extractSingleFile(form *multipart.Form) (*multipart.FileHeader, error) {
	if form != nil {
		for _, key := range []string{"input_pdf", "file", "files"} {
			if files := form.File[key]; len(files) > 0 {
				return files[0], nil
			}
		}
	}
	return nil, newError(CodeInvalidInput, "PDFファイルを選択してください。", nil)
}
