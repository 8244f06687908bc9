package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/pdf-manager/internal/jobs"
	"github.com/yourusername/pdf-manager/internal/pdf"
	"github.com/yourusername/pdf-manager/internal/session"
)

type jobLookup interface {
	Lookup(ctx context.Context, jobID string) (jobs.Snapshot, error)
	Reap(jobID string) bool
}

type jobCanceller interface {
	Cancel(jobID string) jobs.CancelOutcome
}

type resultOpener interface {
	OpenResult(res *jobs.Result) (*os.File, error)
}

// jobHandlers はジョブの状態確認・キャンセル・成果物取得を提供します。
type jobHandlers struct {
	registry       jobLookup
	canceller      jobCanceller
	results        resultOpener
	reapOnDownload bool
	logger         *zap.Logger
}

func jobNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"success": false,
		"code":    "JOB_NOT_FOUND",
		"error":   "指定されたジョブは存在しないか、有効期限が切れています。",
	})
}

func (h *jobHandlers) jobID(c *gin.Context) (string, bool) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"code":    "INVALID_INPUT",
			"error":   "jobId を指定してください。",
		})
		return "", false
	}
	return jobID, true
}

func (h *jobHandlers) lookup(c *gin.Context, jobID string) (jobs.Snapshot, bool) {
	snap, err := h.registry.Lookup(c.Request.Context(), jobID)
	if err != nil {
		if !errors.Is(err, jobs.ErrNotFound) {
			h.logger.Error("failed to read job", zap.String("job_id", jobID), zap.Error(err))
		}
		jobNotFound(c)
		return jobs.Snapshot{}, false
	}
	return snap, true
}

// status は GET /api/jobs/:id のハンドラーです。
func (h *jobHandlers) status(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}
	snap, ok := h.lookup(c, jobID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, statusPayload(snap))
}

func statusPayload(snap jobs.Snapshot) gin.H {
	payload := gin.H{
		"success":          true,
		"job_id":           snap.ID,
		"kind":             snap.Kind,
		"status":           snap.Status,
		"message":          snap.Progress.Message,
		"stage":            snap.Progress.Stage,
		"current_unit":     snap.Progress.CurrentUnit,
		"total_units":      snap.Progress.TotalUnits,
		"percentage":       snap.Progress.Percentage,
		"cancel_requested": snap.CancelRequested,
		"poll_interval_ms": jobs.SuggestPollInterval(snap).Milliseconds(),
		"created_at":       snap.CreatedAt,
		"updated_at":       snap.UpdatedAt,
	}
	switch snap.Status {
	case jobs.StatusComplete:
		if snap.Result != nil {
			payload["filename"] = snap.Result.Filename
			payload["size"] = snap.Result.Size
			payload["download_url"] = fmt.Sprintf("/api/jobs/%s/download", url.PathEscape(snap.ID))
			if snap.Result.Meta != nil {
				payload["meta"] = snap.Result.Meta
			}
		}
	case jobs.StatusError:
		payload["error"] = snap.ErrorMessage
	}
	return payload
}

// cancel は POST /api/jobs/:id/cancel のハンドラーです。
// 成功はキャンセル要求を記録したことを意味し、ジョブが停止したことは意味しません。
func (h *jobHandlers) cancel(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	switch h.canceller.Cancel(jobID) {
	case jobs.CancelAccepted:
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "キャンセルを受け付けました。",
		})
	case jobs.CancelAlreadyTerminal:
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"code":    "JOB_ALREADY_FINISHED",
			"message": "ジョブは既に終了しています。",
		})
	default:
		jobNotFound(c)
	}
}

// download は GET /api/jobs/:id/download のハンドラーです。
func (h *jobHandlers) download(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}
	snap, ok := h.lookup(c, jobID)
	if !ok {
		return
	}
	if snap.Status != jobs.StatusComplete || snap.Result == nil {
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"code":    "JOB_NOT_COMPLETE",
			"error":   "ジョブはまだ完了していません。",
			"status":  snap.Status,
		})
		return
	}

	file, err := h.results.OpenResult(snap.Result)
	if err != nil {
		if errors.Is(err, pdf.ErrResultUnavailable) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"code":    "JOB_RESULT_NOT_FOUND",
				"error":   "ジョブの成果物が見つかりませんでした。",
			})
			return
		}
		h.logger.Error("failed to open job result", zap.String("job_id", jobID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"code":    "INTERNAL_ERROR",
			"error":   "ジョブの成果物取得に失敗しました。",
		})
		return
	}
	defer file.Close()

	res := snap.Result
	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	encodedName := url.PathEscape(res.Filename)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", asciiFilename(res.Filename), encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", snap.ID)
	c.DataFromReader(http.StatusOK, res.Size, contentType, file, nil)

	if h.reapOnDownload && !c.IsAborted() {
		if h.registry.Reap(jobID) {
			h.logger.Info("job reaped after download", zap.String("job_id", jobID))
		}
	}
}

// list は GET /api/jobs のハンドラーです。このブラウザから投入したジョブを返します。
func (h *jobHandlers) list(c *gin.Context) {
	ids := session.RecentJobs(c)
	items := make([]gin.H, 0, len(ids))
	var gone []string
	for _, id := range ids {
		snap, err := h.registry.Lookup(c.Request.Context(), id)
		if err != nil {
			gone = append(gone, id)
			continue
		}
		items = append(items, statusPayload(snap))
	}
	if len(gone) > 0 {
		if err := session.ForgetJobs(c, gone...); err != nil {
			h.logger.Warn("failed to update session", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "jobs": items})
}

// recordSubmitted は投入したジョブIDをセッションに記録します。
func recordSubmitted(logger *zap.Logger) func(c *gin.Context, jobID string, kind pdf.OperationType) {
	return func(c *gin.Context, jobID string, kind pdf.OperationType) {
		if err := session.RecordJob(c, jobID); err != nil {
			logger.Warn("failed to record job in session",
				zap.String("job_id", jobID), zap.String("kind", string(kind)), zap.Error(err))
		}
	}
}

// asciiFilename は filename= パラメータ用に非ASCII文字を置き換えます。
func asciiFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
