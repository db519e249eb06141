package pipeline

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// JobScheduler はジョブを非同期キューに投入するためのインターフェースです。
type JobScheduler interface {
	Schedule(ctx context.Context, sub Submission) (string, error)
}

// JobLookup は Orchestrator 以外の保存先からジョブ情報を探します。
type JobLookup interface {
	LookupJob(ctx context.Context, jobID string) (any, bool, error)
}

// HandlerOptions はハンドラーの動作を切り替える設定です。
type HandlerOptions struct {
	// Scheduler が設定されている場合、wait=true 以外の投入はキューに回します。
	Scheduler JobScheduler
	// Records が設定されている場合、ジョブ照会はこちらを優先します。
	Records JobLookup
	// StatusObserver は statusUrl 付きの投入に対して Observer を作ります。
	StatusObserver func(statusURL string) Observer
}

// SubmitHandler は POST /api/jobs のハンドラーを返します。
func SubmitHandler(orch *Orchestrator, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		var sub Submission
		if err := c.ShouldBindJSON(&sub); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "JSON形式のリクエストボディを送信してください。",
			})
			return
		}
		if err := sub.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": err.Error(),
			})
			return
		}

		wait := c.Query("wait") == "true"

		if opts.Scheduler != nil && !wait {
			if sub.ID == "" {
				sub.ID = NewJobID(sub.Source.ID)
			}
			jobID, err := opts.Scheduler.Schedule(c.Request.Context(), sub)
			if err != nil {
				respondWithError(c, err)
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"jobId": jobID})
			return
		}

		h, err := orch.Submit(context.WithoutCancel(c.Request.Context()), sub.Request(opts.StatusObserver))
		if err != nil {
			respondWithError(c, err)
			return
		}

		if !wait {
			c.JSON(http.StatusAccepted, gin.H{"jobId": h.ID()})
			return
		}

		result, err := h.Wait(c.Request.Context())
		if err != nil {
			respondWithError(c, err)
			return
		}
		if !result.Succeeded() {
			c.JSON(failureStatus(result.Failure), gin.H{
				"code":    failureCode(result.Failure),
				"message": result.Failure.UserMessage(),
				"jobId":   result.JobID,
				"failure": result.Failure,
			})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// JobHandler は GET /api/jobs/:id のハンドラーを返します。
func JobHandler(orch *Orchestrator, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		if opts.Records != nil {
			record, found, err := opts.Records.LookupJob(c.Request.Context(), jobID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{
					"code":    "INTERNAL_ERROR",
					"message": "ジョブ情報の取得に失敗しました。",
				})
				return
			}
			if found {
				c.JSON(http.StatusOK, record)
				return
			}
		}

		h, ok := orch.Lookup(jobID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}

		job := h.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"job":  job,
			"text": StatusText(job),
		})
	}
}

// EventsHandler は GET /api/jobs/:id/events のハンドラーを返します。
func EventsHandler(bus *EventBus) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		var since int64
		if raw := c.Query("since"); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || v < 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": "since には0以上の整数を指定してください。",
				})
				return
			}
			since = v
		}

		events := bus.Since(jobID, since)
		last := since
		if len(events) > 0 {
			last = events[len(events)-1].Seq
		}
		c.JSON(http.StatusOK, gin.H{
			"events":  events,
			"lastSeq": last,
		})
	}
}

func respondWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": err.Error(),
		})
	case errors.Is(err, ErrDuplicateJob):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "JOB_EXISTS",
			"message": "同じIDのジョブが既に存在します。",
		})
	case errors.Is(err, ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "SHUTTING_DOWN",
			"message": "サーバーが停止処理中です。",
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func failureCode(f *Failure) string {
	if f == nil {
		return "INTERNAL_ERROR"
	}
	return strings.ToUpper(string(f.Kind))
}

func failureStatus(f *Failure) int {
	if f == nil {
		return http.StatusInternalServerError
	}
	switch f.Kind {
	case FailureSizeExceeded:
		return http.StatusRequestEntityTooLarge
	case FailureTimeout:
		return http.StatusGatewayTimeout
	case FailureInvalidInput:
		return http.StatusUnprocessableEntity
	case FailureNetwork, FailureRejected:
		return http.StatusBadGateway
	case FailureCanceled, FailureAllocationFailed, FailureLocalIO:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
