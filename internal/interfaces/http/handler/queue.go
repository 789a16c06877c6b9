package handler

import (
	appmetering "github.com/metering/backend/internal/application/metering"
	domainMetering "github.com/metering/backend/internal/domain/metering"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// QueueHandler exposes submission queue inspection and operator recovery endpoints
type QueueHandler struct {
	BaseHandler
	queue *appmetering.QueueService
}

// NewQueueHandler creates a new queue handler
func NewQueueHandler(queue *appmetering.QueueService) *QueueHandler {
	return &QueueHandler{queue: queue}
}

// RegisterRoutes registers queue routes on the given router group
func (h *QueueHandler) RegisterRoutes(rg *gin.RouterGroup) {
	queue := rg.Group("/queue")
	{
		queue.GET("/stats", h.GetStats)
		queue.GET("/jobs", h.ListJobs)
		queue.POST("/jobs/:id/requeue", h.RequeueJob)
	}
}

// SubmissionJobResponse is the API representation of a queue job
type SubmissionJobResponse struct {
	ID            string `json:"id"`
	GroupKey      string `json:"group_key"`
	SchemaVersion int    `json:"schema_version"`
	Status        string `json:"status"`
	RetryCount    int    `json:"retry_count"`
	MaxRetries    int    `json:"max_retries"`
	LastError     string `json:"last_error,omitempty"`
	NextRetryAt   string `json:"next_retry_at,omitempty"`
	ProcessedAt   string `json:"processed_at,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func toSubmissionJobResponse(job *domainMetering.SubmissionJob) SubmissionJobResponse {
	resp := SubmissionJobResponse{
		ID:            job.ID.String(),
		GroupKey:      job.GroupKey,
		SchemaVersion: job.SchemaVersion,
		Status:        string(job.Status),
		RetryCount:    job.RetryCount,
		MaxRetries:    job.MaxRetries,
		LastError:     job.LastError,
		CreatedAt:     job.CreatedAt.Format(timeFormat),
		UpdatedAt:     job.UpdatedAt.Format(timeFormat),
	}
	if job.NextRetryAt != nil {
		resp.NextRetryAt = job.NextRetryAt.Format(timeFormat)
	}
	if job.ProcessedAt != nil {
		resp.ProcessedAt = job.ProcessedAt.Format(timeFormat)
	}
	return resp
}

// GetStats returns job counts by status
func (h *QueueHandler) GetStats(c *gin.Context) {
	stats, err := h.queue.GetStats(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}

	out := make(map[string]int64, len(stats))
	for status, count := range stats {
		out[string(status)] = count
	}
	h.Success(c, out)
}

// ListJobs returns queue jobs filtered by status, most recently updated first
func (h *QueueHandler) ListJobs(c *gin.Context) {
	status := domainMetering.JobStatus(c.Query("status"))
	switch status {
	case domainMetering.JobStatusPending, domainMetering.JobStatusProcessing,
		domainMetering.JobStatusCompleted, domainMetering.JobStatusFailed,
		domainMetering.JobStatusDead, domainMetering.JobStatusQuarantined:
	default:
		h.BadRequest(c, "status query parameter must be a valid job status")
		return
	}

	page, pageSize := paginationFromQuery(c, 50)

	jobs, total, err := h.queue.ListByStatus(c.Request.Context(), status, page, pageSize)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	out := make([]SubmissionJobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toSubmissionJobResponse(job))
	}
	h.SuccessWithMeta(c, out, total, page, pageSize)
}

// RequeueJob resets a dead or quarantined job back to pending
func (h *QueueHandler) RequeueJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid job ID")
		return
	}

	job, err := h.queue.RequeueJob(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, toSubmissionJobResponse(job))
}
