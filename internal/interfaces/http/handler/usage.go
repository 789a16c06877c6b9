package handler

import (
	"strconv"

	appmetering "github.com/metering/backend/internal/application/metering"
	domainMetering "github.com/metering/backend/internal/domain/metering"
	"github.com/metering/backend/internal/infrastructure/logger"
	"github.com/gin-gonic/gin"
)

// UsageHandler handles usage record ingestion and reconciliation endpoints
type UsageHandler struct {
	BaseHandler
	usage *appmetering.UsageService
}

// NewUsageHandler creates a new usage handler
func NewUsageHandler(usage *appmetering.UsageService) *UsageHandler {
	return &UsageHandler{usage: usage}
}

// RegisterRoutes registers usage routes on the given router group
func (h *UsageHandler) RegisterRoutes(rg *gin.RouterGroup) {
	usage := rg.Group("/usage")
	{
		usage.POST("", h.RecordUsage)
		usage.POST("/batch", h.RecordUsageBatch)
		usage.GET("/stats", h.GetStats)
		usage.GET("/records/failed", h.ListFailedRecords)
		usage.GET("/records/:customer/:timestamp", h.GetRecord)
		usage.POST("/records/:customer/:timestamp/reset", h.ResetRecord)
		usage.GET("/counters", h.ListCounters)
		usage.GET("/counters/:product/:customer/:dimension", h.GetCounter)
	}
}

// RecordUsageRequest is the ingestion payload for a single usage event
type RecordUsageRequest struct {
	CustomerAccountID string `json:"customer_account_id" binding:"required"`
	ProductCode       string `json:"product_code" binding:"required"`
	Dimension         string `json:"dimension" binding:"required"`
	Quantity          int64  `json:"quantity"`
}

// RecordUsageBatchRequest is the ingestion payload for multiple usage events
type RecordUsageBatchRequest struct {
	Records []RecordUsageRequest `json:"records" binding:"required"`
}

// UsageRecordResponse is the API representation of a usage record
type UsageRecordResponse struct {
	CustomerAccountID  string `json:"customer_account_id"`
	CreateTimestamp    int64  `json:"create_timestamp"`
	ProductCode        string `json:"product_code"`
	Dimension          string `json:"dimension"`
	Quantity           int64  `json:"quantity"`
	State              string `json:"state"`
	SubmissionResponse string `json:"submission_response,omitempty"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

func toUsageRecordResponse(r *domainMetering.UsageRecord) UsageRecordResponse {
	return UsageRecordResponse{
		CustomerAccountID:  r.CustomerAccountID,
		CreateTimestamp:    r.CreateTimestamp,
		ProductCode:        r.ProductCode,
		Dimension:          r.Dimension,
		Quantity:           r.Quantity,
		State:              r.State().String(),
		SubmissionResponse: r.SubmissionResponse,
		CreatedAt:          r.CreatedAt.Format(timeFormat),
		UpdatedAt:          r.UpdatedAt.Format(timeFormat),
	}
}

func toUsageRecordResponses(records []*domainMetering.UsageRecord) []UsageRecordResponse {
	out := make([]UsageRecordResponse, 0, len(records))
	for _, r := range records {
		out = append(out, toUsageRecordResponse(r))
	}
	return out
}

// RecordUsage ingests a single usage event
func (h *UsageHandler) RecordUsage(c *gin.Context) {
	var req RecordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	// Enrich the request context so every downstream log line carries the
	// customer account
	ctx, _ := logger.WithCustomerAccountID(c.Request.Context(), logger.FromContext(c.Request.Context()), req.CustomerAccountID)

	record, err := h.usage.RecordUsage(ctx, appmetering.IngestUsageInput{
		CustomerAccountID: req.CustomerAccountID,
		ProductCode:       req.ProductCode,
		Dimension:         req.Dimension,
		Quantity:          req.Quantity,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Created(c, toUsageRecordResponse(record))
}

// RecordUsageBatch ingests multiple usage events atomically
func (h *UsageHandler) RecordUsageBatch(c *gin.Context) {
	var req RecordUsageBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	if len(req.Records) == 0 {
		h.BadRequest(c, "At least one record is required")
		return
	}

	inputs := make([]appmetering.IngestUsageInput, 0, len(req.Records))
	for _, r := range req.Records {
		inputs = append(inputs, appmetering.IngestUsageInput{
			CustomerAccountID: r.CustomerAccountID,
			ProductCode:       r.ProductCode,
			Dimension:         r.Dimension,
			Quantity:          r.Quantity,
		})
	}

	records, err := h.usage.RecordUsageBatch(c.Request.Context(), inputs)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Created(c, toUsageRecordResponses(records))
}

// GetRecord returns a single usage record by its composite key
func (h *UsageHandler) GetRecord(c *gin.Context) {
	key, ok := h.recordKeyFromPath(c)
	if !ok {
		return
	}

	record, err := h.usage.GetRecord(c.Request.Context(), key)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, toUsageRecordResponse(record))
}

// ListFailedRecords returns failed usage records, newest first
func (h *UsageHandler) ListFailedRecords(c *gin.Context) {
	page, pageSize := paginationFromQuery(c, 20)

	records, total, err := h.usage.GetFailedRecords(c.Request.Context(), page, pageSize)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.SuccessWithMeta(c, toUsageRecordResponses(records), total, page, pageSize)
}

// ResetRecord flips a failed record back to pending for another attempt
func (h *UsageHandler) ResetRecord(c *gin.Context) {
	key, ok := h.recordKeyFromPath(c)
	if !ok {
		return
	}

	record, err := h.usage.ResetRecord(c.Request.Context(), key)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, toUsageRecordResponse(record))
}

// GetStats returns record counts by reconciliation state
func (h *UsageHandler) GetStats(c *gin.Context) {
	stats, err := h.usage.GetRecordStats(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}

	out := make(map[string]int64, len(stats))
	for state, count := range stats {
		out[state.String()] = count
	}
	h.Success(c, out)
}

// CounterResponse is the API representation of a usage counter
type CounterResponse struct {
	ProductCode       string `json:"product_code"`
	CustomerAccountID string `json:"customer_account_id"`
	Dimension         string `json:"dimension"`
	Total             int64  `json:"total"`
	UpdatedAt         string `json:"updated_at"`
}

func toCounterResponse(counter *domainMetering.UsageCounter) CounterResponse {
	return CounterResponse{
		ProductCode:       counter.ProductCode,
		CustomerAccountID: counter.CustomerAccountID,
		Dimension:         counter.Dimension,
		Total:             counter.Total,
		UpdatedAt:         counter.UpdatedAt.Format(timeFormat),
	}
}

// GetCounter returns the running total for one billing dimension
func (h *UsageHandler) GetCounter(c *gin.Context) {
	product := c.Param("product")
	customer := c.Param("customer")
	dimension := c.Param("dimension")

	counter, err := h.usage.GetCounter(c.Request.Context(), product, customer, dimension)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if counter == nil {
		h.NotFound(c, "Counter not found")
		return
	}

	h.Success(c, toCounterResponse(counter))
}

// ListCounters returns all counters for a product and customer pair
func (h *UsageHandler) ListCounters(c *gin.Context) {
	product := c.Query("product_code")
	customer := c.Query("customer_account_id")
	if product == "" || customer == "" {
		h.BadRequest(c, "product_code and customer_account_id query parameters are required")
		return
	}

	counters, err := h.usage.ListCounters(c.Request.Context(), product, customer)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	out := make([]CounterResponse, 0, len(counters))
	for _, counter := range counters {
		out = append(out, toCounterResponse(counter))
	}
	h.Success(c, out)
}

// recordKeyFromPath parses the composite record key from path parameters
func (h *UsageHandler) recordKeyFromPath(c *gin.Context) (domainMetering.RecordKey, bool) {
	customer := c.Param("customer")
	timestamp, err := strconv.ParseInt(c.Param("timestamp"), 10, 64)
	if err != nil || timestamp <= 0 {
		h.BadRequest(c, "Invalid create timestamp")
		return domainMetering.RecordKey{}, false
	}
	return domainMetering.RecordKey{
		CustomerAccountID: customer,
		CreateTimestamp:   timestamp,
	}, true
}
