package handler

import (
	"context"
	"net/http"
	"sync"
	"testing"

	appmetering "github.com/metering/backend/internal/application/metering"
	domainMetering "github.com/metering/backend/internal/domain/metering"
	"github.com/metering/backend/internal/infrastructure/scheduler"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeQueue struct {
	mu     sync.Mutex
	groups []*domainMetering.AggregationGroup
}

func (q *fakeQueue) Enqueue(_ context.Context, group *domainMetering.AggregationGroup) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.groups = append(q.groups, group)
	return nil
}

func setupAggregationRouter(t *testing.T) (*gin.Engine, *fakeRecordStore, *fakeQueue) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	records := newFakeRecordStore()
	queue := &fakeQueue{}
	service := appmetering.NewAggregationService(records, queue, zap.NewNop(), appmetering.DefaultAggregationConfig())
	sched := scheduler.NewAggregationScheduler(service, zap.NewNop(), scheduler.DefaultAggregationSchedulerConfig())

	r := gin.New()
	api := r.Group("/api/v1")
	NewAggregationHandler(sched).RegisterRoutes(api)
	return r, records, queue
}

func TestAggregationHandler_TriggerCycle(t *testing.T) {
	r, records, queue := setupAggregationRouter(t)

	for i := 1; i <= 3; i++ {
		record, err := domainMetering.NewUsageRecord("cust-1", "prod-a", "users", int64(i), int64(i*100))
		require.NoError(t, err)
		require.NoError(t, records.Save(context.Background(), record))
	}

	w, resp := doJSON(t, r, http.MethodPost, "/api/v1/aggregation/trigger", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)

	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(3), data["records_scanned"])
	assert.Equal(t, float64(1), data["groups_enqueued"])
	assert.Equal(t, float64(0), data["enqueue_failures"])

	require.Len(t, queue.groups, 1)
	assert.Equal(t, int64(6), queue.groups[0].Quantity)
}

func TestAggregationHandler_TriggerCycle_Empty(t *testing.T) {
	r, _, queue := setupAggregationRouter(t)

	w, resp := doJSON(t, r, http.MethodPost, "/api/v1/aggregation/trigger", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)

	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(0), data["records_scanned"])
	assert.Equal(t, float64(0), data["groups_enqueued"])
	assert.Empty(t, queue.groups)
}
