package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aescanero/pipengine/internal/application/events"
	"github.com/aescanero/pipengine/pkg/adapters/events/memory"
	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dialPlan(t *testing.T, hub *Hub, planExecutionID string) *websocket.Conn {
	t.Helper()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/v1/plans/:id/ws", hub.HandlePlanStream)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/plans/" + planExecutionID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return hub.ClientCount(planExecutionID) == 1 },
		time.Second, 10*time.Millisecond)
	return conn
}

func TestHub_StreamsPlanEvents(t *testing.T) {
	hub := NewHub(zap.NewNop())
	conn := dialPlan(t, hub, "pe-1")

	ctx := context.Background()
	require.NoError(t, hub.HandleEvent(ctx, domain.OrchestrationEvent{
		ID:              "other",
		Type:            domain.EventNodeExecutionStatusUpdate,
		PlanExecutionID: "pe-2",
	}))
	require.NoError(t, hub.HandleEvent(ctx, domain.OrchestrationEvent{
		ID:              "ev-1",
		Type:            domain.EventNodeExecutionStatusUpdate,
		PlanExecutionID: "pe-1",
		NodeExecutionID: "n-1",
		Status:          domain.StatusSucceeded,
	}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got domain.OrchestrationEvent
	require.NoError(t, conn.ReadJSON(&got))

	assert.Equal(t, "ev-1", got.ID)
	assert.Equal(t, domain.StatusSucceeded, got.Status)
}

func TestHub_UnregistersClosedClients(t *testing.T) {
	hub := NewHub(zap.NewNop())
	conn := dialPlan(t, hub, "pe-1")

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool { return hub.ClientCount("pe-1") == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestHub_ConsumesForwardedEvents(t *testing.T) {
	transport := memory.NewInMemoryEventBus(zap.NewNop())
	defer func() { _ = transport.Close() }()

	hub := NewHub(zap.NewNop())
	conn := dialPlan(t, hub, "pe-7")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, hub.Consume(ctx, transport))

	forwarder := events.NewForwarder(transport)
	require.NoError(t, forwarder.HandleEvent(ctx, domain.OrchestrationEvent{
		ID:              "ev-end",
		Type:            domain.EventOrchestrationEnd,
		PlanExecutionID: "pe-7",
		Status:          domain.StatusFailed,
		Timestamp:       time.Now(),
	}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got domain.OrchestrationEvent
	require.NoError(t, conn.ReadJSON(&got))

	assert.Equal(t, domain.EventOrchestrationEnd, got.Type)
	assert.Equal(t, domain.StatusFailed, got.Status)
}
