package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aescanero/pipengine/internal/application/events"
	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/aescanero/pipengine/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	send chan domain.OrchestrationEvent
}

// Hub fans orchestration events out to the clients following a plan
// execution. It implements events.Handler.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	logger  *zap.Logger
}

// NewHub creates a new hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		logger:  logger,
	}
}

// HandleEvent delivers event to every client of its plan execution.
// Slow clients lose events rather than block the publisher.
func (h *Hub) HandleEvent(ctx context.Context, event domain.OrchestrationEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[event.PlanExecutionID] {
		select {
		case c.send <- event:
		default:
			h.logger.Warn("client send buffer full, dropping event",
				zap.String("event_id", event.ID),
				zap.String("plan_execution_id", event.PlanExecutionID))
		}
	}
	return nil
}

// Consume follows orchestration events forwarded on the transport until
// ctx ends
func (h *Hub) Consume(ctx context.Context, transport ports.EventBus) error {
	return transport.Subscribe(ctx, ports.TopicOrchestrationEvents, func(ctx context.Context, msg ports.Event) error {
		return h.HandleEvent(ctx, events.FromTransport(msg))
	})
}

// ClientCount returns the number of clients following a plan execution
func (h *Hub) ClientCount(planExecutionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[planExecutionID])
}

func (h *Hub) register(planExecutionID string) *client {
	c := &client{send: make(chan domain.OrchestrationEvent, sendBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[planExecutionID] == nil {
		h.clients[planExecutionID] = make(map[*client]struct{})
	}
	h.clients[planExecutionID][c] = struct{}{}
	return c
}

func (h *Hub) unregister(planExecutionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.clients[planExecutionID], c)
	if len(h.clients[planExecutionID]) == 0 {
		delete(h.clients, planExecutionID)
	}
}

// HandlePlanStream streams the events of one plan execution
func (h *Hub) HandlePlanStream(c *gin.Context) {
	planExecutionID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("plan_execution_id", planExecutionID),
		zap.String("client", c.ClientIP()))

	cl := h.register(planExecutionID)
	defer h.unregister(planExecutionID, cl)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Reads only detect the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("WebSocket connection closed",
				zap.String("plan_execution_id", planExecutionID))
			return

		case event := <-cl.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Error("failed to write message", zap.Error(err))
				return
			}

		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
