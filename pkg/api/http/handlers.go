package http

import (
	"net/http"
	"time"

	"github.com/aescanero/pipengine/internal/application/orchestrator"
	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StartPlanRequest submits a plan for execution
type StartPlanRequest struct {
	Plan   *domain.Plan           `json:"plan" validate:"required"`
	Inputs map[string]interface{} `json:"inputs,omitempty"`
}

// InterventionRequest carries a manual decision for a waiting node
type InterventionRequest struct {
	Action string `json:"action" validate:"required,oneof=MARK_AS_SUCCESS IGNORE RETRY ABORT"`
}

// TaskResponseRequest reports the result of an external task
type TaskResponseRequest struct {
	Status domain.Status          `json:"status" validate:"required,oneof=SUCCEEDED FAILED ERRORED"`
	Data   map[string]interface{} `json:"data,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// NodeListResponse lists the node executions of a plan execution
type NodeListResponse struct {
	PlanExecutionID string                  `json:"plan_execution_id"`
	Nodes           []*domain.NodeExecution `json:"nodes"`
	Total           int                     `json:"total"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	response := gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	}

	if s.health != nil {
		report := s.health.Report()
		response["workers"] = report
		if !report.Serving {
			response["status"] = "degraded"
			c.JSON(http.StatusServiceUnavailable, response)
			return
		}
	}

	c.JSON(http.StatusOK, response)
}

// handleStartPlan handles plan submission
func (s *Server) handleStartPlan(c *gin.Context) {
	var req StartPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.handleError(c, err)
		return
	}

	pe, err := s.engine.StartPlan(c.Request.Context(), req.Plan, req.Inputs)
	if err != nil {
		s.handleError(c, err)
		return
	}

	s.logger.Info("plan submitted",
		zap.String("plan_id", req.Plan.ID),
		zap.String("plan_execution_id", pe.ID))

	c.JSON(http.StatusAccepted, pe)
}

// handleGetPlan returns a plan execution
func (s *Server) handleGetPlan(c *gin.Context) {
	pe, err := s.engine.PlanExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, pe)
}

// handleListNodes returns the node executions of a plan execution
func (s *Server) handleListNodes(c *gin.Context) {
	id := c.Param("id")

	nodes, err := s.engine.NodeExecutions(c.Request.Context(), id)
	if err != nil {
		s.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, NodeListResponse{
		PlanExecutionID: id,
		Nodes:           nodes,
		Total:           len(nodes),
	})
}

// handleAbortPlan aborts every running node of a plan execution
func (s *Server) handleAbortPlan(c *gin.Context) {
	id := c.Param("id")

	if err := s.engine.AbortPlan(c.Request.Context(), id); err != nil {
		s.handleError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"plan_execution_id": id,
		"status":            "aborting",
	})
}

// handleGetNode returns a node execution
func (s *Server) handleGetNode(c *gin.Context) {
	node, err := s.engine.NodeExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, node)
}

// handleAbortNode aborts a node execution and its subtree
func (s *Server) handleAbortNode(c *gin.Context) {
	id := c.Param("id")

	if err := s.engine.AbortNode(c.Request.Context(), id); err != nil {
		s.handleError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"node_execution_id": id,
		"status":            "aborting",
	})
}

// handleIntervention applies a manual decision to a waiting node
func (s *Server) handleIntervention(c *gin.Context) {
	id := c.Param("id")

	var req InterventionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.handleError(c, err)
		return
	}

	action := orchestrator.InterventionAction(req.Action)
	if err := s.engine.HandleIntervention(c.Request.Context(), id, action); err != nil {
		s.handleError(c, err)
		return
	}

	s.logger.Info("intervention applied",
		zap.String("node_execution_id", id),
		zap.String("action", req.Action))

	c.JSON(http.StatusAccepted, gin.H{
		"node_execution_id": id,
		"action":            req.Action,
	})
}

// handleGetBarrier returns a barrier instance of a plan execution
func (s *Server) handleGetBarrier(c *gin.Context) {
	barrier, err := s.engine.Barrier(c.Request.Context(), c.Param("plan"), c.Param("identifier"))
	if err != nil {
		s.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, barrier)
}

// handleTaskResponse delivers an external task result to the waiting node
func (s *Server) handleTaskResponse(c *gin.Context) {
	correlationID := c.Param("id")

	var req TaskResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.handleError(c, err)
		return
	}

	resp := domain.ResponseData{
		CorrelationID: correlationID,
		Status:        req.Status,
		Data:          req.Data,
		Error:         req.Error,
	}
	if err := s.engine.Notify(c.Request.Context(), correlationID, resp); err != nil {
		s.handleError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"correlation_id": correlationID,
		"status":         req.Status,
	})
}
