package http

import (
	"errors"
	"net/http"

	"github.com/aescanero/pipengine/internal/application/orchestrator"
	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/moogar0880/problems"
	"go.uber.org/zap"
)

func badRequest(c *gin.Context, detail string) {
	problem := problems.NewStatusProblem(http.StatusBadRequest).
		WithInstance(c.Request.URL.Path).
		WithType("validation_error").
		WithDetail(detail)

	c.JSON(http.StatusBadRequest, problem)
}

// handleError renders an engine error as a problem document
func (s *Server) handleError(c *gin.Context, err error) {
	var validationErrs validator.ValidationErrors

	switch {
	case errors.Is(err, orchestrator.ErrInvalidPlan), errors.As(err, &validationErrs):
		badRequest(c, err.Error())

	case domain.IsNotFound(err):
		problem := problems.NewStatusProblem(http.StatusNotFound).
			WithInstance(c.Request.URL.Path).
			WithType("not_found").
			WithDetail(err.Error())

		c.JSON(http.StatusNotFound, problem)

	case errors.Is(err, orchestrator.ErrNotAwaitingIntervention),
		errors.Is(err, domain.ErrStatusConflict),
		errors.Is(err, domain.ErrIllegalTransition):
		problem := problems.NewStatusProblem(http.StatusConflict).
			WithInstance(c.Request.URL.Path).
			WithType("conflict").
			WithDetail(err.Error())

		c.JSON(http.StatusConflict, problem)

	case domain.IsLockNotAcquired(err):
		problem := problems.NewStatusProblem(http.StatusServiceUnavailable).
			WithInstance(c.Request.URL.Path).
			WithType("busy").
			WithDetail("execution is locked, retry later")

		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, problem)

	default:
		s.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))

		problem := problems.NewStatusProblem(http.StatusInternalServerError).
			WithInstance(c.Request.URL.Path).
			WithType("internal_error").
			WithError(err)

		c.JSON(http.StatusInternalServerError, problem)
	}
}
