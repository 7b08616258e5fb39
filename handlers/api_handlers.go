// --- atlas-server/handlers/api_handlers.go ---
package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"atlas-server/graph"
	"atlas-server/ingestion"
	"atlas-server/models"
)

// callerFrom assembles the request principal set by the auth middleware.
func callerFrom(c *gin.Context) ingestion.Caller {
	rolesValue, _ := c.Get("user_roles")
	roles, _ := rolesValue.([]string)
	return ingestion.Caller{
		Email:     c.GetString("user_email"),
		LearnerID: c.GetString("learner_id"),
		Roles:     roles,
		UserAgent: c.Request.UserAgent(),
	}
}

// respondServiceError maps a service error to the structured wire result.
// Rate limiting carries the server-dictated retry delay in milliseconds.
func respondServiceError(c *gin.Context, err error) {
	var rateLimited *ingestion.RateLimitedError
	switch {
	case errors.As(err, &rateLimited):
		c.JSON(http.StatusTooManyRequests, models.SubmitResult{
			Error:        "Rate limit exceeded",
			RetryAfterMs: rateLimited.RetryAfter.Milliseconds(),
		})
	case errors.Is(err, ingestion.ErrInvalidBatch):
		c.JSON(http.StatusBadRequest, models.SubmitResult{Error: err.Error()})
	case errors.Is(err, ingestion.ErrAttemptNotFound):
		c.JSON(http.StatusNotFound, models.SubmitResult{Error: "Attempt not found"})
	case errors.Is(err, ingestion.ErrForbidden):
		c.JSON(http.StatusForbidden, models.SubmitResult{Error: "You do not own this attempt"})
	case errors.Is(err, ingestion.ErrAlreadyCompleted):
		c.JSON(http.StatusBadRequest, models.SubmitResult{Error: err.Error()})
	default:
		log.Printf("Unhandled service error: %v", err)
		c.JSON(http.StatusInternalServerError, models.SubmitResult{Error: "Internal server error"})
	}
}

// StartAttempt opens a new diagnostic attempt.
// POST /api/v1/attempts
func StartAttempt(svc *ingestion.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.StartAttemptRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		resp, err := svc.StartAttempt(c.Request.Context(), callerFrom(c), req.ProbeSetID)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusCreated, resp)
	}
}

// SubmitTelemetry accepts one telemetry batch for an in-progress attempt.
// POST /api/v1/attempts/:attempt_id/telemetry
func SubmitTelemetry(svc *ingestion.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		attemptID := c.Param("attempt_id")
		var batch models.TelemetryBatch
		if err := c.ShouldBindJSON(&batch); err != nil {
			c.JSON(http.StatusBadRequest, models.SubmitResult{Error: err.Error()})
			return
		}
		if batch.AttemptID != attemptID {
			c.JSON(http.StatusBadRequest, models.SubmitResult{Error: "Batch attemptId does not match URL"})
			return
		}
		if err := svc.SubmitTelemetryBatch(c.Request.Context(), callerFrom(c), &batch); err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.SubmitResult{Success: true})
	}
}

// GetExamState returns the attempt snapshot for client hydration.
// GET /api/v1/attempts/:attempt_id/state
func GetExamState(svc *ingestion.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		state, err := svc.GetExamState(c.Request.Context(), callerFrom(c), c.Param("attempt_id"))
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.ExamStateResponse{CurrentState: state})
	}
}

// attemptFinalizer is satisfied by *exam.Engine.
type attemptFinalizer interface {
	FinalizeAttempt(ctx context.Context, caller ingestion.Caller, attemptID string) (*models.DiagnosticResult, error)
}

// FinalizeAttempt seals an attempt and returns its diagnostic result.
// Calling it again returns the same cached result.
// POST /api/v1/attempts/:attempt_id/finalize
func FinalizeAttempt(engine attemptFinalizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := engine.FinalizeAttempt(c.Request.Context(), callerFrom(c), c.Param("attempt_id"))
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.FinalizeResponse{Success: true, Result: result})
	}
}

// GetStudentKnowledgeMap returns a student's fogged knowledge map. Students
// can only read their own map; admins can read any.
// GET /api/v1/students/:student_id/knowledge_map
func GetStudentKnowledgeMap(svc *graph.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		studentID := c.Param("student_id")
		caller := callerFrom(c)
		if studentID != caller.Email && studentID != caller.LearnerID && !caller.IsAdmin() {
			c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "You can only view your own knowledge map"})
			return
		}
		knowledgeMap, err := svc.StudentKnowledgeMap(c.Request.Context(), studentID)
		if err != nil {
			log.Printf("Error deriving knowledge map for %s: %v", studentID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to derive knowledge map"})
			return
		}
		c.JSON(http.StatusOK, knowledgeMap)
	}
}
