package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas-server/ingestion"
	"atlas-server/models"
)

type stubFinalizer struct {
	result *models.DiagnosticResult
	err    error
}

func (s *stubFinalizer) FinalizeAttempt(ctx context.Context, caller ingestion.Caller, attemptID string) (*models.DiagnosticResult, error) {
	return s.result, s.err
}

type stubGlobalMap struct {
	knowledgeMap *models.KnowledgeMap
	aggregates   []models.NodeAggregate
}

func (s *stubGlobalMap) GlobalKnowledgeMap(ctx context.Context) (*models.KnowledgeMap, []models.NodeAggregate, error) {
	return s.knowledgeMap, s.aggregates, nil
}

func TestFinalizeAttemptWrapsResultInEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/api/v1/attempts/:attempt_id/finalize", FinalizeAttempt(&stubFinalizer{
		result: &models.DiagnosticResult{AttemptID: "a1", ScorePercent: 50, CorrectCount: 1, TotalQuestions: 2},
	}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/attempts/a1/finalize", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp models.FinalizeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "a1", resp.Result.AttemptID)
	assert.Equal(t, 50, resp.Result.ScorePercent)
}

func TestFinalizeAttemptAlreadyCompletedIsStructured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/api/v1/attempts/:attempt_id/finalize", FinalizeAttempt(&stubFinalizer{
		err: ingestion.ErrAlreadyCompleted,
	}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/attempts/a1/finalize", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp models.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestAdminKnowledgeMapShape(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/admin/knowledge_map", AdminKnowledgeMap(&stubGlobalMap{
		knowledgeMap: &models.KnowledgeMap{
			Nodes: []models.GraphNode{{ID: "n1", Label: "Fractions", Status: models.NodeMastered, Level: 1}},
			Edges: []models.CompetencyEdge{{SourceID: "n1", TargetID: "n2"}},
		},
		aggregates: []models.NodeAggregate{{CompetencyID: "n1", MasteryCount: 3, FrictionScore: 0.375}},
	}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/knowledge_map", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Nodes      []models.GraphNode      `json:"nodes"`
		Edges      []models.CompetencyEdge `json:"edges"`
		Aggregates []models.NodeAggregate  `json:"aggregates"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Nodes, 1)
	assert.Equal(t, "n1", body.Nodes[0].ID)
	require.Len(t, body.Edges, 1)
	require.Len(t, body.Aggregates, 1)
	assert.Equal(t, 0.375, body.Aggregates[0].FrictionScore)
}
