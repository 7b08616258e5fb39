package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"atlas-server/models"
)

// Service reads the competency graph and progress evidence out of the
// relational store and renders knowledge maps. It holds no cross-request
// state; every view is derived from the store at call time.
type Service struct {
	pool *pgxpool.Pool
}

// NewService constructs the graph service against the shared pool.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

func (s *Service) loadGraph(ctx context.Context) ([]models.CompetencyNode, []models.CompetencyEdge, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, title, description FROM competency_nodes ORDER BY id`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query competency nodes: %w", err)
	}
	defer rows.Close()

	var nodes []models.CompetencyNode
	for rows.Next() {
		var n models.CompetencyNode
		if err := rows.Scan(&n.ID, &n.Title, &n.Description); err != nil {
			return nil, nil, fmt.Errorf("failed to scan competency node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	edgeRows, err := s.pool.Query(ctx, `SELECT source_id, target_id FROM competency_edges`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query competency edges: %w", err)
	}
	defer edgeRows.Close()

	var edges []models.CompetencyEdge
	for edgeRows.Next() {
		var e models.CompetencyEdge
		if err := edgeRows.Scan(&e.SourceID, &e.TargetID); err != nil {
			return nil, nil, fmt.Errorf("failed to scan competency edge: %w", err)
		}
		edges = append(edges, e)
	}
	return nodes, edges, edgeRows.Err()
}

func (s *Service) loadProgress(ctx context.Context, studentID string) (map[string]models.StudentProgress, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT student_id, competency_id, status, misconception_id, updated_at
		FROM student_progress WHERE student_id = $1
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query student progress: %w", err)
	}
	defer rows.Close()

	progress := make(map[string]models.StudentProgress)
	for rows.Next() {
		var p models.StudentProgress
		if err := rows.Scan(&p.StudentID, &p.CompetencyID, &p.Status, &p.MisconceptionID, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan progress row: %w", err)
		}
		progress[p.CompetencyID] = p
	}
	return progress, rows.Err()
}

func (s *Service) loadMisconceptionTitles(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, title FROM misconceptions`)
	if err != nil {
		return nil, fmt.Errorf("failed to query misconceptions: %w", err)
	}
	defer rows.Close()

	titles := make(map[string]string)
	for rows.Next() {
		var id, title string
		if err := rows.Scan(&id, &title); err != nil {
			return nil, fmt.Errorf("failed to scan misconception: %w", err)
		}
		titles[id] = title
	}
	return titles, rows.Err()
}

// StudentKnowledgeMap renders the fog-of-war view for one student.
func (s *Service) StudentKnowledgeMap(ctx context.Context, studentID string) (*models.KnowledgeMap, error) {
	nodes, edges, err := s.loadGraph(ctx)
	if err != nil {
		return nil, err
	}
	progress, err := s.loadProgress(ctx, studentID)
	if err != nil {
		return nil, err
	}
	titles, err := s.loadMisconceptionTitles(ctx)
	if err != nil {
		return nil, err
	}
	return DeriveStudentView(nodes, edges, progress, titles)
}

// GlobalKnowledgeMap renders the administrative aggregate: full labels for
// every node plus the per-node rollups used to flag curriculum bottlenecks.
func (s *Service) GlobalKnowledgeMap(ctx context.Context) (*models.KnowledgeMap, []models.NodeAggregate, error) {
	nodes, edges, err := s.loadGraph(ctx)
	if err != nil {
		return nil, nil, err
	}
	levels, err := Levels(nodes, edges)
	if err != nil {
		return nil, nil, err
	}
	aggregates, err := s.aggregates(ctx, nodes)
	if err != nil {
		return nil, nil, err
	}

	byID := make(map[string]models.NodeAggregate, len(aggregates))
	for _, a := range aggregates {
		byID[a.CompetencyID] = a
	}

	view := &models.KnowledgeMap{Edges: edges}
	for _, n := range nodes {
		gn := models.GraphNode{
			ID:          n.ID,
			Label:       n.Title,
			Description: n.Description,
			Status:      models.NodeAvailable,
			Level:       levels[n.ID],
		}
		if a, ok := byID[n.ID]; ok {
			// Heat-map coloring for the admin view: a node where
			// misconceptions outnumber masteries reads as infected.
			if a.MisconceptionCount > a.MasteryCount {
				gn.Status = models.NodeInfected
			} else if a.MasteryCount > 0 {
				gn.Status = models.NodeMastered
			}
		}
		view.Nodes = append(view.Nodes, gn)
	}
	return view, aggregates, nil
}

func (s *Service) aggregates(ctx context.Context, nodes []models.CompetencyNode) ([]models.NodeAggregate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			competency_id,
			COUNT(DISTINCT student_id) AS students_probed,
			COUNT(*) FILTER (WHERE status = 'mastered') AS mastery_count,
			COUNT(*) FILTER (WHERE status IN ('misconception', 'infected')) AS misconception_count
		FROM student_progress
		GROUP BY competency_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate student progress: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]models.NodeAggregate)
	for rows.Next() {
		var a models.NodeAggregate
		if err := rows.Scan(&a.CompetencyID, &a.StudentsProbed, &a.MasteryCount, &a.MisconceptionCount); err != nil {
			return nil, fmt.Errorf("failed to scan progress aggregate: %w", err)
		}
		byID[a.CompetencyID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	bugRows, err := s.pool.Query(ctx, `
		SELECT competency_id, misconception_id, COUNT(*) AS hits
		FROM student_progress
		WHERE misconception_id IS NOT NULL
		GROUP BY competency_id, misconception_id
		ORDER BY competency_id, hits DESC, misconception_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to rank misconceptions: %w", err)
	}
	defer bugRows.Close()

	topBugs := make(map[string][]string)
	for bugRows.Next() {
		var competencyID, misconceptionID string
		var hits int
		if err := bugRows.Scan(&competencyID, &misconceptionID, &hits); err != nil {
			return nil, fmt.Errorf("failed to scan misconception ranking: %w", err)
		}
		if len(topBugs[competencyID]) < 5 {
			topBugs[competencyID] = append(topBugs[competencyID], misconceptionID)
		}
	}
	if err := bugRows.Err(); err != nil {
		return nil, err
	}

	aggregates := make([]models.NodeAggregate, 0, len(nodes))
	for _, n := range nodes {
		a := byID[n.ID]
		a.CompetencyID = n.ID
		a.Title = n.Title
		a.TopMisconceptions = topBugs[n.ID]
		a.FrictionScore = FrictionScore(a.MisconceptionCount, a.MasteryCount)
		aggregates = append(aggregates, a)
	}
	sort.Slice(aggregates, func(i, j int) bool {
		if aggregates[i].FrictionScore != aggregates[j].FrictionScore {
			return aggregates[i].FrictionScore > aggregates[j].FrictionScore
		}
		return aggregates[i].CompetencyID < aggregates[j].CompetencyID
	})
	return aggregates, nil
}

// ApplyMutations folds triage output into the student_progress store. The
// upsert is last-write-wins per (student, competency): a fresh diagnosis
// supersedes older evidence for the same node.
func (s *Service) ApplyMutations(ctx context.Context, studentID string, mutations []models.GraphMutation) error {
	for _, m := range mutations {
		var misconceptionID *string
		if m.Metadata.NewStatus == models.ProgressInfected && m.Metadata.ContentID != "" {
			id := m.Metadata.ContentID
			misconceptionID = &id
		}
		_, err := s.pool.Exec(ctx, `
			INSERT INTO student_progress (student_id, competency_id, status, misconception_id, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (student_id, competency_id) DO UPDATE SET
				status = EXCLUDED.status,
				misconception_id = EXCLUDED.misconception_id,
				updated_at = EXCLUDED.updated_at
		`, studentID, m.TargetNodeID, m.Metadata.NewStatus, misconceptionID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to apply mutation %s on %s: %w", m.Action, m.TargetNodeID, err)
		}
	}
	return nil
}
