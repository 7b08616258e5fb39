package graph

import (
	"fmt"
	"sort"

	"atlas-server/models"
)

// FogLabel replaces the label of masked nodes deep in un-started territory.
const FogLabel = "Unexplored zone"

// ErrCycle is returned when the competency edges do not form a DAG. A cycle
// is a data-integrity bug in the bank, not a supported input; callers must
// surface it loudly instead of rendering a partial map.
type ErrCycle struct {
	Nodes []string
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("competency graph contains a cycle involving %d node(s): %v", len(e.Nodes), e.Nodes)
}

// parentsOf builds the reverse adjacency map (child -> parents) from edges.
// Edges referencing unknown nodes are ignored; the bank loader rejects them
// before they can be persisted.
func parentsOf(known map[string]bool, edges []models.CompetencyEdge) map[string][]string {
	parents := make(map[string][]string)
	for _, e := range edges {
		if !known[e.SourceID] || !known[e.TargetID] {
			continue
		}
		parents[e.TargetID] = append(parents[e.TargetID], e.SourceID)
	}
	return parents
}

// topoOrder runs Kahn's algorithm and returns node ids in topological order.
// If the graph is cyclic it returns ErrCycle listing the nodes left with
// unresolved prerequisites. This pre-pass guarantees the level computation
// below never recurses into a cycle.
func topoOrder(ids []string, parents map[string][]string) ([]string, error) {
	children := make(map[string][]string)
	indegree := make(map[string]int, len(ids))
	for _, id := range ids {
		indegree[id] = 0
	}
	for child, ps := range parents {
		for _, p := range ps {
			children[p] = append(children[p], child)
			indegree[child]++
		}
	}

	var queue []string
	for _, id := range ids {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(ids))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, child := range children[id] {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if len(order) != len(ids) {
		var stuck []string
		for id, d := range indegree {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, &ErrCycle{Nodes: stuck}
	}
	return order, nil
}

// Levels computes each node's level as the length of the longest path from
// any root: level(root)=1, level(n)=1+max(level(parent)). The graph is
// topologically sorted first, so a cyclic bank is reported as ErrCycle
// rather than silently assigned level 1.
func Levels(nodes []models.CompetencyNode, edges []models.CompetencyEdge) (map[string]int, error) {
	known := make(map[string]bool, len(nodes))
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		known[n.ID] = true
		ids = append(ids, n.ID)
	}
	parents := parentsOf(known, edges)

	order, err := topoOrder(ids, parents)
	if err != nil {
		return nil, err
	}

	levels := make(map[string]int, len(order))
	for _, id := range order {
		level := 1
		for _, p := range parents[id] {
			if levels[p]+1 > level {
				level = levels[p] + 1
			}
		}
		levels[id] = level
	}
	return levels, nil
}

// statusOf derives a node's render status from the student's progress
// evidence. Infection is terminal and always wins; a node with no
// prerequisites defaults to AVAILABLE; a node with prerequisites is
// AVAILABLE only when every parent has mastered/completed evidence.
func statusOf(id string, parents []string, progress map[string]models.StudentProgress) models.NodeStatus {
	if p, ok := progress[id]; ok {
		switch p.Status {
		case models.ProgressInfected, models.ProgressMisconception:
			return models.NodeInfected
		case models.ProgressMastered:
			return models.NodeMastered
		case models.ProgressCompleted:
			return models.NodeCompleted
		}
	}
	if len(parents) == 0 {
		return models.NodeAvailable
	}
	for _, parent := range parents {
		p, ok := progress[parent]
		if !ok || (p.Status != models.ProgressMastered && p.Status != models.ProgressCompleted) {
			return models.NodeLocked
		}
	}
	return models.NodeAvailable
}

// DeriveStudentView renders the per-student knowledge map: levels, status
// propagation, and the fog-of-war mask. The view is derived from current
// progress on every call and must not be cached.
//
// Fog of war: a LOCKED node that has at least one parent and no
// mastered/completed parent sits beyond the learner's visible frontier and
// is masked. A LOCKED node adjacent to completed work keeps its real label
// because it is the immediate next step.
func DeriveStudentView(
	nodes []models.CompetencyNode,
	edges []models.CompetencyEdge,
	progress map[string]models.StudentProgress,
	misconceptionTitles map[string]string,
) (*models.KnowledgeMap, error) {
	levels, err := Levels(nodes, edges)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[n.ID] = true
	}
	parents := parentsOf(known, edges)

	view := &models.KnowledgeMap{
		Nodes: make([]models.GraphNode, 0, len(nodes)),
		Edges: edges,
	}
	for _, n := range nodes {
		gn := models.GraphNode{
			ID:          n.ID,
			Label:       n.Title,
			Description: n.Description,
			Status:      statusOf(n.ID, parents[n.ID], progress),
			Level:       levels[n.ID],
		}

		if gn.Status == models.NodeInfected {
			if p, ok := progress[n.ID]; ok && p.MisconceptionID != nil {
				if title, ok := misconceptionTitles[*p.MisconceptionID]; ok {
					gn.InfectionReason = title
				} else {
					gn.InfectionReason = *p.MisconceptionID
				}
			}
		}

		if gn.Status == models.NodeLocked && len(parents[n.ID]) > 0 && !hasVisibleFrontier(parents[n.ID], progress) {
			gn.Label = FogLabel
			gn.Description = ""
		}

		view.Nodes = append(view.Nodes, gn)
	}
	return view, nil
}

func hasVisibleFrontier(parents []string, progress map[string]models.StudentProgress) bool {
	for _, parent := range parents {
		if p, ok := progress[parent]; ok {
			if p.Status == models.ProgressMastered || p.Status == models.ProgressCompleted {
				return true
			}
		}
	}
	return false
}

// FrictionScore ranks a node by disproportionate failure relative to
// success. The +1 both avoids division by zero and dampens the score for
// lightly-sampled nodes.
func FrictionScore(misconceptionCount, masteryCount int) float64 {
	return 1.5 * float64(misconceptionCount) / float64(masteryCount+1)
}
