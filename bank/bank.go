// Package bank loads the authored knowledge bank (competency graph,
// misconceptions, probe sets) from YAML and publishes it to the store.
package bank

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"atlas-server/db"
	"atlas-server/graph"
	"atlas-server/models"
	"atlas-server/utils"
)

const sourceName = "bank_loader"

// Bank is the parsed knowledge bank file.
type Bank struct {
	Nodes          []NodeSpec          `yaml:"nodes"`
	Edges          []EdgeSpec          `yaml:"edges"`
	Misconceptions []MisconceptionSpec `yaml:"misconceptions"`
	ProbeSets      []ProbeSetSpec      `yaml:"probe_sets"`
}

// NodeSpec authors one competency node.
type NodeSpec struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
}

// EdgeSpec authors one prerequisite edge.
type EdgeSpec struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// MisconceptionSpec authors one named misconception.
type MisconceptionSpec struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
}

// ProbeSetSpec authors one deliverable probe set.
type ProbeSetSpec struct {
	ID     string      `yaml:"id"`
	Title  string      `yaml:"title"`
	Probes []ProbeSpec `yaml:"probes"`
}

// ProbeSpec authors one diagnostic probe.
type ProbeSpec struct {
	ID         string           `yaml:"id"`
	Competency string           `yaml:"competency"`
	Type       models.ProbeType `yaml:"type"`
	Stem       string           `yaml:"stem"`
	Options    []OptionSpec     `yaml:"options"`
}

// OptionSpec authors one probe option. Diagnoses names the misconception a
// trap option reveals; Gap marks the "I don't know" option.
type OptionSpec struct {
	ID        string `yaml:"id"`
	Content   string `yaml:"content"`
	Correct   bool   `yaml:"correct"`
	Gap       bool   `yaml:"gap"`
	Feedback  string `yaml:"feedback"`
	Diagnoses string `yaml:"diagnoses"`
}

// Parse decodes a knowledge bank document.
func Parse(data []byte) (*Bank, error) {
	var b Bank
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse knowledge bank: %w", err)
	}
	return &b, nil
}

// Validate checks the bank's internal consistency before anything touches
// the store. Every finding names the offending id so authors can fix the
// file without reading loader code.
func Validate(b *Bank) []error {
	var findings []error

	nodeIDs := make(map[string]bool, len(b.Nodes))
	for _, n := range b.Nodes {
		if n.ID == "" || n.Title == "" {
			findings = append(findings, fmt.Errorf("node %q: id and title are required", n.ID))
			continue
		}
		if nodeIDs[n.ID] {
			findings = append(findings, fmt.Errorf("node %q: duplicate id", n.ID))
		}
		nodeIDs[n.ID] = true
	}

	for _, e := range b.Edges {
		if !nodeIDs[e.Source] || !nodeIDs[e.Target] {
			findings = append(findings, fmt.Errorf("edge %s->%s: references an unknown node", e.Source, e.Target))
		}
	}

	miscIDs := make(map[string]bool, len(b.Misconceptions))
	for _, m := range b.Misconceptions {
		if m.ID == "" || m.Title == "" {
			findings = append(findings, fmt.Errorf("misconception %q: id and title are required", m.ID))
			continue
		}
		if miscIDs[m.ID] {
			findings = append(findings, fmt.Errorf("misconception %q: duplicate id", m.ID))
		}
		miscIDs[m.ID] = true
	}

	for _, set := range b.ProbeSets {
		if set.ID == "" {
			findings = append(findings, fmt.Errorf("probe set with empty id"))
			continue
		}
		for _, p := range set.Probes {
			findings = append(findings, validateProbe(set.ID, p, nodeIDs, miscIDs)...)
		}
	}

	// The prerequisite structure must be a DAG; a cycle is an authoring
	// error, never silently leveled.
	nodes := make([]models.CompetencyNode, len(b.Nodes))
	for i, n := range b.Nodes {
		nodes[i] = models.CompetencyNode{ID: n.ID, Title: n.Title, Description: n.Description}
	}
	edges := make([]models.CompetencyEdge, len(b.Edges))
	for i, e := range b.Edges {
		edges[i] = models.CompetencyEdge{SourceID: e.Source, TargetID: e.Target}
	}
	if _, err := graph.Levels(nodes, edges); err != nil {
		findings = append(findings, err)
	}

	return findings
}

func validateProbe(setID string, p ProbeSpec, nodeIDs, miscIDs map[string]bool) []error {
	var findings []error
	where := fmt.Sprintf("probe set %s, probe %q", setID, p.ID)

	if p.ID == "" || p.Stem == "" {
		findings = append(findings, fmt.Errorf("%s: id and stem are required", where))
	}
	if !p.Type.Valid() {
		findings = append(findings, fmt.Errorf("%s: unknown probe type %q", where, p.Type))
	}
	if !nodeIDs[p.Competency] {
		findings = append(findings, fmt.Errorf("%s: unknown competency %q", where, p.Competency))
	}
	if len(p.Options) < 2 {
		findings = append(findings, fmt.Errorf("%s: needs at least 2 options", where))
	}

	correct, plainWrong := 0, 0
	seen := make(map[string]bool, len(p.Options))
	for _, o := range p.Options {
		if o.ID == "" {
			findings = append(findings, fmt.Errorf("%s: option with empty id", where))
			continue
		}
		if seen[o.ID] {
			findings = append(findings, fmt.Errorf("%s: duplicate option id %q", where, o.ID))
		}
		seen[o.ID] = true
		if o.Correct {
			correct++
			if o.Gap {
				findings = append(findings, fmt.Errorf("%s: option %q is a gap option and cannot be correct", where, o.ID))
			}
			if o.Diagnoses != "" {
				findings = append(findings, fmt.Errorf("%s: option %q diagnoses a misconception and cannot be correct", where, o.ID))
			}
		} else if !o.Gap {
			plainWrong++
		}
		if o.Diagnoses != "" && !miscIDs[o.Diagnoses] {
			findings = append(findings, fmt.Errorf("%s: option %q references unknown misconception %q", where, o.ID, o.Diagnoses))
		}
	}
	if correct == 0 {
		findings = append(findings, fmt.Errorf("%s: needs at least one correct option", where))
	}
	if p.Type == models.ProbeRanking && plainWrong == 0 {
		findings = append(findings, fmt.Errorf("%s: ranking probe needs at least one plain distractor", where))
	}
	return findings
}

// Loader reads, validates and publishes the knowledge bank.
type Loader struct {
	pool *pgxpool.Pool
	path string
}

// NewLoader wires a loader for the bank file at path.
func NewLoader(pool *pgxpool.Pool, path string) *Loader {
	return &Loader{pool: pool, path: path}
}

// Reload re-reads the bank file and publishes it atomically. A validation
// failure leaves the store untouched and logs every finding with an
// authoring hint.
func (l *Loader) Reload(ctx context.Context, actor string) error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		db.LogError(l.pool, sourceName, "", "path", err.Error(), "Check bank_path in the server configuration.")
		return fmt.Errorf("failed to read bank file: %w", err)
	}
	b, err := Parse(data)
	if err != nil {
		db.LogError(l.pool, sourceName, "", "yaml", err.Error(), "Fix the YAML syntax in the bank file.")
		return err
	}

	if findings := Validate(b); len(findings) > 0 {
		for _, f := range findings {
			db.LogError(l.pool, sourceName, "", "bank", f.Error(), "Fix the named entry in the bank file and reload.")
		}
		return fmt.Errorf("knowledge bank rejected: %d validation finding(s), first: %v", len(findings), findings[0])
	}

	if err := l.publish(ctx, b); err != nil {
		db.LogError(l.pool, sourceName, "", "publish", err.Error(), "")
		return err
	}

	db.LogAdminEvent(l.pool, actor, "bank_reload", l.path,
		fmt.Sprintf("%d nodes, %d edges, %d misconceptions, %d probe sets",
			len(b.Nodes), len(b.Edges), len(b.Misconceptions), len(b.ProbeSets)))
	log.Printf("[ATLAS] knowledge bank published: %d nodes, %d probe sets", len(b.Nodes), len(b.ProbeSets))
	return nil
}

// publish upserts the whole bank in one transaction so readers never see a
// half-loaded graph.
func (l *Loader) publish(ctx context.Context, b *Bank) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin bank transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, n := range b.Nodes {
		if _, err := tx.Exec(ctx, `
			INSERT INTO competency_nodes (id, title, description) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET title = $2, description = $3
		`, n.ID, n.Title, n.Description); err != nil {
			return fmt.Errorf("failed to upsert node %s: %w", n.ID, err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM competency_edges`); err != nil {
		return fmt.Errorf("failed to clear edges: %w", err)
	}
	for _, e := range b.Edges {
		if _, err := tx.Exec(ctx, `
			INSERT INTO competency_edges (source_id, target_id) VALUES ($1, $2)
		`, e.Source, e.Target); err != nil {
			return fmt.Errorf("failed to insert edge %s->%s: %w", e.Source, e.Target, err)
		}
	}

	for _, m := range b.Misconceptions {
		if _, err := tx.Exec(ctx, `
			INSERT INTO misconceptions (id, title, description) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET title = $2, description = $3
		`, m.ID, m.Title, m.Description); err != nil {
			return fmt.Errorf("failed to upsert misconception %s: %w", m.ID, err)
		}
	}

	for _, set := range b.ProbeSets {
		if _, err := tx.Exec(ctx, `
			INSERT INTO probe_sets (id, title) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET title = $2
		`, set.ID, set.Title); err != nil {
			return fmt.Errorf("failed to upsert probe set %s: %w", set.ID, err)
		}
		for _, p := range set.Probes {
			if _, err := tx.Exec(ctx, `
				INSERT INTO diagnostic_probes (id, probe_set_id, competency_id, probe_type, stem)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (id) DO UPDATE SET probe_set_id = $2, competency_id = $3, probe_type = $4, stem = $5
			`, p.ID, set.ID, p.Competency, p.Type, p.Stem); err != nil {
				return fmt.Errorf("failed to upsert probe %s: %w", p.ID, err)
			}
			if _, err := tx.Exec(ctx, `DELETE FROM probe_options WHERE probe_id = $1`, p.ID); err != nil {
				return fmt.Errorf("failed to clear options for probe %s: %w", p.ID, err)
			}
			for order, o := range p.Options {
				if _, err := tx.Exec(ctx, `
					INSERT INTO probe_options
						(probe_id, id, content, is_correct, is_gap, feedback, diagnoses_misconception_id, option_order)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				`, p.ID, o.ID, o.Content, o.Correct, o.Gap, utils.StringPtr(o.Feedback), utils.StringPtr(o.Diagnoses), order); err != nil {
					return fmt.Errorf("failed to insert option %s on probe %s: %w", o.ID, p.ID, err)
				}
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit bank transaction: %w", err)
	}
	return nil
}
