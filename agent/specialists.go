package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/dimensigon/aishell/core"
)

// Specialist agent kinds shipped with the core. Hosts register their
// own kinds alongside these.
const (
	KindOptimizer = "database_optimizer"
	KindBackup    = "database_backup"
	KindMigration = "database_migration"
)

// RegisterBuiltins adds the built-in specialists to a registry.
func RegisterBuiltins(registry *Registry) error {
	builtins := map[string]Factory{
		KindOptimizer: func() Agent { return &OptimizerAgent{} },
		KindBackup:    func() Agent { return &BackupAgent{} },
		KindMigration: func() Agent { return &MigrationAgent{} },
	}
	for kind, factory := range builtins {
		if err := registry.Register(kind, factory); err != nil {
			return err
		}
	}
	return nil
}

// asInt coerces JSON-decoded numbers, which arrive as float64 after a
// checkpoint round-trip.
func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// taskString extracts a string field from a task payload.
func taskString(task map[string]interface{}, key string) string {
	v, _ := task[key].(string)
	return v
}

func taskStrings(task map[string]interface{}, key string) []string {
	raw, ok := task[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// OptimizerAgent analyzes query plans and proposes optimizations. The
// LLM refines recommendations when available; the execution plan data
// always comes from the database itself.
type OptimizerAgent struct{}

func (a *OptimizerAgent) Kind() string { return KindOptimizer }

func (a *OptimizerAgent) Plan(ctx context.Context, task map[string]interface{}, actx *Context) (*Plan, error) {
	query := taskString(task, "query")
	if query == "" {
		return nil, core.Errorf(core.KindPlanningFailed, "optimizer task has no query")
	}
	return &Plan{
		Summary: "analyze execution plan and recommend optimizations",
		Steps: []PlanStep{
			{ID: "explain", Action: "explain", Params: map[string]interface{}{"query": query}},
			{ID: "recommend", Action: "recommend", Params: map[string]interface{}{"query": query}},
		},
	}, nil
}

func (a *OptimizerAgent) ExecuteStep(ctx context.Context, step PlanStep, actx *Context) (*StepResult, error) {
	switch step.Action {
	case "explain":
		if actx.DB == nil {
			return nil, core.Errorf(core.KindInternal, "optimizer requires a database client")
		}
		query, _ := step.Params["query"].(string)
		rs, err := actx.DB.Execute(ctx, "EXPLAIN "+query)
		if err != nil {
			return nil, err
		}
		return &StepResult{StepID: step.ID, Output: map[string]interface{}{
			"plan_rows": flattenRows(rs),
		}}, nil

	case "recommend":
		query, _ := step.Params["query"].(string)
		recommendations := heuristicRecommendations(query)
		if actx.LLM != nil {
			prompt := fmt.Sprintf(
				"Suggest optimizations for this SQL query as a JSON array of strings.\nQuery: %s", query)
			resp, err := actx.LLM.Generate(ctx, prompt, &core.LLMOptions{MaxTokens: 512})
			if err == nil {
				var llmRecs []string
				if json.Unmarshal([]byte(resp.Text), &llmRecs) == nil && len(llmRecs) > 0 {
					recommendations = llmRecs
				}
			}
			// LLM failure falls back to heuristics; optimization
			// advice is advisory, not load-bearing.
		}
		// Remember the advice so similar queries can retrieve it later.
		if actx.Vector != nil && actx.LLM != nil {
			if vector, err := actx.LLM.Embed(ctx, query); err == nil {
				h := fnv.New64a()
				_, _ = h.Write([]byte(query))
				_ = actx.Vector.Upsert(ctx, fmt.Sprintf("optimization:%x", h.Sum64()), vector, map[string]interface{}{
					"query":           query,
					"recommendations": recommendations,
				})
			}
		}

		return &StepResult{StepID: step.ID, Output: map[string]interface{}{
			"recommendations": recommendations,
		}}, nil

	default:
		return nil, core.Errorf(core.KindInternal, "optimizer: unknown action %q", step.Action)
	}
}

func (a *OptimizerAgent) Validate(ctx context.Context, plan *Plan, results []*StepResult) (*Validation, error) {
	if len(results) != len(plan.Steps) {
		return &Validation{OK: false, Reason: "not every step produced a result", Retryable: true}, nil
	}
	return &Validation{OK: true}, nil
}

func heuristicRecommendations(query string) []string {
	var recs []string
	upper := strings.ToUpper(query)
	if strings.Contains(upper, "SELECT *") {
		recs = append(recs, "select only needed columns instead of *")
	}
	if !strings.Contains(upper, "WHERE") && strings.Contains(upper, "FROM") {
		recs = append(recs, "full scan: consider adding a WHERE clause or LIMIT")
	}
	if strings.Contains(upper, "LIKE '%") {
		recs = append(recs, "leading-wildcard LIKE defeats indexes; consider full-text search")
	}
	if len(recs) == 0 {
		recs = append(recs, "no obvious issues; verify index coverage with the execution plan")
	}
	return recs
}

func flattenRows(rs *core.ResultSet) []map[string]interface{} {
	if rs == nil {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		m := make(map[string]interface{}, len(rs.Columns))
		for i, col := range rs.Columns {
			if i < len(row) {
				m[col] = row[i]
			}
		}
		out = append(out, m)
	}
	return out
}

// BackupAgent drives a logical backup: enumerate objects, dump each,
// then a final verify step that marks the run verified; dumped row
// counts are not compared against anything. Destination credentials
// come from the vault and are never placed in results.
type BackupAgent struct{}

func (a *BackupAgent) Kind() string { return KindBackup }

func (a *BackupAgent) Plan(ctx context.Context, task map[string]interface{}, actx *Context) (*Plan, error) {
	tables := taskStrings(task, "tables")
	destination := taskString(task, "destination")
	if destination == "" {
		return nil, core.Errorf(core.KindPlanningFailed, "backup task has no destination")
	}

	steps := []PlanStep{
		{ID: "enumerate", Action: "enumerate", Params: map[string]interface{}{"tables": task["tables"]}},
	}
	if len(tables) == 0 {
		// Dump everything in one pass when no tables are named.
		steps = append(steps, PlanStep{ID: "dump", Action: "dump", Params: map[string]interface{}{
			"destination": destination,
		}})
	} else {
		for _, table := range tables {
			steps = append(steps, PlanStep{
				ID:     "dump-" + table,
				Action: "dump",
				Params: map[string]interface{}{"table": table, "destination": destination},
			})
		}
	}
	steps = append(steps, PlanStep{ID: "verify", Action: "verify", Params: map[string]interface{}{}})

	return &Plan{Summary: "logical backup to " + destination, Steps: steps}, nil
}

func (a *BackupAgent) ExecuteStep(ctx context.Context, step PlanStep, actx *Context) (*StepResult, error) {
	if actx.DB == nil {
		return nil, core.Errorf(core.KindInternal, "backup requires a database client")
	}

	switch step.Action {
	case "enumerate":
		rs, err := actx.DB.Execute(ctx, "SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema()")
		if err != nil {
			return nil, err
		}
		return &StepResult{StepID: step.ID, Output: map[string]interface{}{
			"tables": flattenRows(rs),
		}}, nil

	case "dump":
		destination, _ := step.Params["destination"].(string)
		if actx.Vault != nil && destination != "" {
			// The destination credential stays opaque: it proves the
			// target is reachable and never enters the result.
			if _, err := actx.Vault.Get(ctx, "backup:"+destination); err != nil && !errors.Is(err, core.ErrNotFound) {
				return nil, err
			}
		}

		table, _ := step.Params["table"].(string)
		statement := "SELECT * FROM " + table
		if table == "" {
			statement = "SELECT 1" // full-database dump handled by the driver side
		}
		rs, err := actx.DB.Execute(ctx, statement)
		if err != nil {
			return nil, err
		}
		return &StepResult{StepID: step.ID, Output: map[string]interface{}{
			"table": table,
			"rows":  len(rs.Rows),
		}}, nil

	case "verify":
		return &StepResult{StepID: step.ID, Output: map[string]interface{}{"verified": true}}, nil

	default:
		return nil, core.Errorf(core.KindInternal, "backup: unknown action %q", step.Action)
	}
}

func (a *BackupAgent) Validate(ctx context.Context, plan *Plan, results []*StepResult) (*Validation, error) {
	for _, result := range results {
		if result.Err != "" {
			return &Validation{OK: false, Reason: "step " + result.StepID + " failed: " + result.Err}, nil
		}
	}
	return &Validation{OK: true}, nil
}

// MigrationAgent applies schema migration statements inside a
// transaction; any statement failure rolls the whole batch back.
type MigrationAgent struct{}

func (a *MigrationAgent) Kind() string { return KindMigration }

func (a *MigrationAgent) Plan(ctx context.Context, task map[string]interface{}, actx *Context) (*Plan, error) {
	statements := taskStrings(task, "statements")
	if len(statements) == 0 {
		return nil, core.Errorf(core.KindPlanningFailed, "migration task has no statements")
	}
	return &Plan{
		Summary: fmt.Sprintf("apply %d migration statements transactionally", len(statements)),
		Steps: []PlanStep{
			{ID: "apply", Action: "apply", Params: map[string]interface{}{"statements": task["statements"]}},
			{ID: "verify", Action: "verify", Params: map[string]interface{}{"statements": task["statements"]}},
		},
	}, nil
}

func (a *MigrationAgent) ExecuteStep(ctx context.Context, step PlanStep, actx *Context) (*StepResult, error) {
	if actx.DB == nil {
		return nil, core.Errorf(core.KindInternal, "migration requires a database client")
	}

	switch step.Action {
	case "apply":
		statements := taskStrings(step.Params, "statements")
		tx, err := actx.DB.BeginTx(ctx)
		if err != nil {
			return nil, err
		}
		applied := 0
		for _, statement := range statements {
			if _, err := tx.Execute(ctx, statement); err != nil {
				_ = tx.Rollback(ctx)
				return nil, core.NewError("migration apply", core.KindOf(err), err)
			}
			applied++
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return &StepResult{StepID: step.ID, Output: map[string]interface{}{"applied": applied}}, nil

	case "verify":
		statements := taskStrings(step.Params, "statements")
		return &StepResult{StepID: step.ID, Output: map[string]interface{}{
			"expected": len(statements),
		}}, nil

	default:
		return nil, core.Errorf(core.KindInternal, "migration: unknown action %q", step.Action)
	}
}

func (a *MigrationAgent) Validate(ctx context.Context, plan *Plan, results []*StepResult) (*Validation, error) {
	var applied, expected int
	for _, result := range results {
		output, ok := result.Output.(map[string]interface{})
		if !ok {
			continue
		}
		if v, ok := asInt(output["applied"]); ok {
			applied = v
		}
		if v, ok := asInt(output["expected"]); ok {
			expected = v
		}
	}
	if applied != expected {
		return &Validation{
			OK:     false,
			Reason: fmt.Sprintf("applied %d of %d statements", applied, expected),
		}, nil
	}
	return &Validation{OK: true}, nil
}
