package workflow

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/sudocode-ai/sudocode/common"
	"github.com/sudocode-ai/sudocode/db"
	"github.com/sudocode-ai/sudocode/jsonl"
)

// Create resolves a source to its issue set, builds the step DAG, verifies
// acyclicity, and persists the workflow. Goal workflows start empty.
func (e *Engine) Create(title string, source Source, baseBranch string, cfg Config) (*db.Workflow, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, common.NewError(common.KindWorkflowState, "BAD_WORKFLOW_CONFIG", errs[0])
	}

	issueIDs, err := e.resolveSource(source)
	if err != nil {
		return nil, err
	}

	steps, err := e.buildSteps(issueIDs)
	if err != nil {
		return nil, err
	}

	wf := &db.Workflow{
		ID:         fmt.Sprintf("wf-%s", uuid.New().String()[:8]),
		Title:      title,
		SourceType: source.Type,
		SourceRef:  source.Ref(),
		BaseBranch: baseBranch,
		Status:     db.WorkflowPending,
		ConfigJSON: MarshalConfig(cfg),
	}
	if cfg.ReuseWorktreePath != "" {
		wf.WorktreePath = cfg.ReuseWorktreePath
	}

	records := make([]db.WorkflowStep, len(steps))
	for i, s := range steps {
		records[i] = db.WorkflowStep{
			ID:          fmt.Sprintf("%s-step-%d", wf.ID, i),
			WorkflowID:  wf.ID,
			IssueID:     s.issueID,
			StepIndex:   i,
			DependsJSON: marshalDepends(s.depends),
			Status:      db.StepPending,
		}
	}
	// Dependency ids refer to step ids, so map issue ids over.
	idByIssue := make(map[string]string, len(records))
	for i := range records {
		idByIssue[records[i].IssueID] = records[i].ID
	}
	for i := range records {
		issueDeps := dependsList(records[i].DependsJSON)
		stepDeps := make([]string, 0, len(issueDeps))
		for _, issueID := range issueDeps {
			if stepID, ok := idByIssue[issueID]; ok {
				stepDeps = append(stepDeps, stepID)
			}
		}
		records[i].DependsJSON = marshalDepends(stepDeps)
	}

	if err := e.store.CreateWorkflow(wf, records); err != nil {
		return nil, err
	}
	e.logger.WithField("workflow_id", wf.ID).
		WithField("steps", len(records)).Info("Workflow created")
	return wf, nil
}

// builtStep is the pre-persistence step shape; depends holds issue ids.
type builtStep struct {
	issueID string
	depends []string
}

// resolveSource maps a workflow source to its ordered issue id set.
func (e *Engine) resolveSource(source Source) ([]string, error) {
	switch source.Type {
	case SourceIssues:
		if len(source.IssueIDs) == 0 {
			return nil, common.NewError(common.KindWorkflowState, "EMPTY_SOURCE",
				"issues source needs at least one issue id")
		}
		return source.IssueIDs, nil

	case SourceSpec:
		spec, err := e.store.GetEntityByID(string(jsonl.TypeSpec), source.SpecID)
		if err != nil {
			return nil, err
		}
		if spec == nil {
			return nil, common.NewError(common.KindNotFound, "SPEC_NOT_FOUND",
				fmt.Sprintf("spec %s not found", source.SpecID))
		}
		issues, err := e.store.ListEntities(string(jsonl.TypeIssue))
		if err != nil {
			return nil, err
		}
		var ids []string
		for _, issue := range issues {
			for _, rel := range issue.Relationships {
				if rel.Type == jsonl.RelImplements && rel.ToID == source.SpecID {
					ids = append(ids, issue.ID)
				}
			}
		}
		if len(ids) == 0 {
			return nil, common.NewError(common.KindWorkflowState, "EMPTY_SOURCE",
				fmt.Sprintf("spec %s has no child issues", source.SpecID))
		}
		sort.Strings(ids)
		return ids, nil

	case SourceRootIssue:
		return e.resolveRootIssue(source.RootIssueID)

	case SourceGoal:
		// Goal workflows start with no steps; an orchestrator appends them.
		return nil, nil

	default:
		return nil, common.NewError(common.KindWorkflowState, "BAD_SOURCE",
			fmt.Sprintf("unknown workflow source type %q", source.Type))
	}
}

// resolveRootIssue collects the root issue and the transitive closure of
// issues reachable through parent links pointing back at the set.
func (e *Engine) resolveRootIssue(rootID string) ([]string, error) {
	root, err := e.store.GetEntityByID(string(jsonl.TypeIssue), rootID)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, common.NewError(common.KindNotFound, "ISSUE_NOT_FOUND",
			fmt.Sprintf("issue %s not found", rootID))
	}
	issues, err := e.store.ListEntities(string(jsonl.TypeIssue))
	if err != nil {
		return nil, err
	}

	// children[parent] = issues declaring parent via a parent relationship.
	children := make(map[string][]string)
	for _, issue := range issues {
		for _, rel := range issue.Relationships {
			if rel.Type == jsonl.RelParent {
				children[rel.ToID] = append(children[rel.ToID], issue.ID)
			}
		}
	}

	var ids []string
	seen := map[string]bool{}
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
		kids := children[id]
		sort.Strings(kids)
		queue = append(queue, kids...)
	}
	return ids, nil
}

// buildSteps restricts the issue relationship graph to the resolved set and
// verifies acyclicity.
func (e *Engine) buildSteps(issueIDs []string) ([]builtStep, error) {
	inSet := make(map[string]bool, len(issueIDs))
	for _, id := range issueIDs {
		inSet[id] = true
	}

	steps := make([]builtStep, 0, len(issueIDs))
	deps := make(map[string][]string, len(issueIDs))
	for _, id := range issueIDs {
		issue, err := e.store.GetEntityByID(string(jsonl.TypeIssue), id)
		if err != nil {
			return nil, err
		}
		if issue == nil {
			return nil, common.NewError(common.KindNotFound, "ISSUE_NOT_FOUND",
				fmt.Sprintf("issue %s not found", id))
		}
		for _, rel := range issue.Relationships {
			switch rel.Type {
			case jsonl.RelDependsOn:
				if inSet[rel.ToID] {
					deps[id] = append(deps[id], rel.ToID)
				}
			case jsonl.RelBlocks:
				if inSet[rel.ToID] {
					deps[rel.ToID] = append(deps[rel.ToID], id)
				}
			}
		}
	}
	for _, id := range issueIDs {
		steps = append(steps, builtStep{issueID: id, depends: dedupe(deps[id])})
	}

	if cycles := findCycles(issueIDs, deps); len(cycles) > 0 {
		err := common.NewError(common.KindWorkflowCycle, "WORKFLOW_CYCLE",
			fmt.Sprintf("dependency graph has %d cycle(s)", len(cycles)))
		err.WithDetail("cycles", cycles)
		return nil, err
	}
	return steps, nil
}

// findCycles runs Tarjan's strongly-connected-components algorithm over the
// dependency graph and returns every component that forms a cycle.
func findCycles(nodes []string, edges map[string][]string) [][]string {
	index := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	counter := 0
	var cycles [][]string

	var strongConnect func(v string)
	strongConnect = func(v string) {
		index[v] = counter
		lowlink[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		targets := append([]string(nil), edges[v]...)
		sort.Strings(targets)
		for _, w := range targets {
			if _, visited := index[w]; !visited {
				strongConnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] && index[w] < lowlink[v] {
				lowlink[v] = index[w]
			}
		}

		if lowlink[v] == index[v] {
			var component []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				component = append(component, w)
				if w == v {
					break
				}
			}
			if len(component) > 1 {
				sort.Strings(component)
				cycles = append(cycles, component)
			} else if selfLoop(component[0], edges) {
				cycles = append(cycles, component)
			}
		}
	}

	ordered := append([]string(nil), nodes...)
	sort.Strings(ordered)
	for _, v := range ordered {
		if _, visited := index[v]; !visited {
			strongConnect(v)
		}
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })
	return cycles
}

func selfLoop(node string, edges map[string][]string) bool {
	for _, w := range edges[node] {
		if w == node {
			return true
		}
	}
	return false
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// AppendStep adds a step to an existing workflow, revalidating acyclicity
// against the current graph. Terminal workflows reject appends. This is how
// goal-source workflows receive their steps.
func (e *Engine) AppendStep(workflowID, issueID string, dependsOnStepIDs []string) (*db.WorkflowStep, error) {
	wf, err := e.store.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, common.NewError(common.KindNotFound, "WORKFLOW_NOT_FOUND",
			fmt.Sprintf("workflow %s not found", workflowID))
	}
	if db.TerminalWorkflowStatus(wf.Status) {
		return nil, common.NewError(common.KindWorkflowState, "WORKFLOW_TERMINAL",
			fmt.Sprintf("workflow %s is %s", workflowID, wf.Status))
	}

	existing, err := e.store.GetWorkflowSteps(workflowID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(existing))
	for _, s := range existing {
		known[s.ID] = true
	}
	for _, dep := range dependsOnStepIDs {
		if !known[dep] {
			return nil, common.NewError(common.KindWorkflowStep, "STEP_NOT_FOUND",
				fmt.Sprintf("dependency step %s not found", dep))
		}
	}

	newStep := db.WorkflowStep{
		ID:          fmt.Sprintf("%s-step-%d", workflowID, len(existing)),
		WorkflowID:  workflowID,
		IssueID:     issueID,
		StepIndex:   len(existing),
		DependsJSON: marshalDepends(dependsOnStepIDs),
		Status:      db.StepPending,
	}

	// Rebuild the graph including the candidate and re-verify acyclicity.
	nodes := make([]string, 0, len(existing)+1)
	edges := make(map[string][]string)
	for _, s := range existing {
		nodes = append(nodes, s.ID)
		edges[s.ID] = dependsList(s.DependsJSON)
	}
	nodes = append(nodes, newStep.ID)
	edges[newStep.ID] = dependsOnStepIDs
	if cycles := findCycles(nodes, edges); len(cycles) > 0 {
		err := common.NewError(common.KindWorkflowCycle, "WORKFLOW_CYCLE",
			"appending step would create a cycle")
		err.WithDetail("cycles", cycles)
		return nil, err
	}

	if err := e.store.AppendWorkflowStep(&newStep); err != nil {
		return nil, err
	}
	return &newStep, nil
}

// stepView couples a persisted step with its parsed dependency list.
type stepView struct {
	db.WorkflowStep
	depends []string
}

func viewSteps(steps []db.WorkflowStep) []stepView {
	out := make([]stepView, len(steps))
	for i, s := range steps {
		out[i] = stepView{WorkflowStep: s, depends: dependsList(s.DependsJSON)}
	}
	return out
}
