package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tombee/maestro/pkg/ensemble"
	"github.com/tombee/maestro/pkg/ensemble/template"
	"github.com/tombee/maestro/pkg/errors"
)

// planGraph validates a graph flow before anything runs: dependency
// references must resolve, the DAG must be acyclic, and concurrent
// siblings must not declare overlapping state_set keys.
func planGraph(def *ensemble.Definition) error {
	byID := make(map[string]int, len(def.Flow))
	for i := range def.Flow {
		byID[def.Flow[i].ID()] = i
	}

	// Edges as in execution: explicit dependsOn, or an implicit edge
	// to the previous element preserving declared order.
	edges := make([][]int, len(def.Flow))
	indegree := make([]int, len(def.Flow))
	for i := range def.Flow {
		deps, err := elementDeps(def, byID, i)
		if err != nil {
			return err
		}
		for _, dep := range deps {
			edges[dep] = append(edges[dep], i)
			indegree[i]++
		}
	}

	// Kahn's algorithm; leftovers form a cycle.
	queue := make([]int, 0, len(def.Flow))
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range edges[n] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(def.Flow) {
		var cycle []string
		for i, d := range indegree {
			if d > 0 {
				cycle = append(cycle, def.Flow[i].ID())
			}
		}
		return &errors.CycleError{Nodes: cycle}
	}

	return checkWriteConflicts(def.Flow)
}

// elementDeps resolves the dependency indexes of flow element i.
func elementDeps(def *ensemble.Definition, byID map[string]int, i int) ([]int, error) {
	el := &def.Flow[i]
	if el.Step != nil && len(el.Step.DependsOn) > 0 {
		deps := make([]int, 0, len(el.Step.DependsOn))
		for _, ref := range el.Step.DependsOn {
			j, ok := byID[ref]
			if !ok {
				return nil, &errors.ValidationError{
					Field:      fmt.Sprintf("flow.%s.depends_on", el.ID()),
					Message:    fmt.Sprintf("unknown dependency: %s", ref),
					Suggestion: "depends_on must reference the id of another flow element",
				}
			}
			deps = append(deps, j)
		}
		return deps, nil
	}
	if i > 0 {
		return []int{i - 1}, nil
	}
	return nil, nil
}

// checkWriteConflicts rejects overlapping state_set declarations on
// elements that may run concurrently.
func checkWriteConflicts(elements []ensemble.FlowElement) error {
	for i := range elements {
		el := &elements[i]
		switch {
		case el.Parallel != nil:
			if err := siblingConflicts(el.Parallel.Steps); err != nil {
				return err
			}
			if err := checkWriteConflicts(el.Parallel.Steps); err != nil {
				return err
			}
		case el.Foreach != nil:
			if el.Foreach.MaxConcurrency != 1 {
				if keys := stateSetOf(el.Foreach.Steps); len(keys) > 0 {
					return &errors.ConflictError{
						Key:   keys[0],
						Steps: []string{el.ID()},
					}
				}
			}
			if err := checkWriteConflicts(el.Foreach.Steps); err != nil {
				return err
			}
		case el.MapReduce != nil:
			if el.MapReduce.MaxConcurrency != 1 {
				if keys := stateSetOf(el.MapReduce.Map); len(keys) > 0 {
					return &errors.ConflictError{
						Key:   keys[0],
						Steps: []string{el.ID()},
					}
				}
			}
			if err := checkWriteConflicts(el.MapReduce.Map); err != nil {
				return err
			}
			if err := checkWriteConflicts(el.MapReduce.Reduce); err != nil {
				return err
			}
		case el.Branch != nil:
			if err := checkWriteConflicts(el.Branch.Then); err != nil {
				return err
			}
			if err := checkWriteConflicts(el.Branch.Else); err != nil {
				return err
			}
		case el.While != nil:
			if err := checkWriteConflicts(el.While.Steps); err != nil {
				return err
			}
		case el.Try != nil:
			for _, block := range [][]ensemble.FlowElement{el.Try.Steps, el.Try.Catch, el.Try.Finally} {
				if err := checkWriteConflicts(block); err != nil {
					return err
				}
			}
		case el.Switch != nil:
			for _, block := range el.Switch.Cases {
				if err := checkWriteConflicts(block); err != nil {
					return err
				}
			}
			if err := checkWriteConflicts(el.Switch.Default); err != nil {
				return err
			}
		}
	}
	return nil
}

// siblingConflicts detects a state key written by more than one child
// subtree of a parallel block.
func siblingConflicts(siblings []ensemble.FlowElement) error {
	writers := make(map[string][]string)
	for i := range siblings {
		id := siblings[i].ID()
		for _, key := range stateSetOf(siblings[i : i+1]) {
			writers[key] = append(writers[key], id)
		}
	}
	for key, steps := range writers {
		if len(steps) > 1 {
			return &errors.ConflictError{Key: key, Steps: steps}
		}
	}
	return nil
}

// stateSetOf collects every state_set key declared in a subtree.
func stateSetOf(elements []ensemble.FlowElement) []string {
	var keys []string
	for i := range elements {
		el := &elements[i]
		switch {
		case el.Step != nil:
			keys = append(keys, el.Step.StateSet...)
		case el.Parallel != nil:
			keys = append(keys, stateSetOf(el.Parallel.Steps)...)
		case el.Branch != nil:
			keys = append(keys, stateSetOf(el.Branch.Then)...)
			keys = append(keys, stateSetOf(el.Branch.Else)...)
		case el.Foreach != nil:
			keys = append(keys, stateSetOf(el.Foreach.Steps)...)
		case el.While != nil:
			keys = append(keys, stateSetOf(el.While.Steps)...)
		case el.Try != nil:
			keys = append(keys, stateSetOf(el.Try.Steps)...)
			keys = append(keys, stateSetOf(el.Try.Catch)...)
			keys = append(keys, stateSetOf(el.Try.Finally)...)
		case el.Switch != nil:
			for _, block := range el.Switch.Cases {
				keys = append(keys, stateSetOf(block)...)
			}
			keys = append(keys, stateSetOf(el.Switch.Default)...)
		case el.MapReduce != nil:
			keys = append(keys, stateSetOf(el.MapReduce.Map)...)
			keys = append(keys, stateSetOf(el.MapReduce.Reduce)...)
		}
	}
	return keys
}

type graphNode struct {
	index int
	deps  []*graphNode
	done  chan struct{}
}

// runGraph dispatches the top-level flow as a DAG: a node starts once
// every dependency has completed or been skipped.
func (e *Engine) runGraph(ctx context.Context, ex *execution) error {
	byID := make(map[string]int, len(ex.def.Flow))
	for i := range ex.def.Flow {
		byID[ex.def.Flow[i].ID()] = i
	}

	nodes := make([]*graphNode, len(ex.def.Flow))
	for i := range ex.def.Flow {
		nodes[i] = &graphNode{index: i, done: make(chan struct{})}
	}
	for i := range ex.def.Flow {
		deps, err := elementDeps(ex.def, byID, i)
		if err != nil {
			return err
		}
		for _, d := range deps {
			nodes[i].deps = append(nodes[i].deps, nodes[d])
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			for _, dep := range node.deps {
				select {
				case <-dep.done:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if err := e.runElement(gctx, ex, &ex.def.Flow[node.index], nil); err != nil {
				return err
			}
			close(node.done)
			return nil
		})
	}
	return g.Wait()
}

// runSequence executes elements strictly in order, as inside a block.
func (e *Engine) runSequence(ctx context.Context, ex *execution, elements []ensemble.FlowElement, bindings map[string]any) error {
	for i := range elements {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.runElement(ctx, ex, &elements[i], bindings); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runElement(ctx context.Context, ex *execution, el *ensemble.FlowElement, bindings map[string]any) error {
	switch {
	case el.Step != nil:
		return e.runStep(ctx, ex, el.Step, bindings)
	case el.Parallel != nil:
		return e.runParallel(ctx, ex, el.Parallel, bindings)
	case el.Branch != nil:
		return e.runBranch(ctx, ex, el.Branch, bindings)
	case el.Foreach != nil:
		return e.runForeach(ctx, ex, el.Foreach, bindings)
	case el.While != nil:
		return e.runWhile(ctx, ex, el.While, bindings)
	case el.Try != nil:
		return e.runTry(ctx, ex, el.Try, bindings)
	case el.Switch != nil:
		return e.runSwitch(ctx, ex, el.Switch, bindings)
	case el.MapReduce != nil:
		return e.runMapReduce(ctx, ex, el.MapReduce, bindings)
	default:
		return &errors.ValidationError{Field: "flow", Message: "empty flow element"}
	}
}

func (e *Engine) runParallel(ctx context.Context, ex *execution, block *ensemble.ParallelElement, bindings map[string]any) error {
	if block.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, secondsDuration(block.Timeout))
		defer cancel()
	}

	if block.WaitFor == "any" {
		return e.runParallelAny(ctx, ex, block, bindings)
	}

	g, gctx := errgroup.WithContext(ctx)
	if block.MaxConcurrency > 0 {
		g.SetLimit(block.MaxConcurrency)
	}
	for i := range block.Steps {
		child := &block.Steps[i]
		g.Go(func() error {
			return e.runElement(gctx, ex, child, bindings)
		})
	}
	return g.Wait()
}

// runParallelAny returns on the first child success, cancelling the
// rest. All children fail means the block fails with the last error.
func (e *Engine) runParallelAny(ctx context.Context, ex *execution, block *ensemble.ParallelElement, bindings map[string]any) error {
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sem *semaphore.Weighted
	if block.MaxConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(block.MaxConcurrency))
	}

	results := make(chan error, len(block.Steps))
	for i := range block.Steps {
		child := &block.Steps[i]
		go func() {
			if sem != nil {
				if err := sem.Acquire(childCtx, 1); err != nil {
					results <- err
					return
				}
				defer sem.Release(1)
			}
			results <- e.runElement(childCtx, ex, child, bindings)
		}()
	}

	var lastErr error
	succeeded := false
	for range block.Steps {
		err := <-results
		if err == nil && !succeeded {
			succeeded = true
			cancel()
			continue
		}
		if suspend, ok := err.(*suspendError); ok {
			cancel()
			// Drain remaining children before surfacing the signal.
			lastErr = suspend
			continue
		}
		if err != nil {
			lastErr = err
		}
	}
	if succeeded {
		return nil
	}
	return lastErr
}

func (e *Engine) runBranch(ctx context.Context, ex *execution, block *ensemble.BranchElement, bindings map[string]any) error {
	pass, err := e.blockCondition(ex, block.Condition, bindings)
	if err != nil {
		return err
	}
	if pass {
		return e.runSequence(ctx, ex, block.Then, bindings)
	}
	return e.runSequence(ctx, ex, block.Else, bindings)
}

func (e *Engine) runForeach(ctx context.Context, ex *execution, block *ensemble.ForeachElement, bindings map[string]any) error {
	items, err := e.resolveItems(ex, block.Items, bindings)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		ex.recordOutput(block.ID, []any{})
		return nil
	}

	var sem *semaphore.Weighted
	if block.MaxConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(block.MaxConcurrency))
	}

	results := make([]any, len(items))
	executed := make([]bool, len(items))
	g, gctx := errgroup.WithContext(ctx)

	for i, item := range items {
		// breakWhen stops issuing new items; in-flight ones finish.
		if block.BreakWhen != "" {
			stop, err := e.blockCondition(ex, block.BreakWhen, bindings)
			if err != nil {
				return err
			}
			if stop {
				break
			}
		}

		if sem != nil {
			if err := sem.Acquire(gctx, 1); err != nil {
				break
			}
		}

		iterBindings := map[string]any{"item": item, "index": i, "total": len(items)}
		for k, v := range bindings {
			if _, shadowed := iterBindings[k]; !shadowed {
				iterBindings[k] = v
			}
		}
		scope := ex.childScope()
		executed[i] = true
		i := i
		g.Go(func() error {
			if sem != nil {
				defer sem.Release(1)
			}
			if err := e.runSequence(gctx, scope, block.Steps, iterBindings); err != nil {
				return err
			}
			results[i] = bodyResult(scope, block.Steps)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	collected := make([]any, 0, len(items))
	for i := range items {
		if executed[i] {
			collected = append(collected, results[i])
		}
	}
	ex.recordOutput(block.ID, collected)
	return nil
}

func (e *Engine) runWhile(ctx context.Context, ex *execution, block *ensemble.WhileElement, bindings map[string]any) error {
	cap := block.MaxIterations
	if cap <= 0 {
		cap = ensemble.DefaultMaxIterations
	}

	for iteration := 0; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		pass, err := e.blockCondition(ex, block.Condition, bindings)
		if err != nil {
			return err
		}
		if !pass {
			return nil
		}
		if iteration >= cap {
			return &errors.IterationLimitError{StepID: block.ID, MaxIterations: cap}
		}

		iterBindings := map[string]any{"iteration": iteration}
		for k, v := range bindings {
			if _, shadowed := iterBindings[k]; !shadowed {
				iterBindings[k] = v
			}
		}
		// Body steps completed by a previous iteration must run again;
		// completion tracking only skips work on resume.
		if iteration > 0 {
			ex.clearCompleted(elementIDs(block.Steps))
		}
		if err := e.runSequence(ctx, ex, block.Steps, iterBindings); err != nil {
			return err
		}
	}
}

func (e *Engine) runTry(ctx context.Context, ex *execution, block *ensemble.TryElement, bindings map[string]any) error {
	runErr := e.runSequence(ctx, ex, block.Steps, bindings)

	// finally runs on every exit path, including cancellation.
	defer func() {
		if len(block.Finally) > 0 {
			finallyCtx := context.WithoutCancel(ctx)
			if err := e.runSequence(finallyCtx, ex, block.Finally, bindings); err != nil {
				e.logger.Warn("finally block failed", "error", err.Error())
			}
		}
	}()

	if runErr == nil {
		return nil
	}
	if suspend, ok := runErr.(*suspendError); ok {
		return suspend
	}
	if ctx.Err() != nil {
		return runErr
	}
	if len(block.Catch) == 0 {
		return runErr
	}

	errBinding := map[string]any{
		"kind":    string(errors.Classify(runErr)),
		"message": runErr.Error(),
	}
	if stepErr, ok := runErr.(*stepError); ok {
		errBinding["step"] = stepErr.stepID
	}
	catchBindings := map[string]any{"error": errBinding}
	for k, v := range bindings {
		if _, shadowed := catchBindings[k]; !shadowed {
			catchBindings[k] = v
		}
	}
	return e.runSequence(ctx, ex, block.Catch, catchBindings)
}

func (e *Engine) runSwitch(ctx context.Context, ex *execution, block *ensemble.SwitchElement, bindings map[string]any) error {
	tmplCtx := ex.templateContext(ex.state.Snapshot(), bindings)
	resolved, err := e.interp.Resolve(block.Value, tmplCtx)
	if err != nil {
		return err
	}
	key := template.Stringify(resolved)

	if branch, ok := block.Cases[key]; ok {
		return e.runSequence(ctx, ex, branch, bindings)
	}
	return e.runSequence(ctx, ex, block.Default, bindings)
}

func (e *Engine) runMapReduce(ctx context.Context, ex *execution, block *ensemble.MapReduceElement, bindings map[string]any) error {
	items, err := e.resolveItems(ex, block.Items, bindings)
	if err != nil {
		return err
	}

	results := make([]any, len(items))
	g, gctx := errgroup.WithContext(ctx)
	if block.MaxConcurrency > 0 {
		g.SetLimit(block.MaxConcurrency)
	}
	for i, item := range items {
		iterBindings := map[string]any{"item": item, "index": i, "total": len(items)}
		for k, v := range bindings {
			if _, shadowed := iterBindings[k]; !shadowed {
				iterBindings[k] = v
			}
		}
		scope := ex.childScope()
		i := i
		g.Go(func() error {
			if err := e.runSequence(gctx, scope, block.Map, iterBindings); err != nil {
				return err
			}
			results[i] = bodyResult(scope, block.Map)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if len(block.Reduce) == 0 {
		ex.recordOutput(block.ID, results)
		return nil
	}

	reduceBindings := map[string]any{"items": results}
	for k, v := range bindings {
		if _, shadowed := reduceBindings[k]; !shadowed {
			reduceBindings[k] = v
		}
	}
	if err := e.runSequence(ctx, ex, block.Reduce, reduceBindings); err != nil {
		return err
	}
	ex.recordOutput(block.ID, bodyResult(ex, block.Reduce))
	return nil
}

// blockCondition evaluates a block-level condition. Conditions may be
// expressions or ${path} templates; either way the result is cast to
// boolean.
func (e *Engine) blockCondition(ex *execution, condition string, bindings map[string]any) (bool, error) {
	if condition == "" {
		return true, nil
	}
	tmplCtx := ex.templateContext(ex.state.Snapshot(), bindings)

	parsed, err := template.ParseString(condition)
	if err != nil {
		return false, err
	}
	if parsed.HasRefs() {
		return template.Truthy(parsed.Resolve(tmplCtx)), nil
	}
	return e.exprEval.Evaluate(condition, tmplCtx.ToMap())
}

// resolveItems resolves a foreach/map-reduce items reference to an
// array.
func (e *Engine) resolveItems(ex *execution, itemsRef string, bindings map[string]any) ([]any, error) {
	tmplCtx := ex.templateContext(ex.state.Snapshot(), bindings)
	resolved, err := e.interp.Resolve(itemsRef, tmplCtx)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, nil
	}
	items, ok := resolved.([]any)
	if !ok {
		return nil, &errors.ValidationError{
			Field:   "items",
			Message: fmt.Sprintf("items must resolve to an array, got %T", resolved),
		}
	}
	return items, nil
}

// elementIDs collects every element ID in a subtree.
func elementIDs(elements []ensemble.FlowElement) []string {
	var ids []string
	for i := range elements {
		el := &elements[i]
		if id := el.ID(); id != "" {
			ids = append(ids, id)
		}
		switch {
		case el.Parallel != nil:
			ids = append(ids, elementIDs(el.Parallel.Steps)...)
		case el.Branch != nil:
			ids = append(ids, elementIDs(el.Branch.Then)...)
			ids = append(ids, elementIDs(el.Branch.Else)...)
		case el.Foreach != nil:
			ids = append(ids, elementIDs(el.Foreach.Steps)...)
		case el.While != nil:
			ids = append(ids, elementIDs(el.While.Steps)...)
		case el.Try != nil:
			ids = append(ids, elementIDs(el.Try.Steps)...)
			ids = append(ids, elementIDs(el.Try.Catch)...)
			ids = append(ids, elementIDs(el.Try.Finally)...)
		case el.Switch != nil:
			for _, block := range el.Switch.Cases {
				ids = append(ids, elementIDs(block)...)
			}
			ids = append(ids, elementIDs(el.Switch.Default)...)
		case el.MapReduce != nil:
			ids = append(ids, elementIDs(el.MapReduce.Map)...)
			ids = append(ids, elementIDs(el.MapReduce.Reduce)...)
		}
	}
	return ids
}

func secondsDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// bodyResult picks the output of the last completed element of a block
// body, which becomes the iteration's collected result.
func bodyResult(ex *execution, body []ensemble.FlowElement) any {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	for i := len(body) - 1; i >= 0; i-- {
		if v, ok := ex.outputs[body[i].ID()]; ok {
			return v
		}
	}
	return nil
}
