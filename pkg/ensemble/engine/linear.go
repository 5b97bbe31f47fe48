package engine

import (
	"context"

	"github.com/tombee/maestro/pkg/ensemble"
	"github.com/tombee/maestro/pkg/errors"
)

// runLinear walks a flow of plain steps strictly in declared order,
// starting at startIndex (non-zero when resuming). A suspend signal
// carries the index of the suspended step so resumption restarts
// there.
func (e *Engine) runLinear(ctx context.Context, ex *execution, startIndex int) error {
	for i := startIndex; i < len(ex.def.Flow); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		step := ex.def.Flow[i].Step
		if step == nil {
			return &errors.ValidationError{
				Field:   "flow",
				Message: "linear executor requires plain steps only",
			}
		}

		if err := e.runStep(ctx, ex, step, nil); err != nil {
			if suspend, ok := err.(*suspendError); ok {
				suspend.payload["resumeAtIndex"] = i
				return suspend
			}
			return err
		}
	}
	return nil
}

// isLinear reports whether every flow entry is a plain step with no
// dependsOn edges, making the flow eligible for the linear executor.
func isLinear(def *ensemble.Definition) bool {
	if def.HasGraphConstructs() {
		return false
	}
	for _, el := range def.Flow {
		if el.Step != nil && len(el.Step.DependsOn) > 0 {
			return false
		}
	}
	return true
}
