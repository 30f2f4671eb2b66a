package expressions

import "github.com/dhanush-chevuri/julep/pkg/schema"

// Scope builds the variables visible to a step's expressions:
//
//	_, input  the current input (output of the previous step)
//	inputs    every prior output, index 0 being the arguments
//	outputs   prior outputs without the arguments
//	args      the original invocation arguments
//	state     the user state snapshot
func Scope(sc *schema.StepContext) map[string]any {
	current := sc.CurrentInput()
	state := sc.UserState
	if state == nil {
		state = map[string]any{}
	}
	return map[string]any{
		"_":       current,
		"input":   current,
		"inputs":  sc.Inputs,
		"outputs": sc.Outputs(),
		"args":    sc.ExecutionInput.Arguments,
		"state":   state,
	}
}

// ReduceScope builds the variables of a map-reduce reduce expression.
func ReduceScope(results, output any) map[string]any {
	return map[string]any{
		"results": results,
		"_":       output,
		"input":   output,
	}
}
