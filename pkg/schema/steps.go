package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// StepKind enumerates the kinds of steps in a workflow.
type StepKind string

const (
	KindEvaluate     StepKind = "evaluate"
	KindToolCall     StepKind = "tool_call"
	KindPrompt       StepKind = "prompt"
	KindGet          StepKind = "get"
	KindSet          StepKind = "set"
	KindLog          StepKind = "log"
	KindEmbed        StepKind = "embed"
	KindSearch       StepKind = "search"
	KindReturn       StepKind = "return"
	KindSleep        StepKind = "sleep"
	KindError        StepKind = "error"
	KindYield        StepKind = "yield"
	KindWaitForInput StepKind = "wait_for_input"
	KindIfElse       StepKind = "if_else"
	KindSwitch       StepKind = "switch"
	KindForeach      StepKind = "foreach"
	KindParallel     StepKind = "parallel"
	KindMapReduce    StepKind = "map_reduce"
)

// Step is one unit of a workflow. The set of implementations is closed:
// only types in this package satisfy it.
type Step interface {
	Kind() StepKind
	isStep()
}

// EvaluateStep evaluates a mapping of expressions.
type EvaluateStep struct {
	Evaluate map[string]string `json:"evaluate"`
}

// ToolCallStep invokes a named tool.
type ToolCallStep struct {
	Tool      string            `json:"tool"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// PromptStep calls the language model. Prompt is either a template string
// or a list of chat messages.
type PromptStep struct {
	Prompt   any            `json:"prompt"`
	Settings map[string]any `json:"settings,omitempty"`
}

// GetStep reads one key from the user state.
type GetStep struct {
	Get string `json:"get"`
}

// SetStep writes evaluated expressions into the user state.
type SetStep struct {
	Set map[string]string `json:"set"`
}

// LogStep renders a template and records it in transition metadata.
type LogStep struct {
	Log string `json:"log"`
}

// EmbedStep embeds text.
type EmbedStep struct {
	Embed map[string]any `json:"embed"`
}

// SearchStep queries a document index.
type SearchStep struct {
	Search map[string]any `json:"search"`
}

// ReturnStep ends the current workflow with an evaluated mapping.
type ReturnStep struct {
	Return map[string]string `json:"return"`
}

// SleepFor is a duration decomposed into calendar-ish units.
type SleepFor struct {
	Seconds int `json:"seconds,omitempty"`
	Minutes int `json:"minutes,omitempty"`
	Hours   int `json:"hours,omitempty"`
	Days    int `json:"days,omitempty"`
}

// TotalSeconds returns seconds + minutes*60 + hours*3600 + days*86400,
// saturating at math.MaxInt64.
func (s SleepFor) TotalSeconds() int64 {
	approx := float64(s.Seconds) + float64(s.Minutes)*60 + float64(s.Hours)*3600 + float64(s.Days)*86400
	if approx >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(s.Seconds) + int64(s.Minutes)*60 + int64(s.Hours)*3600 + int64(s.Days)*86400
}

// maxSleepSeconds is the longest total a time.Duration can hold.
const maxSleepSeconds = math.MaxInt64 / int64(time.Second)

// Duration returns the total as a time.Duration. Totals past the range of
// time.Duration, about 292 years, are capped at the largest Duration.
func (s SleepFor) Duration() time.Duration {
	total := s.TotalSeconds()
	if total > maxSleepSeconds {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(total) * time.Second
}

// SleepStep suspends the workflow.
type SleepStep struct {
	Sleep SleepFor `json:"sleep"`
}

// ErrorStep fails the execution with a literal message.
type ErrorStep struct {
	Error string `json:"error"`
}

// YieldStep jumps to another workflow of the same task.
type YieldStep struct {
	Workflow  string            `json:"workflow"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// WaitForInputInfo describes what the execution is waiting for.
type WaitForInputInfo struct {
	Info map[string]string `json:"info"`
}

// WaitForInputStep suspends until external input arrives.
type WaitForInputStep struct {
	WaitForInput WaitForInputInfo `json:"wait_for_input"`
}

// IfElseStep runs Then or Else depending on a condition. Else is optional.
type IfElseStep struct {
	If   string `json:"if"`
	Then Step   `json:"then"`
	Else Step   `json:"else,omitempty"`
}

// CaseThen is one arm of a switch. A Case of "_" always matches.
type CaseThen struct {
	Case string `json:"case"`
	Then Step   `json:"then"`
}

// SwitchStep runs the first arm whose case holds.
type SwitchStep struct {
	Switch []CaseThen `json:"switch"`
}

// ForeachDo is the body of a foreach.
type ForeachDo struct {
	In string `json:"in"`
	Do Step   `json:"do"`
}

// ForeachStep runs Do once per item, sequentially.
type ForeachStep struct {
	Foreach ForeachDo `json:"foreach"`
}

// ParallelStep runs steps concurrently.
type ParallelStep struct {
	Parallel []Step `json:"parallel"`
}

// MapReduceStep maps a step over items and folds the results.
type MapReduceStep struct {
	Over    string `json:"over"`
	Map     Step   `json:"map"`
	Reduce  string `json:"reduce,omitempty"`
	Initial any    `json:"initial,omitempty"`
}

func (*EvaluateStep) Kind() StepKind     { return KindEvaluate }
func (*ToolCallStep) Kind() StepKind     { return KindToolCall }
func (*PromptStep) Kind() StepKind       { return KindPrompt }
func (*GetStep) Kind() StepKind          { return KindGet }
func (*SetStep) Kind() StepKind          { return KindSet }
func (*LogStep) Kind() StepKind          { return KindLog }
func (*EmbedStep) Kind() StepKind        { return KindEmbed }
func (*SearchStep) Kind() StepKind       { return KindSearch }
func (*ReturnStep) Kind() StepKind       { return KindReturn }
func (*SleepStep) Kind() StepKind        { return KindSleep }
func (*ErrorStep) Kind() StepKind        { return KindError }
func (*YieldStep) Kind() StepKind        { return KindYield }
func (*WaitForInputStep) Kind() StepKind { return KindWaitForInput }
func (*IfElseStep) Kind() StepKind       { return KindIfElse }
func (*SwitchStep) Kind() StepKind       { return KindSwitch }
func (*ForeachStep) Kind() StepKind      { return KindForeach }
func (*ParallelStep) Kind() StepKind     { return KindParallel }
func (*MapReduceStep) Kind() StepKind    { return KindMapReduce }

func (*EvaluateStep) isStep()     {}
func (*ToolCallStep) isStep()     {}
func (*PromptStep) isStep()       {}
func (*GetStep) isStep()          {}
func (*SetStep) isStep()          {}
func (*LogStep) isStep()          {}
func (*EmbedStep) isStep()        {}
func (*SearchStep) isStep()       {}
func (*ReturnStep) isStep()       {}
func (*SleepStep) isStep()        {}
func (*ErrorStep) isStep()        {}
func (*YieldStep) isStep()        {}
func (*WaitForInputStep) isStep() {}
func (*IfElseStep) isStep()       {}
func (*SwitchStep) isStep()       {}
func (*ForeachStep) isStep()      {}
func (*ParallelStep) isStep()     {}
func (*MapReduceStep) isStep()    {}

// --- JSON codec ---

// stepKeys maps the discriminating JSON key of each step object to a
// constructor. Order matters: "workflow" must be checked after keys that may
// legitimately co-occur with it.
var stepKeys = []struct {
	key  string
	kind StepKind
	new  func() Step
}{
	{"evaluate", KindEvaluate, func() Step { return &EvaluateStep{} }},
	{"tool", KindToolCall, func() Step { return &ToolCallStep{} }},
	{"prompt", KindPrompt, func() Step { return &PromptStep{} }},
	{"get", KindGet, func() Step { return &GetStep{} }},
	{"set", KindSet, func() Step { return &SetStep{} }},
	{"log", KindLog, func() Step { return &LogStep{} }},
	{"embed", KindEmbed, func() Step { return &EmbedStep{} }},
	{"search", KindSearch, func() Step { return &SearchStep{} }},
	{"return", KindReturn, func() Step { return &ReturnStep{} }},
	{"sleep", KindSleep, func() Step { return &SleepStep{} }},
	{"error", KindError, func() Step { return &ErrorStep{} }},
	{"wait_for_input", KindWaitForInput, func() Step { return &WaitForInputStep{} }},
	{"if", KindIfElse, func() Step { return &IfElseStep{} }},
	{"switch", KindSwitch, func() Step { return &SwitchStep{} }},
	{"foreach", KindForeach, func() Step { return &ForeachStep{} }},
	{"parallel", KindParallel, func() Step { return &ParallelStep{} }},
	{"over", KindMapReduce, func() Step { return &MapReduceStep{} }},
	{"workflow", KindYield, func() Step { return &YieldStep{} }},
}

// UnmarshalStep decodes a step object. The kind is identified by its
// discriminating key, e.g. {"log": "..."} or {"if": "...", "then": {...}}.
func UnmarshalStep(data []byte) (Step, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "step must be an object: %s", err.Error()).WithCause(err)
	}
	if fields == nil {
		return nil, NewError(ErrCodeValidation, "step must not be null")
	}
	for _, k := range stepKeys {
		if _, ok := fields[k.key]; !ok {
			continue
		}
		step := k.new()
		if err := json.Unmarshal(data, step); err != nil {
			return nil, NewErrorf(ErrCodeValidation, "decode %s step: %s", k.kind, err.Error()).
				WithStep(k.kind).WithCause(err)
		}
		return step, nil
	}
	return nil, NewErrorf(ErrCodeValidation, "unknown step kind (keys: %v)", sortedKeys(fields))
}

// unmarshalOptionalStep decodes a step unless raw is empty or null.
func unmarshalOptionalStep(raw json.RawMessage) (Step, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	return UnmarshalStep(raw)
}

// UnmarshalSteps decodes a JSON array of steps.
func UnmarshalSteps(data []byte) ([]Step, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "steps must be an array: %s", err.Error()).WithCause(err)
	}
	steps := make([]Step, 0, len(raws))
	for i, raw := range raws {
		s, err := UnmarshalStep(raw)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func (s *IfElseStep) UnmarshalJSON(data []byte) error {
	var aux struct {
		If   string          `json:"if"`
		Then json.RawMessage `json:"then"`
		Else json.RawMessage `json:"else"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	then, err := unmarshalOptionalStep(aux.Then)
	if err != nil {
		return fmt.Errorf("then: %w", err)
	}
	if then == nil {
		return NewError(ErrCodeValidation, "if_else requires a then step").WithStep(KindIfElse)
	}
	els, err := unmarshalOptionalStep(aux.Else)
	if err != nil {
		return fmt.Errorf("else: %w", err)
	}
	*s = IfElseStep{If: aux.If, Then: then, Else: els}
	return nil
}

func (c *CaseThen) UnmarshalJSON(data []byte) error {
	var aux struct {
		Case string          `json:"case"`
		Then json.RawMessage `json:"then"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	then, err := unmarshalOptionalStep(aux.Then)
	if err != nil {
		return fmt.Errorf("case %q: %w", aux.Case, err)
	}
	if then == nil {
		return NewErrorf(ErrCodeValidation, "case %q requires a then step", aux.Case).WithStep(KindSwitch)
	}
	*c = CaseThen{Case: aux.Case, Then: then}
	return nil
}

func (f *ForeachDo) UnmarshalJSON(data []byte) error {
	var aux struct {
		In string          `json:"in"`
		Do json.RawMessage `json:"do"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	do, err := unmarshalOptionalStep(aux.Do)
	if err != nil {
		return fmt.Errorf("do: %w", err)
	}
	if do == nil {
		return NewError(ErrCodeValidation, "foreach requires a do step").WithStep(KindForeach)
	}
	*f = ForeachDo{In: aux.In, Do: do}
	return nil
}

func (p *ParallelStep) UnmarshalJSON(data []byte) error {
	var aux struct {
		Parallel json.RawMessage `json:"parallel"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	steps, err := UnmarshalSteps(aux.Parallel)
	if err != nil {
		return fmt.Errorf("parallel: %w", err)
	}
	p.Parallel = steps
	return nil
}

func (m *MapReduceStep) UnmarshalJSON(data []byte) error {
	var aux struct {
		Over    string          `json:"over"`
		Map     json.RawMessage `json:"map"`
		Reduce  string          `json:"reduce"`
		Initial any             `json:"initial"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	mapStep, err := unmarshalOptionalStep(aux.Map)
	if err != nil {
		return fmt.Errorf("map: %w", err)
	}
	if mapStep == nil {
		return NewError(ErrCodeValidation, "map_reduce requires a map step").WithStep(KindMapReduce)
	}
	*m = MapReduceStep{Over: aux.Over, Map: mapStep, Reduce: aux.Reduce, Initial: aux.Initial}
	return nil
}
