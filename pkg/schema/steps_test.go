package schema

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalStep_Kinds(t *testing.T) {
	cases := map[string]StepKind{
		`{"evaluate": {"x": "1 + 1"}}`:                       KindEvaluate,
		`{"tool": "weather", "arguments": {"city": "_.c"}}`:  KindToolCall,
		`{"prompt": "hello ${{ _.name }}"}`:                  KindPrompt,
		`{"get": "counter"}`:                                 KindGet,
		`{"set": {"counter": "1"}}`:                          KindSet,
		`{"log": "value is ${{ _ }}"}`:                       KindLog,
		`{"embed": {"text": "abc"}}`:                         KindEmbed,
		`{"search": {"text": "abc"}}`:                        KindSearch,
		`{"return": {"result": "_.x"}}`:                      KindReturn,
		`{"sleep": {"seconds": 5}}`:                          KindSleep,
		`{"error": "boom"}`:                                  KindError,
		`{"workflow": "other", "arguments": {"a": "1"}}`:     KindYield,
		`{"wait_for_input": {"info": {"q": "'why?'"}}}`:      KindWaitForInput,
		`{"if": "_.ok", "then": {"log": "yes"}}`:             KindIfElse,
		`{"switch": [{"case": "_", "then": {"log": "x"}}]}`:  KindSwitch,
		`{"foreach": {"in": "_.items", "do": {"log": "i"}}}`: KindForeach,
		`{"parallel": [{"log": "a"}, {"log": "b"}]}`:         KindParallel,
		`{"over": "_.items", "map": {"evaluate": {"v": "_"}}}`: KindMapReduce,
	}
	for raw, want := range cases {
		step, err := UnmarshalStep([]byte(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, want, step.Kind(), raw)
	}
}

func TestUnmarshalStep_UnknownKind(t *testing.T) {
	_, err := UnmarshalStep([]byte(`{"frobnicate": 1}`))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeValidation))
	assert.Contains(t, err.Error(), "frobnicate")
}

func TestUnmarshalStep_NotObject(t *testing.T) {
	_, err := UnmarshalStep([]byte(`"log"`))
	assert.True(t, IsCode(err, ErrCodeValidation))

	_, err = UnmarshalStep([]byte(`null`))
	assert.True(t, IsCode(err, ErrCodeValidation))
}

func TestUnmarshalStep_NestedComposites(t *testing.T) {
	raw := `{
		"if": "_.n > 1",
		"then": {"foreach": {"in": "_.items", "do": {"switch": [
			{"case": "_.item == 'a'", "then": {"return": {"v": "'a'"}}},
			{"case": "_", "then": {"error": "unexpected"}}
		]}}},
		"else": {"over": "_.items", "map": {"evaluate": {"v": "_"}}, "reduce": "results + [_.v]", "initial": []}
	}`
	step, err := UnmarshalStep([]byte(raw))
	require.NoError(t, err)

	ie, ok := step.(*IfElseStep)
	require.True(t, ok)
	fe, ok := ie.Then.(*ForeachStep)
	require.True(t, ok)
	assert.Equal(t, "_.items", fe.Foreach.In)
	sw, ok := fe.Foreach.Do.(*SwitchStep)
	require.True(t, ok)
	require.Len(t, sw.Switch, 2)
	assert.Equal(t, KindReturn, sw.Switch[0].Then.Kind())
	assert.Equal(t, &ErrorStep{Error: "unexpected"}, sw.Switch[1].Then)

	mr, ok := ie.Else.(*MapReduceStep)
	require.True(t, ok)
	assert.Equal(t, "results + [_.v]", mr.Reduce)
	assert.Equal(t, []any{}, mr.Initial)
	assert.Equal(t, KindEvaluate, mr.Map.Kind())
}

func TestUnmarshalStep_MissingBody(t *testing.T) {
	for _, raw := range []string{
		`{"if": "true"}`,
		`{"foreach": {"in": "_"}}`,
		`{"over": "_"}`,
		`{"switch": [{"case": "_"}]}`,
	} {
		_, err := UnmarshalStep([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func TestStep_MarshalRoundTrip(t *testing.T) {
	orig := &IfElseStep{
		If:   "_.ok",
		Then: &SleepStep{Sleep: SleepFor{Minutes: 1}},
		Else: &ParallelStep{Parallel: []Step{&LogStep{Log: "a"}, &GetStep{Get: "k"}}},
	}
	data, err := json.Marshal(orig)
	require.NoError(t, err)

	back, err := UnmarshalStep(data)
	require.NoError(t, err)
	assert.Equal(t, orig, back)
}

func TestSleepFor_TotalSeconds(t *testing.T) {
	s := SleepFor{Seconds: 5, Minutes: 2, Hours: 1, Days: 1}
	assert.Equal(t, int64(5+120+3600+86400), s.TotalSeconds())
	assert.Equal(t, int64(0), SleepFor{}.TotalSeconds())
	assert.Equal(t, int64(5), int64(SleepFor{Seconds: 5}.Duration().Seconds()))
}

func TestSleepFor_DurationBeyondRange(t *testing.T) {
	assert.Equal(t, 24*time.Hour, SleepFor{Days: 1}.Duration())

	long := SleepFor{Days: 200000}
	assert.Equal(t, int64(200000*86400), long.TotalSeconds())
	assert.Equal(t, time.Duration(math.MaxInt64), long.Duration())

	huge := SleepFor{Days: math.MaxInt}
	assert.Equal(t, int64(math.MaxInt64), huge.TotalSeconds())
	assert.Equal(t, time.Duration(math.MaxInt64), huge.Duration())
}
