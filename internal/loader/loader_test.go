package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

const greetYAML = `
name: greet
description: says hello
input_schema:
  type: object
  required: [name]
workflows:
  - name: main
    steps:
      - evaluate:
          greeting: "'hello ' + input.name"
      - if: "input.greeting != ''"
        then:
          log: "${{ input.greeting }}"
        else:
          error: empty greeting
      - foreach:
          in: "[1, 2]"
          do:
            set:
              last: "input.item"
      - sleep:
          seconds: 2
      - workflow: tail
        arguments:
          n: "1"
  - name: tail
    steps:
      - return:
          done: "true"
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseYAML(t *testing.T) {
	task, err := ParseYAML([]byte(greetYAML))
	require.NoError(t, err)

	assert.Equal(t, "greet", task.Name)
	assert.Equal(t, "object", task.InputSchema["type"])
	assert.Equal(t, []string{"main", "tail"}, task.WorkflowNames())

	main, ok := task.Workflow("main")
	require.True(t, ok)
	require.Len(t, main.Steps, 5)

	ev, ok := main.Steps[0].(*schema.EvaluateStep)
	require.True(t, ok)
	assert.Equal(t, "'hello ' + input.name", ev.Evaluate["greeting"])

	ifElse, ok := main.Steps[1].(*schema.IfElseStep)
	require.True(t, ok)
	assert.IsType(t, &schema.LogStep{}, ifElse.Then)
	assert.Equal(t, &schema.ErrorStep{Error: "empty greeting"}, ifElse.Else)

	foreach, ok := main.Steps[2].(*schema.ForeachStep)
	require.True(t, ok)
	assert.Equal(t, "[1, 2]", foreach.Foreach.In)
	assert.IsType(t, &schema.SetStep{}, foreach.Foreach.Do)

	assert.Equal(t, &schema.SleepStep{Sleep: schema.SleepFor{Seconds: 2}}, main.Steps[3])
	assert.Equal(t, &schema.YieldStep{Workflow: "tail", Arguments: map[string]string{"n": "1"}}, main.Steps[4])
}

func TestParseYAML_Errors(t *testing.T) {
	_, err := ParseYAML([]byte("name: [unclosed"))
	assert.Error(t, err)

	_, err = ParseYAML([]byte("name: t\nworkflows:\n  - name: main\n    steps:\n      - unknown: 1\n"))
	assert.Error(t, err)

	_, err = ParseYAML([]byte("name: t\nsteps: []\n"))
	assert.Error(t, err, "unknown top-level field")
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()

	task, err := ParseFile(writeFile(t, dir, "greet.yaml", greetYAML))
	require.NoError(t, err)
	assert.Equal(t, "greet", task.Name)

	task, err = ParseFile(writeFile(t, dir, "unnamed.json",
		`{"workflows":[{"name":"main","steps":[{"log":"x"}]}]}`))
	require.NoError(t, err)
	assert.Equal(t, "unnamed", task.Name)

	_, err = ParseFile(writeFile(t, dir, "task.toml", "name = 'x'"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = ParseFile(filepath.Join(dir, "missing.yaml"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yml", "name: second\nworkflows:\n  - name: main\n    steps:\n      - log: b\n")
	writeFile(t, dir, "a.json", `{"name":"first","workflows":[{"name":"main","steps":[{"log":"a"}]}]}`)
	writeFile(t, dir, "notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	tasks, err := LoadDirectory(dir)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "first", tasks[0].Name)
	assert.Equal(t, "second", tasks[1].Name)
}

func TestLoadDirectory_DuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "name: same\nworkflows:\n  - name: main\n    steps:\n      - log: a\n")
	writeFile(t, dir, "b.yaml", "name: same\nworkflows:\n  - name: main\n    steps:\n      - log: b\n")

	_, err := LoadDirectory(dir)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestLoadDirectory_Missing(t *testing.T) {
	_, err := LoadDirectory(filepath.Join(t.TempDir(), "nope"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}
