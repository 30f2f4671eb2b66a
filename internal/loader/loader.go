// Package loader reads task definitions from YAML or JSON files.
package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// ParseFile loads a task from a file. The file extension selects the
// format. A task without a name is named after the file.
func ParseFile(path string) (*schema.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read task file: %s", err.Error()).WithCause(err)
	}

	var task *schema.Task
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		task, err = ParseJSON(data)
	case ".yml", ".yaml":
		task, err = ParseYAML(data)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported file extension: %s", ext)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse %s: %s", path, err.Error()).WithCause(err)
	}
	if task.Name == "" {
		task.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return task, nil
}

// ParseYAML loads a task from YAML. The document is converted to JSON so
// the step codec decides each step's kind.
func ParseYAML(data []byte) (*schema.Task, error) {
	js, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, err
	}
	return ParseJSON(js)
}

// ParseJSON loads a task from JSON. Unknown top-level fields are rejected.
func ParseJSON(data []byte) (*schema.Task, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var task schema.Task
	if err := dec.Decode(&task); err != nil {
		return nil, err
	}
	return &task, nil
}

// LoadDirectory loads every YAML and JSON file of dir in lexicographical
// order. Two files defining the same task name are an error.
func LoadDirectory(dir string) ([]*schema.Task, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read task directory: %s", err.Error()).WithCause(err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yml", ".yaml", ".json":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)

	tasks := make([]*schema.Task, 0, len(files))
	names := make(map[string]string, len(files))
	for _, file := range files {
		task, err := ParseFile(file)
		if err != nil {
			return nil, err
		}
		if prev, dup := names[task.Name]; dup {
			return nil, schema.NewError(schema.ErrCodeConflict,
				fmt.Sprintf("task %q defined in both %s and %s", task.Name, prev, file))
		}
		names[task.Name] = file
		tasks = append(tasks, task)
	}
	return tasks, nil
}
