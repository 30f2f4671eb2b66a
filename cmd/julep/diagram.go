package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dhanush-chevuri/julep/internal/diagram"
	"github.com/dhanush-chevuri/julep/internal/loader"
	"github.com/dhanush-chevuri/julep/pkg/schema"
)

func runDiagram(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("diagram", flag.ExitOnError)
	format := fs.String("format", "ascii", "output format: ascii, mermaid, png or svg")
	out := fs.String("o", "", "write to this file instead of stdout")
	execution := fs.Bool("execution", false, "treat the argument as an execution id and overlay its progress")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: julep diagram [--format ascii|mermaid|png|svg] [-o FILE] (TASK_FILE | --execution EXECUTION_ID)")
		return 2
	}

	var (
		task        *schema.Task
		transitions []*schema.Transition
		err         error
	)
	if *execution {
		task, transitions, err = executionTask(ctx, fs.Arg(0))
	} else {
		task, err = loader.ParseFile(fs.Arg(0))
	}
	if err != nil {
		return fail(err)
	}

	model, err := diagram.Build(task, transitions)
	if err != nil {
		return fail(err)
	}
	rendered, err := renderDiagram(ctx, model, *format)
	if err != nil {
		return fail(err)
	}

	if *out == "" {
		_, err = os.Stdout.Write(rendered)
		return failIf(err)
	}
	return failIf(os.WriteFile(*out, rendered, 0o644))
}

func renderDiagram(ctx context.Context, model *diagram.DiagramModel, format string) ([]byte, error) {
	switch format {
	case "ascii":
		return []byte(diagram.RenderASCII(model)), nil
	case "mermaid":
		return []byte(diagram.RenderMermaid(model)), nil
	}
	return diagram.RenderImage(ctx, model, format)
}

// executionTask loads the task an execution runs along with its recorded
// transitions.
func executionTask(ctx context.Context, id string) (*schema.Task, []*schema.Transition, error) {
	a, err := openApp(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer a.close()

	exec, err := a.exec.Status(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	transitions, err := a.exec.Transitions(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return exec.Input.Task, transitions, nil
}
