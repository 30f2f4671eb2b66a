package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dhanush-chevuri/julep/internal/engine"
	"github.com/dhanush-chevuri/julep/internal/loader"
	"github.com/dhanush-chevuri/julep/internal/scheduler"
	"github.com/dhanush-chevuri/julep/internal/store"
	"github.com/dhanush-chevuri/julep/internal/streaming"
	"github.com/dhanush-chevuri/julep/internal/validation"
	"github.com/dhanush-chevuri/julep/pkg/mcp"
	"github.com/dhanush-chevuri/julep/pkg/schema"
)

func runRun(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	argsJSON := fs.String("args", "", "execution arguments as a JSON object")
	argsFile := fs.String("args-file", "", "file holding the execution arguments as a JSON object")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: julep run [--args JSON | --args-file FILE] TASK_FILE")
		return 2
	}

	task, arguments, err := loadInvocation(fs.Arg(0), *argsJSON, *argsFile)
	if err != nil {
		return fail(err)
	}
	a, err := openApp(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.close()
	if !a.checkTask(task) {
		return 1
	}

	events, unsubscribe, err := a.hub.Subscribe(ctx, streaming.EventFilter{EventTypes: []string{schema.EventExecutionWaiting}})
	if err != nil {
		return fail(err)
	}
	defer unsubscribe()

	id, err := a.exec.Start(ctx, schema.ExecutionInput{Task: task, Arguments: arguments})
	if err != nil {
		return fail(err)
	}
	go a.feedInput(ctx, events, id, stdinAnswerer(os.Stdin, os.Stderr))

	res, err := a.exec.Wait(ctx, id)
	if errors.Is(err, context.Canceled) {
		// Interrupted: cancel the execution so it records where it stopped.
		if cerr := a.exec.Cancel(context.Background(), id); cerr != nil {
			a.logger.Warn("cancel on interrupt", slog.String("error", cerr.Error()))
		}
		res, err = a.exec.Wait(context.Background(), id)
	}
	if err != nil {
		return fail(err)
	}
	return printResult(res)
}

func runStart(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	argsJSON := fs.String("args", "", "execution arguments as a JSON object")
	argsFile := fs.String("args-file", "", "file holding the execution arguments as a JSON object")
	taskID := fs.String("id", "", "id to store the task under (default: the task name)")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: julep start [--id ID] [--args JSON | --args-file FILE] TASK_FILE")
		return 2
	}

	task, arguments, err := loadInvocation(fs.Arg(0), *argsJSON, *argsFile)
	if err != nil {
		return fail(err)
	}
	a, err := openApp(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.close()
	if !a.checkTask(task) {
		return 1
	}
	task.ID = *taskID
	if task.ID == "" {
		task.ID = task.Name
	}
	if err := a.store.PutTask(ctx, task); err != nil {
		return fail(err)
	}

	events, unsubscribe, err := a.hub.Subscribe(ctx, streaming.EventFilter{EventTypes: []string{
		schema.EventExecutionWaiting,
		schema.EventExecutionSucceeded,
		schema.EventExecutionFailed,
		schema.EventExecutionCancelled,
	}})
	if err != nil {
		return fail(err)
	}
	defer unsubscribe()

	id, err := a.exec.StartTask(ctx, task.ID, arguments)
	if err != nil {
		return fail(err)
	}
	for {
		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		case ev := <-events:
			if ev.ExecutionID != id {
				continue
			}
			exec, err := a.exec.Status(ctx, id)
			if err != nil {
				return fail(err)
			}
			printJSON(map[string]any{"execution_id": id, "task_id": task.ID, "status": exec.Status})
			if exec.Status == schema.ExecutionFailed {
				return 1
			}
			return 0
		}
	}
}

func runResume(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	input := fs.String("input", "", "JSON value for the first input wait; later waits read stdin")
	all := fs.Bool("all", false, "resume every interrupted execution")
	_ = fs.Parse(args)
	if (*all && fs.NArg() != 0) || (!*all && fs.NArg() != 1) {
		fmt.Fprintln(os.Stderr, "usage: julep resume [--input JSON] EXECUTION_ID | julep resume --all")
		return 2
	}

	a, err := openApp(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.close()

	if *all {
		ids, err := a.exec.RecoverInterrupted(ctx)
		if err != nil {
			return fail(err)
		}
		code := 0
		for _, id := range ids {
			res, err := a.exec.Wait(ctx, id)
			if err != nil {
				return fail(err)
			}
			if printResult(res) != 0 {
				code = 1
			}
		}
		return code
	}

	id := fs.Arg(0)
	events, unsubscribe, err := a.hub.Subscribe(ctx, streaming.EventFilter{EventTypes: []string{schema.EventExecutionWaiting}})
	if err != nil {
		return fail(err)
	}
	defer unsubscribe()

	answer := stdinAnswerer(os.Stdin, os.Stderr)
	if *input != "" {
		answer = presetAnswerer(parseValue(*input), answer)
	}
	go a.feedInput(ctx, events, id, answer)

	res, err := a.exec.Resume(ctx, id)
	if err != nil {
		return fail(err)
	}
	return printResult(res)
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: julep validate PATH...")
		return 2
	}

	validator, err := validation.NewTaskValidator()
	if err != nil {
		return fail(err)
	}
	code := 0
	for _, path := range fs.Args() {
		tasks, err := loadPath(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			code = 1
			continue
		}
		for _, task := range tasks {
			res := validator.Validate(task)
			printIssues(os.Stdout, task.Name, res)
			if !res.Valid() {
				code = 1
			}
		}
	}
	return code
}

func runSchedule(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	argsJSON := fs.String("args", "", "execution arguments as a JSON object")
	list := fs.Bool("list", false, "list scheduled jobs")
	disable := fs.String("disable", "", "pause the job with this id")
	enable := fs.String("enable", "", "resume the job with this id")
	remove := fs.String("delete", "", "delete the job with this id")
	_ = fs.Parse(args)

	a, err := openApp(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.close()
	sched := scheduler.NewScheduler(a.store, a.exec, a.logger)

	switch {
	case *list:
		jobs, err := a.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{})
		if err != nil {
			return fail(err)
		}
		printJSON(jobs)
		return 0
	case *disable != "":
		return failIf(sched.SetEnabled(ctx, *disable, false))
	case *enable != "":
		return failIf(sched.SetEnabled(ctx, *enable, true))
	case *remove != "":
		return failIf(sched.Unschedule(ctx, *remove))
	}

	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: julep schedule [--args JSON] TASK_ID CRON | --list | --enable ID | --disable ID | --delete ID")
		return 2
	}
	arguments, err := parseArguments(*argsJSON, "")
	if err != nil {
		return fail(err)
	}
	job, err := sched.Schedule(ctx, fs.Arg(0), fs.Arg(1), arguments)
	if err != nil {
		return fail(err)
	}
	printJSON(job)
	return 0
}

func runServe(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	httpAddr := fs.String("http", "", "serve streamable HTTP on this address instead of stdio (default: listen_addr setting)")
	taskDir := fs.String("tasks", "", "directory of task files to store at startup (default: task_dir setting)")
	noScheduler := fs.Bool("no-scheduler", false, "do not run scheduled jobs")
	_ = fs.Parse(args)

	a, err := openApp(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.close()

	if *httpAddr == "" {
		*httpAddr = a.cfg.ListenAddr
	}
	if *taskDir == "" {
		*taskDir = a.cfg.TaskDir
	}
	if *taskDir != "" {
		if err := a.storeTaskDir(ctx, *taskDir); err != nil {
			return fail(err)
		}
	}

	if ids, err := a.exec.RecoverInterrupted(ctx); err != nil {
		a.logger.Error("recover interrupted executions", slog.String("error", err.Error()))
	} else if len(ids) > 0 {
		a.logger.Info("resumed interrupted executions", slog.Any("execution_ids", ids))
	}

	if !*noScheduler {
		sched := scheduler.NewScheduler(a.store, a.exec, a.logger)
		if err := sched.Start(ctx); err != nil {
			return fail(err)
		}
		defer sched.Stop()
	}

	srv := mcp.NewServer(mcp.ServerDeps{
		Engine:    a.exec,
		Store:     a.store,
		Validator: a.validator,
		Hub:       a.hub,
		Logger:    a.logger,
		Version:   version,
	})
	if *httpAddr != "" {
		err = srv.ServeHTTP(ctx, *httpAddr)
	} else {
		err = srv.Serve(ctx)
	}
	m := a.exec.Metrics()
	a.logger.Info("server stopped",
		slog.Int64("executions_completed", m.Completed),
		slog.Int64("executions_failed", m.Failed),
		slog.Int64("executions_active", m.Active))
	if err != nil && !errors.Is(err, context.Canceled) {
		return fail(err)
	}
	return 0
}

// --- Helpers ---

// storeTaskDir validates and stores every task file of dir. Tasks are
// stored under their name unless they carry an id.
func (a *app) storeTaskDir(ctx context.Context, dir string) error {
	tasks, err := loader.LoadDirectory(dir)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := a.validator.ValidateTask(task); err != nil {
			return fmt.Errorf("task %q: %w", task.Name, err)
		}
		if task.ID == "" {
			task.ID = task.Name
		}
		if err := a.store.PutTask(ctx, task); err != nil {
			return err
		}
	}
	a.logger.Info("tasks loaded", slog.String("dir", dir), slog.Int("count", len(tasks)))
	return nil
}

// checkTask logs warnings and reports errors. It returns false when the
// task must not run.
func (a *app) checkTask(task *schema.Task) bool {
	res := a.validator.Validate(task)
	for _, w := range res.Warnings {
		a.logger.Warn(w.Message, slog.String("path", w.Path), slog.String("code", w.Code))
	}
	if !res.Valid() {
		printIssues(os.Stderr, task.Name, res)
		return false
	}
	return true
}

// feedInput answers each input wait of the lineage rooted at id until
// events closes or ctx ends.
func (a *app) feedInput(ctx context.Context, events <-chan streaming.StreamEvent, id string, answer answerer) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			// Every frame of the lineage reports the wait; answer it once.
			if ev.ExecutionID != id {
				continue
			}
			value, err := answer(a.waitInfo(ctx, id))
			if err != nil {
				a.logger.Warn("no input available", slog.String("execution_id", ev.ExecutionID), slog.String("error", err.Error()))
				return
			}
			if err := a.exec.ProvideInput(ctx, id, value); err != nil {
				a.logger.Error("provide input", slog.String("execution_id", id), slog.String("error", err.Error()))
			}
		}
	}
}

// waitInfo returns the output of the execution's latest wait transition.
func (a *app) waitInfo(ctx context.Context, executionID string) any {
	ts, err := a.exec.Transitions(ctx, executionID)
	if err != nil {
		return nil
	}
	for i := len(ts) - 1; i >= 0; i-- {
		if ts[i].Type == schema.TransitionWait {
			return ts[i].Output
		}
	}
	return nil
}

// answerer produces the value for one input wait.
type answerer func(info any) (any, error)

// stdinAnswerer prints the wait info to w and reads one line from r per
// wait. Lines holding JSON are decoded; anything else is used as text.
func stdinAnswerer(r io.Reader, w io.Writer) answerer {
	sc := bufio.NewScanner(r)
	return func(info any) (any, error) {
		data, _ := json.Marshal(info)
		fmt.Fprintf(w, "waiting for input %s\n> ", data)
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return parseValue(sc.Text()), nil
	}
}

// presetAnswerer answers the first wait with value and defers the rest.
func presetAnswerer(value any, next answerer) answerer {
	used := false
	return func(info any) (any, error) {
		if used {
			return next(info)
		}
		used = true
		return value, nil
	}
}

func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

// loadInvocation reads a task file and its arguments.
func loadInvocation(path, argsJSON, argsFile string) (*schema.Task, map[string]any, error) {
	task, err := loader.ParseFile(path)
	if err != nil {
		return nil, nil, err
	}
	arguments, err := parseArguments(argsJSON, argsFile)
	if err != nil {
		return nil, nil, err
	}
	return task, arguments, nil
}

// parseArguments decodes inline JSON or the contents of file. Both empty
// yields nil.
func parseArguments(inline, file string) (map[string]any, error) {
	data := []byte(inline)
	if file != "" {
		if inline != "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "use only one of --args and --args-file")
		}
		var err error
		if data, err = os.ReadFile(file); err != nil {
			return nil, err
		}
	}
	if len(data) == 0 {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "arguments must be a JSON object: %s", err.Error()).WithCause(err)
	}
	return args, nil
}

// loadPath loads one task file or every task file of a directory.
func loadPath(path string) ([]*schema.Task, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return loader.LoadDirectory(path)
	}
	task, err := loader.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return []*schema.Task{task}, nil
}

func printIssues(w io.Writer, name string, res *schema.ValidationResult) {
	if res.Valid() && len(res.Warnings) == 0 {
		fmt.Fprintf(w, "%s: ok\n", name)
		return
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "%s: error %s [%s] %s\n", name, e.Path, e.Code, e.Message)
	}
	for _, wn := range res.Warnings {
		fmt.Fprintf(w, "%s: warning %s [%s] %s\n", name, wn.Path, wn.Code, wn.Message)
	}
}

// printResult writes the result to stdout and returns the exit code.
func printResult(res *engine.ExecutionResult) int {
	printJSON(res)
	if res.Status != schema.ExecutionSucceeded {
		return 1
	}
	return 0
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) int {
	fmt.Fprintln(os.Stderr, "error:", err)
	return 1
}

func failIf(err error) int {
	if err != nil {
		return fail(err)
	}
	return 0
}
