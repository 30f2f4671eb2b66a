// Command julep runs task definitions on the local durable engine and
// serves them over MCP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const usage = `usage: julep <command> [flags]

commands:
  run       run a task file to completion, answering input waits from stdin
  start     store a task file and start it; exits once it waits or finishes
  resume    continue an interrupted execution from its last checkpoint
  validate  check task files or a directory of them
  diagram   draw a task file or an execution's progress
  schedule  start a stored task on a cron schedule
  serve     serve the MCP tools over stdio or HTTP
  version   print the version`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := dispatch(ctx, os.Args[1], os.Args[2:])
	stop()
	os.Exit(code)
}

func dispatch(ctx context.Context, cmd string, args []string) int {
	switch cmd {
	case "run":
		return runRun(ctx, args)
	case "start":
		return runStart(ctx, args)
	case "resume":
		return runResume(ctx, args)
	case "validate":
		return runValidate(args)
	case "diagram":
		return runDiagram(ctx, args)
	case "schedule":
		return runSchedule(ctx, args)
	case "serve":
		return runServe(ctx, args)
	case "version", "--version", "-v":
		printVersion(os.Stdout)
		return 0
	case "help", "--help", "-h":
		fmt.Println(usage)
		return 0
	}
	fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", cmd, usage)
	return 2
}
