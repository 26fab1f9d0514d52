// Command rosie scans a repository for traceability records and talks to the
// system of record to sync manifests, upload evidence and request releases.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fatih/color"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2

	defaultActor = "ci-agent@rosie.local"
)

const usage = `usage: rosie <command> [flags]

commands:
  scan       scan the project and print the trace graph
  sync       sync the manifest to the system of record
  status     show approval status
  evidence   upload test execution evidence
  release    request a release readiness token
`

type cli struct {
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
	// dir is the project directory the commands operate on.
	dir    string
	gitSHA func(ctx context.Context, dir string) (string, error)
	now    func() time.Time
}

func main() {
	dir, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailure)
	}
	c := &cli{
		stdout: color.Output,
		stderr: color.Error,
		getenv: os.Getenv,
		dir:    dir,
		gitSHA: gitHeadSHA,
		now:    time.Now,
	}
	os.Exit(c.run(context.Background(), os.Args[1:]))
}

func (c *cli) run(ctx context.Context, args []string) int {
	if len(args) < 1 {
		fmt.Fprint(c.stderr, usage)
		return exitUsage
	}
	switch args[0] {
	case "scan":
		return c.scan(args[1:])
	case "sync":
		return c.sync(ctx, args[1:])
	case "status":
		return c.status(ctx, args[1:])
	case "evidence":
		return c.evidence(ctx, args[1:])
	case "release":
		return c.release(ctx, args[1:])
	case "-h", "--help", "help":
		fmt.Fprint(c.stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(c.stderr, "unknown command %q\n\n%s", args[0], usage)
		return exitUsage
	}
}

func gitHeadSHA(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
