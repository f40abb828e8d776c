// clanker-loop runs the remediation cycle for a single pull request. It is
// normally spawned by clanker-spankerd, which reads the marker lines this
// process prints on stdout. Exit code 0 means the PR came out clean; exit
// code 1 means the iteration budget ran out.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ANonABento/clanker-spanker/exec"
	"github.com/ANonABento/clanker-spanker/github"
	"github.com/ANonABento/clanker-spanker/logger"
	"github.com/ANonABento/clanker-spanker/loop"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		repo          = flag.String("repo", "", "repository as owner/name (required)")
		pr            = flag.Int("pr", 0, "pull request number (required)")
		maxIterations = flag.Int("max-iterations", 10, "iteration budget")
		interval      = flag.Int("interval", 15, "minutes to sleep between iterations")
		workDir       = flag.String("work-dir", "", "local clone to run fixes in")
		logFile       = flag.String("log-file", "", "structured log destination")
	)
	flag.Parse()

	if *repo == "" || *pr <= 0 {
		fmt.Fprintln(os.Stderr, "clanker-loop: -repo and -pr are required")
		flag.Usage()
		return 2
	}

	logPath := *logFile
	if logPath == "" {
		var err error
		logPath, err = logger.DefaultLogPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "clanker-loop: %v\n", err)
			return 2
		}
	}
	if err := logger.Init(logPath); err != nil {
		fmt.Fprintf(os.Stderr, "clanker-loop: %v\n", err)
		return 2
	}
	defer logger.Close()
	log := logger.WithComponent("loop")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	executor := exec.NewRealExecutor()
	gh := github.New(executor)
	gh.SetWorkDir(*workDir)
	fixer := github.NewFixRunner(executor, *workDir)

	runner := loop.NewRunner(loop.Config{
		Repo:            *repo,
		Number:          *pr,
		MaxIterations:   *maxIterations,
		IntervalMinutes: *interval,
		WorkDir:         *workDir,
	}, gh, gh, fixer, os.Stdout, log)

	outcome, err := runner.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("loop cancelled")
			return 130
		}
		log.Error("loop failed", "error", err)
		fmt.Fprintf(os.Stderr, "clanker-loop: %v\n", err)
		return 2
	}

	if outcome == loop.OutcomeMaxIterations {
		return 1
	}
	return 0
}
