// Package loop implements the per-PR remediation cycle: check CI, check
// unresolved review threads, trigger fixes, sleep, repeat. It runs inside
// the clanker-loop process and reports progress to its supervisor through
// marker lines on stdout (see the marker package).
package loop

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ANonABento/clanker-spanker/marker"
)

const (
	// maxCIWaits is how many times a pending CI result is re-queried
	// before the loop proceeds anyway.
	maxCIWaits = 3

	// defaultCIWaitInterval is the delay between pending CI re-queries.
	defaultCIWaitInterval = 5 * time.Minute

	// maxThreadPages bounds review-thread pagination as a safety net
	// against a runaway cursor.
	maxThreadPages = 10
)

// Outcome is the loop's terminal result.
type Outcome string

const (
	// OutcomeClean means CI passed with zero unresolved threads.
	OutcomeClean Outcome = marker.StatusClean

	// OutcomeMaxIterations means the iteration budget ran out first.
	OutcomeMaxIterations Outcome = marker.StatusMaxIterations
)

// Config holds the parameters for one loop run.
type Config struct {
	Repo            string // "owner/name"
	Number          int    // PR number
	MaxIterations   int
	IntervalMinutes int
	WorkDir         string // resolved local clone, may be empty
}

// Runner executes the remediation cycle for a single PR.
type Runner struct {
	cfg     Config
	ci      CIStatusChecker
	threads ThreadLister
	fixer   FixInvoker
	out     io.Writer
	log     *slog.Logger

	// knownThreads holds the unresolved thread IDs seen on the previous
	// iteration, used to report how many comments are new. Ephemeral on
	// purpose: diffing is observability only, never a termination input.
	knownThreads map[string]struct{}

	// lastUnresolved is the most recent successfully fetched unresolved
	// set, reused when a fetch fails mid-run.
	lastUnresolved []Thread
	haveSnapshot   bool

	// Test seams.
	sleep          func(ctx context.Context, d time.Duration) error
	ciWaitInterval time.Duration
}

// NewRunner creates a Runner. Markers and free-text progress lines are
// written to out; structured logs go to log.
func NewRunner(cfg Config, ci CIStatusChecker, threads ThreadLister, fixer FixInvoker, out io.Writer, log *slog.Logger) *Runner {
	return &Runner{
		cfg:            cfg,
		ci:             ci,
		threads:        threads,
		fixer:          fixer,
		out:            out,
		log:            log,
		knownThreads:   make(map[string]struct{}),
		sleep:          sleepCtx,
		ciWaitInterval: defaultCIWaitInterval,
	}
}

// SetSleepFunc replaces the inter-iteration sleep (for testing).
func (r *Runner) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	r.sleep = fn
}

// SetCIWaitInterval overrides the pending-CI re-query delay (for testing).
func (r *Runner) SetCIWaitInterval(d time.Duration) {
	r.ciWaitInterval = d
}

// Run executes the loop until the PR is clean, the iteration budget is
// exhausted, or the context is cancelled. The terminal marker has already
// been emitted when Run returns a nil error.
func (r *Runner) Run(ctx context.Context) (Outcome, error) {
	r.log.Info("loop starting",
		"repo", r.cfg.Repo, "pr", r.cfg.Number,
		"maxIterations", r.cfg.MaxIterations, "intervalMinutes", r.cfg.IntervalMinutes)

	for iter := 1; iter <= r.cfg.MaxIterations; iter++ {
		r.emit(marker.Iteration(iter, r.cfg.MaxIterations))
		r.printf("iteration %d of %d for %s#%d", iter, r.cfg.MaxIterations, r.cfg.Repo, r.cfg.Number)

		ci, err := r.awaitCI(ctx)
		if err != nil {
			return "", err
		}

		if ci == CIFailure {
			r.printf("CI is failing, invoking CI fix")
			if err := r.fixer.Invoke(ctx, FixCI, r.cfg.Repo, r.cfg.Number, nil); err != nil {
				// Best effort, no retry at this layer. The next
				// iteration re-checks CI from scratch.
				r.log.Warn("CI fix invocation failed", "error", err)
				r.printf("CI fix failed: %v", err)
			} else {
				r.printf("CI fix finished")
			}
		}

		unresolved := r.fetchUnresolved(ctx)
		if err := ctx.Err(); err != nil {
			return "", err
		}
		r.emit(marker.CommentsFound(len(unresolved)))

		if len(unresolved) == 0 && ci == CISuccess {
			r.printf("PR is clean: CI green, no unresolved comments")
			r.emit(marker.Status(marker.StatusClean))
			return OutcomeClean, nil
		}

		if len(unresolved) > 0 {
			newCount := r.countNew(unresolved)
			r.printf("%d unresolved comment thread(s), %d new since last check", len(unresolved), newCount)
			if err := r.fixer.Invoke(ctx, FixComments, r.cfg.Repo, r.cfg.Number, unresolved); err != nil {
				r.log.Warn("comment fix invocation failed", "error", err)
				r.printf("comment fix failed: %v", err)
			} else {
				r.printf("comment fix finished")
			}
			r.rememberThreads(unresolved)
		}

		if iter == r.cfg.MaxIterations {
			break
		}

		r.emit(marker.Sleeping(r.cfg.IntervalMinutes))
		r.printf("sleeping %d minute(s)", r.cfg.IntervalMinutes)
		if err := r.sleep(ctx, time.Duration(r.cfg.IntervalMinutes)*time.Minute); err != nil {
			return "", err
		}
	}

	r.printf("iteration budget exhausted for %s#%d", r.cfg.Repo, r.cfg.Number)
	r.emit(marker.Status(marker.StatusMaxIterations))
	return OutcomeMaxIterations, nil
}

// awaitCI queries CI, waiting out a pending result up to maxCIWaits times.
// A result that is still pending after all waits is returned as-is: the
// loop proceeds treating it as non-blocking rather than aborting.
func (r *Runner) awaitCI(ctx context.Context) (CIState, error) {
	ci := r.queryCI(ctx)
	r.emit(marker.CIStatus(string(ci)))

	for wait := 1; ci == CIPending && wait <= maxCIWaits; wait++ {
		r.emit(marker.CIWait(wait, maxCIWaits))
		r.printf("CI pending, wait %d of %d", wait, maxCIWaits)
		if err := r.sleep(ctx, r.ciWaitInterval); err != nil {
			return "", err
		}
		ci = r.queryCI(ctx)
		r.emit(marker.CIStatus(string(ci)))
	}

	if ci == CIPending {
		r.log.Warn("CI still pending after waits, proceeding", "waits", maxCIWaits)
		r.printf("CI still pending after %d waits, proceeding anyway", maxCIWaits)
	}
	return ci, nil
}

// queryCI wraps the checker. Provider errors degrade to pending, which never
// satisfies the clean condition and so can only delay, not corrupt, the run.
func (r *Runner) queryCI(ctx context.Context) CIState {
	ci, err := r.ci.CheckCI(ctx, r.cfg.Repo, r.cfg.Number)
	if err != nil {
		r.log.Warn("CI status check failed", "error", err)
		r.printf("CI status check failed: %v", err)
		return CIPending
	}
	return ci
}

// fetchUnresolved pages through review threads and returns the unresolved
// ones. On a fetch error it falls back to the last successful snapshot so a
// transient provider failure cannot fake a clean PR.
func (r *Runner) fetchUnresolved(ctx context.Context) []Thread {
	var unresolved []Thread
	cursor := ""
	for page := 0; page < maxThreadPages; page++ {
		threads, next, err := r.threads.ListThreads(ctx, r.cfg.Repo, r.cfg.Number, cursor)
		if err != nil {
			r.log.Warn("review thread fetch failed", "page", page, "error", err)
			r.printf("review thread fetch failed: %v", err)
			if r.haveSnapshot {
				return r.lastUnresolved
			}
			return nil
		}
		for _, thread := range threads {
			if !thread.Resolved {
				unresolved = append(unresolved, thread)
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	r.lastUnresolved = unresolved
	r.haveSnapshot = true
	return unresolved
}

// countNew returns how many of the given threads were not seen on the
// previous iteration.
func (r *Runner) countNew(unresolved []Thread) int {
	count := 0
	for _, thread := range unresolved {
		if _, seen := r.knownThreads[thread.ID]; !seen {
			count++
		}
	}
	return count
}

// rememberThreads replaces the known-thread set with the current one.
func (r *Runner) rememberThreads(unresolved []Thread) {
	r.knownThreads = make(map[string]struct{}, len(unresolved))
	for _, thread := range unresolved {
		r.knownThreads[thread.ID] = struct{}{}
	}
}

func (r *Runner) emit(line string) {
	fmt.Fprintln(r.out, line)
}

func (r *Runner) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format+"\n", args...)
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
