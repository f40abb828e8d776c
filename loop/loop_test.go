package loop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ANonABento/clanker-spanker/marker"
)

type fakeCI struct {
	states []CIState
	errs   []error
	calls  int
}

func (f *fakeCI) CheckCI(ctx context.Context, repo string, number int) (CIState, error) {
	idx := f.calls
	if idx >= len(f.states) {
		idx = len(f.states) - 1
	}
	f.calls++
	var err error
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	return f.states[idx], err
}

type fakeThreads struct {
	pages [][]Thread // one entry per ListThreads call
	errs  []error
	calls int
}

func (f *fakeThreads) ListThreads(ctx context.Context, repo string, number int, cursor string) ([]Thread, string, error) {
	idx := f.calls
	if idx >= len(f.pages) {
		idx = len(f.pages) - 1
	}
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return nil, "", f.errs[idx]
	}
	return f.pages[idx], "", nil
}

type fixCall struct {
	kind    FixKind
	threads int
}

type fakeFixer struct {
	calls []fixCall
	err   error
}

func (f *fakeFixer) Invoke(ctx context.Context, kind FixKind, repo string, number int, threads []Thread) error {
	f.calls = append(f.calls, fixCall{kind: kind, threads: len(threads)})
	return f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(cfg Config, ci CIStatusChecker, threads ThreadLister, fixer FixInvoker, out io.Writer) *Runner {
	r := NewRunner(cfg, ci, threads, fixer, out, discardLogger())
	r.SetSleepFunc(func(ctx context.Context, d time.Duration) error { return nil })
	return r
}

func markersIn(out string) []marker.Marker {
	var found []marker.Marker
	for _, line := range strings.Split(out, "\n") {
		if m, ok := marker.Parse(line); ok {
			found = append(found, m)
		}
	}
	return found
}

func TestRunCleanFirstIteration(t *testing.T) {
	var out strings.Builder
	ci := &fakeCI{states: []CIState{CISuccess}}
	threads := &fakeThreads{pages: [][]Thread{{}}}
	fixer := &fakeFixer{}

	r := newTestRunner(Config{Repo: "o/r", Number: 7, MaxIterations: 5, IntervalMinutes: 1}, ci, threads, fixer, &out)
	outcome, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome != OutcomeClean {
		t.Errorf("expected clean outcome, got %s", outcome)
	}
	if len(fixer.calls) != 0 {
		t.Errorf("expected no fix invocations, got %d", len(fixer.calls))
	}

	ms := markersIn(out.String())
	if len(ms) == 0 {
		t.Fatal("expected markers in output")
	}
	last := ms[len(ms)-1]
	if last.Tag != marker.TagStatus || last.Payload != marker.StatusClean {
		t.Errorf("expected terminal clean marker, got %s:%s", last.Tag, last.Payload)
	}
}

func TestRunMaxIterations(t *testing.T) {
	var out strings.Builder
	ci := &fakeCI{states: []CIState{CISuccess}}
	threads := &fakeThreads{pages: [][]Thread{{{ID: "t1", Resolved: false}}}}
	fixer := &fakeFixer{}

	r := newTestRunner(Config{Repo: "o/r", Number: 7, MaxIterations: 3, IntervalMinutes: 1}, ci, threads, fixer, &out)
	outcome, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome != OutcomeMaxIterations {
		t.Errorf("expected max_iterations outcome, got %s", outcome)
	}
	if len(fixer.calls) != 3 {
		t.Errorf("expected 3 comment fix invocations, got %d", len(fixer.calls))
	}
	for _, call := range fixer.calls {
		if call.kind != FixComments {
			t.Errorf("expected comment fix, got %s", call.kind)
		}
	}

	ms := markersIn(out.String())
	last := ms[len(ms)-1]
	if last.Tag != marker.TagStatus || last.Payload != marker.StatusMaxIterations {
		t.Errorf("expected terminal max_iterations marker, got %s:%s", last.Tag, last.Payload)
	}
	// Only two sleeps between three iterations, none after the last.
	sleeps := 0
	for _, m := range ms {
		if m.Tag == marker.TagSleeping {
			sleeps++
		}
	}
	if sleeps != 2 {
		t.Errorf("expected 2 sleep markers, got %d", sleeps)
	}
}

func TestRunCIFailureTriggersFix(t *testing.T) {
	var out strings.Builder
	// Failing CI on iteration 1, green on iteration 2.
	ci := &fakeCI{states: []CIState{CIFailure, CISuccess}}
	threads := &fakeThreads{pages: [][]Thread{{}}}
	fixer := &fakeFixer{}

	r := newTestRunner(Config{Repo: "o/r", Number: 7, MaxIterations: 5, IntervalMinutes: 1}, ci, threads, fixer, &out)
	outcome, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome != OutcomeClean {
		t.Errorf("expected clean outcome, got %s", outcome)
	}
	if len(fixer.calls) != 1 || fixer.calls[0].kind != FixCI {
		t.Fatalf("expected exactly one CI fix invocation, got %+v", fixer.calls)
	}
}

func TestRunPendingCIWaitsThenProceeds(t *testing.T) {
	var out strings.Builder
	// Pending forever: 1 initial query + 3 re-queries per iteration.
	ci := &fakeCI{states: []CIState{CIPending}}
	threads := &fakeThreads{pages: [][]Thread{{}}}
	fixer := &fakeFixer{}

	sleeps := 0
	r := newTestRunner(Config{Repo: "o/r", Number: 7, MaxIterations: 1, IntervalMinutes: 1}, ci, threads, fixer, &out)
	r.SetSleepFunc(func(ctx context.Context, d time.Duration) error {
		sleeps++
		return nil
	})

	outcome, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// Pending CI with no comments is not clean, so the single iteration
	// exhausts the budget.
	if outcome != OutcomeMaxIterations {
		t.Errorf("expected max_iterations outcome, got %s", outcome)
	}
	if ci.calls != 4 {
		t.Errorf("expected 4 CI queries (1 + 3 waits), got %d", ci.calls)
	}
	if sleeps != 3 {
		t.Errorf("expected 3 CI wait sleeps, got %d", sleeps)
	}

	waits := 0
	for _, m := range markersIn(out.String()) {
		if m.Tag == marker.TagCIWait {
			waits++
		}
	}
	if waits != 3 {
		t.Errorf("expected 3 CI_WAIT markers, got %d", waits)
	}
}

func TestRunCIErrorTreatedAsPending(t *testing.T) {
	var out strings.Builder
	ci := &fakeCI{
		states: []CIState{"", CISuccess},
		errs:   []error{errors.New("gh exploded")},
	}
	threads := &fakeThreads{pages: [][]Thread{{}}}
	fixer := &fakeFixer{}

	r := newTestRunner(Config{Repo: "o/r", Number: 7, MaxIterations: 2, IntervalMinutes: 1}, ci, threads, fixer, &out)
	outcome, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome != OutcomeClean {
		t.Errorf("expected clean outcome after CI recovers, got %s", outcome)
	}
}

func TestRunThreadFetchErrorUsesSnapshot(t *testing.T) {
	var out strings.Builder
	ci := &fakeCI{states: []CIState{CISuccess}}
	// Iteration 1 sees one unresolved thread, iteration 2's fetch fails.
	// The snapshot keeps the PR dirty instead of faking a clean result.
	threads := &fakeThreads{
		pages: [][]Thread{{{ID: "t1"}}, nil, {{ID: "t1"}}},
		errs:  []error{nil, errors.New("network down")},
	}
	fixer := &fakeFixer{}

	r := newTestRunner(Config{Repo: "o/r", Number: 7, MaxIterations: 2, IntervalMinutes: 1}, ci, threads, fixer, &out)
	outcome, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome != OutcomeMaxIterations {
		t.Errorf("expected max_iterations outcome, got %s", outcome)
	}
	if len(fixer.calls) != 2 {
		t.Errorf("expected comment fix on both iterations, got %d", len(fixer.calls))
	}
}

func TestRunResolvedThreadsIgnored(t *testing.T) {
	var out strings.Builder
	ci := &fakeCI{states: []CIState{CISuccess}}
	threads := &fakeThreads{pages: [][]Thread{{
		{ID: "t1", Resolved: true},
		{ID: "t2", Resolved: true},
	}}}
	fixer := &fakeFixer{}

	r := newTestRunner(Config{Repo: "o/r", Number: 7, MaxIterations: 3, IntervalMinutes: 1}, ci, threads, fixer, &out)
	outcome, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome != OutcomeClean {
		t.Errorf("expected clean outcome, got %s", outcome)
	}
}

func TestRunCancelDuringSleep(t *testing.T) {
	var out strings.Builder
	ci := &fakeCI{states: []CIState{CISuccess}}
	threads := &fakeThreads{pages: [][]Thread{{{ID: "t1"}}}}
	fixer := &fakeFixer{}

	ctx, cancel := context.WithCancel(context.Background())
	r := newTestRunner(Config{Repo: "o/r", Number: 7, MaxIterations: 5, IntervalMinutes: 1}, ci, threads, fixer, &out)
	r.SetSleepFunc(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	})

	_, err := r.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// No terminal marker on cancellation.
	for _, m := range markersIn(out.String()) {
		if m.IsTerminal() {
			t.Errorf("unexpected terminal marker after cancel: %s:%s", m.Tag, m.Payload)
		}
	}
}

func TestCountNewThreads(t *testing.T) {
	r := newTestRunner(Config{}, nil, nil, nil, io.Discard)
	first := []Thread{{ID: "a"}, {ID: "b"}}
	if got := r.countNew(first); got != 2 {
		t.Errorf("expected 2 new, got %d", got)
	}
	r.rememberThreads(first)

	second := []Thread{{ID: "b"}, {ID: "c"}}
	if got := r.countNew(second); got != 1 {
		t.Errorf("expected 1 new, got %d", got)
	}
}
