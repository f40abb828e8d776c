package github

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ANonABento/clanker-spanker/exec"
	"github.com/ANonABento/clanker-spanker/loop"
)

func checksResponse(states ...string) []byte {
	out := []byte("[")
	for i, s := range states {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, []byte(`{"state":"`+s+`"}`)...)
	}
	return append(out, ']')
}

func TestCheckCIStates(t *testing.T) {
	tests := []struct {
		name   string
		states []string
		want   loop.CIState
	}{
		{"all passing", []string{"SUCCESS", "SUCCESS"}, loop.CISuccess},
		{"one failing", []string{"SUCCESS", "FAILURE"}, loop.CIFailure},
		{"errored check", []string{"ERROR"}, loop.CIFailure},
		{"cancelled check", []string{"CANCELLED"}, loop.CIFailure},
		{"one pending", []string{"SUCCESS", "IN_PROGRESS"}, loop.CIPending},
		{"queued", []string{"QUEUED"}, loop.CIPending},
		{"failing beats pending", []string{"FAILURE", "IN_PROGRESS"}, loop.CIFailure},
		{"no checks configured", nil, loop.CISuccess},
		{"skipped counts as neither", []string{"SKIPPED", "SUCCESS"}, loop.CISuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := exec.NewMockExecutor(nil)
			mock.AddPrefixMatch("gh", []string{"pr", "checks"}, exec.MockResponse{
				Stdout: checksResponse(tt.states...),
			})

			client := New(mock)
			got, err := client.CheckCI(context.Background(), "owner/repo", 5)
			if err != nil {
				t.Fatalf("CheckCI failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestCheckCINonzeroExitWithOutput(t *testing.T) {
	// gh pr checks exits 1 when a check fails but still prints JSON.
	mock := exec.NewMockExecutor(nil)
	mock.AddPrefixMatch("gh", []string{"pr", "checks"}, exec.MockResponse{
		Stdout: checksResponse("FAILURE"),
		Err:    errors.New("exit status 1"),
	})

	client := New(mock)
	got, err := client.CheckCI(context.Background(), "owner/repo", 5)
	if err != nil {
		t.Fatalf("CheckCI failed: %v", err)
	}
	if got != loop.CIFailure {
		t.Errorf("expected failure, got %s", got)
	}
}

func TestCheckCIErrorWithoutOutput(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddPrefixMatch("gh", []string{"pr", "checks"}, exec.MockResponse{
		Err: errors.New("could not resolve host"),
	})

	client := New(mock)
	if _, err := client.CheckCI(context.Background(), "owner/repo", 5); err == nil {
		t.Fatal("expected error when gh produces no output")
	}
}

func TestListThreads(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddPrefixMatch("gh", []string{"api", "graphql"}, exec.MockResponse{
		Stdout: []byte(`{"data":{"repository":{"pullRequest":{"reviewThreads":{
			"pageInfo":{"hasNextPage":false,"endCursor":"C1"},
			"nodes":[
				{"id":"T1","isResolved":false,"path":"main.go","line":10,
				 "comments":{"nodes":[{"author":{"login":"reviewer"},"body":"fix this"}]}},
				{"id":"T2","isResolved":true,"path":"util.go","line":3,
				 "comments":{"nodes":[]}}
			]}}}}}`),
	})

	client := New(mock)
	threads, next, err := client.ListThreads(context.Background(), "owner/repo", 5, "")
	if err != nil {
		t.Fatalf("ListThreads failed: %v", err)
	}
	if next != "" {
		t.Errorf("expected no next cursor on last page, got %q", next)
	}
	if len(threads) != 2 {
		t.Fatalf("expected 2 threads, got %d", len(threads))
	}
	if threads[0].ID != "T1" || threads[0].Resolved || threads[0].Author != "reviewer" {
		t.Errorf("unexpected first thread: %+v", threads[0])
	}
	if !threads[1].Resolved || threads[1].Author != "" {
		t.Errorf("unexpected second thread: %+v", threads[1])
	}

	// The first page request carries no cursor variable.
	for _, call := range mock.GetCalls() {
		for _, arg := range call.Args {
			if arg == "cursor=" {
				t.Error("empty cursor should not be sent")
			}
		}
	}
}

func TestListThreadsPagination(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	// First call (no cursor arg) reports another page; the cursor-bearing
	// call returns the final page.
	mock.AddRule(func(dir, name string, args []string) bool {
		if name != "gh" {
			return false
		}
		for _, arg := range args {
			if arg == "cursor=C1" {
				return true
			}
		}
		return false
	}, exec.MockResponse{
		Stdout: []byte(`{"data":{"repository":{"pullRequest":{"reviewThreads":{
			"pageInfo":{"hasNextPage":false,"endCursor":"C2"},
			"nodes":[{"id":"T3","isResolved":false,"comments":{"nodes":[]}}]}}}}}`),
	})
	mock.AddPrefixMatch("gh", []string{"api", "graphql"}, exec.MockResponse{
		Stdout: []byte(`{"data":{"repository":{"pullRequest":{"reviewThreads":{
			"pageInfo":{"hasNextPage":true,"endCursor":"C1"},
			"nodes":[{"id":"T1","isResolved":false,"comments":{"nodes":[]}}]}}}}}`),
	})

	client := New(mock)

	threads, next, err := client.ListThreads(context.Background(), "owner/repo", 5, "")
	if err != nil {
		t.Fatalf("first page failed: %v", err)
	}
	if next != "C1" {
		t.Fatalf("expected cursor C1, got %q", next)
	}
	if len(threads) != 1 || threads[0].ID != "T1" {
		t.Errorf("unexpected first page: %+v", threads)
	}

	threads, next, err = client.ListThreads(context.Background(), "owner/repo", 5, next)
	if err != nil {
		t.Fatalf("second page failed: %v", err)
	}
	if next != "" {
		t.Errorf("expected empty cursor after last page, got %q", next)
	}
	if len(threads) != 1 || threads[0].ID != "T3" {
		t.Errorf("unexpected second page: %+v", threads)
	}
}

func TestListThreadsInvalidRepo(t *testing.T) {
	client := New(exec.NewMockExecutor(nil))
	if _, _, err := client.ListThreads(context.Background(), "not-a-repo", 5, ""); err == nil {
		t.Fatal("expected error for repo without owner")
	}
}

func TestSplitRepo(t *testing.T) {
	owner, name, err := splitRepo("octo/hello")
	if err != nil || owner != "octo" || name != "hello" {
		t.Errorf("unexpected result: %s %s %v", owner, name, err)
	}
	for _, bad := range []string{"", "noslash", "/name", "owner/"} {
		if _, _, err := splitRepo(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestRemoteMatchesRepo(t *testing.T) {
	tests := []struct {
		remote string
		repo   string
		want   bool
	}{
		{"https://github.com/owner/repo.git", "owner/repo", true},
		{"https://github.com/owner/repo", "owner/repo", true},
		{"git@github.com:owner/repo.git", "owner/repo", true},
		{"ssh://git@github.com/owner/repo.git", "owner/repo", true},
		{"https://github.com/Owner/Repo", "owner/repo", true},
		{"https://github.com/other/repo.git", "owner/repo", false},
		{"https://github.com/owner/other", "owner/repo", false},
	}
	for _, tt := range tests {
		if got := remoteMatchesRepo(tt.remote, tt.repo); got != tt.want {
			t.Errorf("remoteMatchesRepo(%q, %q) = %v, want %v", tt.remote, tt.repo, got, tt.want)
		}
	}
}

func TestCloneResolver(t *testing.T) {
	match := t.TempDir()
	other := t.TempDir()

	mock := exec.NewMockExecutor(nil)
	mock.AddRule(func(dir, name string, args []string) bool {
		return name == "git" && dir == match
	}, exec.MockResponse{Stdout: []byte("git@github.com:owner/repo.git\n")})
	mock.AddRule(func(dir, name string, args []string) bool {
		return name == "git" && dir == other
	}, exec.MockResponse{Stdout: []byte("https://github.com/owner/unrelated.git\n")})

	resolver := NewCloneResolver(mock, []string{other, "/does/not/exist", match})
	path, ok := resolver.Resolve(context.Background(), "owner/repo")
	if !ok {
		t.Fatal("expected a match")
	}
	if path != match {
		t.Errorf("expected %s, got %s", match, path)
	}

	if _, ok := resolver.Resolve(context.Background(), "owner/missing"); ok {
		t.Error("expected no match for unknown repo")
	}
}

func TestFixRunnerPrompts(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	runner := NewFixRunner(mock, "/work")

	threads := []loop.Thread{
		{ID: "T1", Author: "reviewer", Body: "rename this", Path: "main.go", Line: 12},
		{ID: "T2", Resolved: true, Author: "reviewer", Body: "resolved already"},
	}
	if err := runner.Invoke(context.Background(), loop.FixComments, "owner/repo", 5, threads); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if err := runner.Invoke(context.Background(), loop.FixCI, "owner/repo", 5, nil); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if err := runner.Invoke(context.Background(), loop.FixKind("bogus"), "owner/repo", 5, nil); err == nil {
		t.Error("expected error for unknown fix kind")
	}

	calls := mock.GetCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 claude invocations, got %d", len(calls))
	}
	for _, call := range calls {
		if call.Name != "claude" || call.Dir != "/work" {
			t.Errorf("unexpected call: %+v", call)
		}
	}

	commentPrompt := promptArg(t, calls[0].Args)
	if !strings.Contains(commentPrompt, "rename this") {
		t.Error("comment prompt missing thread body")
	}
	if strings.Contains(commentPrompt, "resolved already") {
		t.Error("comment prompt includes resolved thread")
	}
	ciPrompt := promptArg(t, calls[1].Args)
	if !strings.Contains(ciPrompt, "gh pr checks 5") {
		t.Error("CI prompt missing checks command")
	}
}

func promptArg(t *testing.T, args []string) string {
	t.Helper()
	for i, arg := range args {
		if arg == "-p" && i+1 < len(args) {
			return args[i+1]
		}
	}
	t.Fatal("no -p argument found")
	return ""
}
