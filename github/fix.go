package github

import (
	"context"
	"fmt"
	"strings"

	"github.com/ANonABento/clanker-spanker/exec"
	"github.com/ANonABento/clanker-spanker/logger"
	"github.com/ANonABento/clanker-spanker/loop"
)

// maxThreadsInPrompt caps how many review threads are inlined into a fix
// prompt so a heavily-reviewed PR doesn't blow out the context.
const maxThreadsInPrompt = 30

// FixRunner invokes the Claude CLI to remediate a PR. It satisfies
// loop.FixInvoker; the loop treats invocations as fire-and-forget.
type FixRunner struct {
	executor exec.CommandExecutor
	workDir  string
}

// NewFixRunner creates a FixRunner that runs claude in workDir.
func NewFixRunner(executor exec.CommandExecutor, workDir string) *FixRunner {
	return &FixRunner{executor: executor, workDir: workDir}
}

// Invoke runs one remediation pass. The kind selects the prompt: a CI fix
// asks Claude to diagnose failing checks, a comment fix hands it the
// unresolved threads to address.
func (f *FixRunner) Invoke(ctx context.Context, kind loop.FixKind, repo string, number int, threads []loop.Thread) error {
	log := logger.WithComponent("fix")

	var prompt string
	switch kind {
	case loop.FixCI:
		prompt = ciFixPrompt(repo, number)
	case loop.FixComments:
		prompt = commentFixPrompt(repo, number, threads)
	default:
		return fmt.Errorf("unknown fix kind %q", kind)
	}

	log.Info("invoking fix", "kind", kind, "repo", repo, "pr", number)
	output, err := f.executor.CombinedOutput(ctx, f.workDir, "claude",
		"--print", "-p", prompt,
		"--allowedTools", "Bash", "--allowedTools", "Edit", "--allowedTools", "Write")
	if err != nil {
		return fmt.Errorf("claude fix invocation failed: %w", err)
	}

	log.Debug("fix invocation finished", "kind", kind, "outputBytes", len(output))
	return nil
}

func ciFixPrompt(repo string, number int) string {
	return fmt.Sprintf(`CI is failing on pull request #%d in %s.

Run 'gh pr checks %d --repo %s' to see which checks failed, inspect the
failing logs with 'gh run view', reproduce the failure locally, fix the
code, and push the fix to the PR branch. Commit with a concise message
describing the fix.`, number, repo, number, repo)
}

func commentFixPrompt(repo string, number int, threads []loop.Thread) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `Address the unresolved review comments on pull request #%d in %s.

For each comment below: make the requested change if it is reasonable, or
reply on the thread explaining why not. Push all changes to the PR branch.

Unresolved review comments:
`, number, repo)

	count := 0
	for _, thread := range threads {
		if thread.Resolved {
			continue
		}
		count++
		if count > maxThreadsInPrompt {
			fmt.Fprintf(&sb, "\n(and %d more threads, run 'gh pr view %d --repo %s' for the rest)\n",
				len(threads)-maxThreadsInPrompt, number, repo)
			break
		}
		if thread.Path != "" {
			fmt.Fprintf(&sb, "\n- %s:%d (%s): %s\n", thread.Path, thread.Line, thread.Author, thread.Body)
		} else {
			fmt.Fprintf(&sb, "\n- (%s): %s\n", thread.Author, thread.Body)
		}
	}

	return sb.String()
}

var _ loop.FixInvoker = (*FixRunner)(nil)
