package github

import (
	"context"
	"os"
	"strings"

	"github.com/ANonABento/clanker-spanker/exec"
	"github.com/ANonABento/clanker-spanker/logger"
	"github.com/ANonABento/clanker-spanker/loop"
)

// CloneResolver maps "owner/name" identifiers to local clone paths by
// inspecting the origin remote of each configured repository.
type CloneResolver struct {
	executor exec.CommandExecutor
	repos    []string
}

// NewCloneResolver creates a resolver over the given local clone paths.
func NewCloneResolver(executor exec.CommandExecutor, repos []string) *CloneResolver {
	return &CloneResolver{executor: executor, repos: repos}
}

// Resolve returns the local clone path whose origin remote matches repo.
// Returns ok=false when no configured clone matches.
func (r *CloneResolver) Resolve(ctx context.Context, repo string) (string, bool) {
	log := logger.WithComponent("github")

	for _, path := range r.repos {
		if _, err := os.Stat(path); err != nil {
			log.Debug("skipping missing repo path", "path", path)
			continue
		}
		output, err := r.executor.Output(ctx, path, "git", "remote", "get-url", "origin")
		if err != nil {
			log.Debug("failed to read origin remote", "path", path, "error", err)
			continue
		}
		if remoteMatchesRepo(strings.TrimSpace(string(output)), repo) {
			return path, true
		}
	}
	return "", false
}

// remoteMatchesRepo reports whether a git remote URL refers to the given
// "owner/name" repository. Handles https, ssh, and git@ URL forms, with or
// without a trailing .git.
func remoteMatchesRepo(remote, repo string) bool {
	remote = strings.TrimSuffix(remote, ".git")
	remote = strings.TrimSuffix(remote, "/")

	// git@github.com:owner/name → owner/name
	if _, after, ok := strings.Cut(remote, ":"); ok && strings.Contains(after, "/") && !strings.Contains(after, "//") {
		if strings.EqualFold(after, repo) {
			return true
		}
	}

	// https://github.com/owner/name → owner/name (last two path segments)
	parts := strings.Split(remote, "/")
	if len(parts) >= 2 {
		tail := parts[len(parts)-2] + "/" + parts[len(parts)-1]
		if strings.EqualFold(tail, repo) {
			return true
		}
	}
	return false
}

var _ loop.CloneResolver = (*CloneResolver)(nil)
