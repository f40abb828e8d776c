// Package github implements the loop's collaborator interfaces on top of the
// gh CLI: CI status checks, paginated review-thread listing, local clone
// resolution, and Claude-driven fix invocation.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ANonABento/clanker-spanker/exec"
	"github.com/ANonABento/clanker-spanker/loop"
)

// Client drives the gh CLI. The zero value is not usable; construct with New.
type Client struct {
	executor exec.CommandExecutor
	workDir  string // working directory for gh invocations, may be empty
}

// New creates a Client that runs gh through the given executor.
func New(executor exec.CommandExecutor) *Client {
	return &Client{executor: executor}
}

// SetWorkDir sets the working directory for subsequent gh invocations.
func (c *Client) SetWorkDir(dir string) {
	c.workDir = dir
}

// CheckCI returns the overall CI state for a PR using `gh pr checks`.
// No configured checks counts as success: there is nothing left to turn green.
func (c *Client) CheckCI(ctx context.Context, repo string, number int) (loop.CIState, error) {
	output, err := c.executor.Output(ctx, c.workDir, "gh", "pr", "checks",
		strconv.Itoa(number), "--repo", repo, "--json", "state")
	// gh pr checks exits non-zero when checks fail or are pending, but still
	// prints the JSON. Only treat it as an error when there is no output to
	// parse (network failure, nonexistent PR).
	if err != nil && len(output) == 0 {
		return CIPendingDefault, fmt.Errorf("gh pr checks failed with no output: %w", err)
	}

	var checks []struct {
		State string `json:"state"`
	}
	if jsonErr := json.Unmarshal(output, &checks); jsonErr != nil {
		return CIPendingDefault, fmt.Errorf("failed to parse gh pr checks output: %w", jsonErr)
	}

	if len(checks) == 0 {
		return loop.CISuccess, nil
	}

	hasFailing := false
	hasPending := false
	for _, check := range checks {
		switch check.State {
		case "FAILURE", "ERROR", "CANCELLED":
			hasFailing = true
		case "PENDING", "QUEUED", "IN_PROGRESS", "WAITING", "REQUESTED":
			hasPending = true
		}
	}
	if hasFailing {
		return loop.CIFailure, nil
	}
	if hasPending {
		return loop.CIPending, nil
	}
	return loop.CISuccess, nil
}

// CIPendingDefault is the state reported alongside an error: callers that
// ignore the error degrade to "pending", which never terminates the loop.
const CIPendingDefault = loop.CIPending

// reviewThreadsQuery pages through a PR's review threads.
const reviewThreadsQuery = `
query($owner: String!, $name: String!, $number: Int!, $cursor: String) {
  repository(owner: $owner, name: $name) {
    pullRequest(number: $number) {
      reviewThreads(first: ` + threadPageSizeLiteral + `, after: $cursor) {
        pageInfo { hasNextPage endCursor }
        nodes {
          id
          isResolved
          path
          line
          comments(first: 1) {
            nodes {
              author { login }
              body
            }
          }
        }
      }
    }
  }
}`

// threadPageSizeLiteral is the per-page thread count, inlined into the query.
const threadPageSizeLiteral = "50"

// graphQL response shape for reviewThreadsQuery.
type threadsResponse struct {
	Data struct {
		Repository struct {
			PullRequest struct {
				ReviewThreads struct {
					PageInfo struct {
						HasNextPage bool   `json:"hasNextPage"`
						EndCursor   string `json:"endCursor"`
					} `json:"pageInfo"`
					Nodes []struct {
						ID         string `json:"id"`
						IsResolved bool   `json:"isResolved"`
						Path       string `json:"path"`
						Line       int    `json:"line"`
						Comments   struct {
							Nodes []struct {
								Author struct {
									Login string `json:"login"`
								} `json:"author"`
								Body string `json:"body"`
							} `json:"nodes"`
						} `json:"comments"`
					} `json:"nodes"`
				} `json:"reviewThreads"`
			} `json:"pullRequest"`
		} `json:"repository"`
	} `json:"data"`
}

// ListThreads fetches one page of review threads via the GraphQL API.
// An empty cursor requests the first page; the returned nextCursor is empty
// once the last page has been read.
func (c *Client) ListThreads(ctx context.Context, repo string, number int, cursor string) ([]loop.Thread, string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, "", err
	}

	args := []string{"api", "graphql",
		"-f", "query=" + reviewThreadsQuery,
		"-f", "owner=" + owner,
		"-f", "name=" + name,
		"-F", "number=" + strconv.Itoa(number),
	}
	if cursor != "" {
		args = append(args, "-f", "cursor="+cursor)
	}

	output, err := c.executor.Output(ctx, c.workDir, "gh", args...)
	if err != nil {
		return nil, "", fmt.Errorf("gh api graphql failed: %w", err)
	}

	var resp threadsResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, "", fmt.Errorf("failed to parse review threads: %w", err)
	}

	rt := resp.Data.Repository.PullRequest.ReviewThreads
	threads := make([]loop.Thread, 0, len(rt.Nodes))
	for _, node := range rt.Nodes {
		thread := loop.Thread{
			ID:       node.ID,
			Resolved: node.IsResolved,
			Path:     node.Path,
			Line:     node.Line,
		}
		if len(node.Comments.Nodes) > 0 {
			first := node.Comments.Nodes[0]
			thread.Author = first.Author.Login
			thread.Body = first.Body
		}
		threads = append(threads, thread)
	}

	nextCursor := ""
	if rt.PageInfo.HasNextPage {
		nextCursor = rt.PageInfo.EndCursor
	}
	return threads, nextCursor, nil
}

// splitRepo splits "owner/name" into its parts.
func splitRepo(repo string) (owner, name string, err error) {
	for i := 0; i < len(repo); i++ {
		if repo[i] == '/' {
			owner, name = repo[:i], repo[i+1:]
			if owner == "" || name == "" {
				break
			}
			return owner, name, nil
		}
	}
	return "", "", fmt.Errorf("invalid repository identifier %q (want owner/name)", repo)
}

// Compile-time interface satisfaction checks.
var _ loop.CIStatusChecker = (*Client)(nil)
var _ loop.ThreadLister = (*Client)(nil)
