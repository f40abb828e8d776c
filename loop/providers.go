package loop

import "context"

// CIState is the tri-state CI result the loop acts on.
type CIState string

const (
	CISuccess CIState = "success"
	CIFailure CIState = "failure"
	CIPending CIState = "pending"
)

// Thread is one review thread on a pull request. Threads resolve
// independently; the loop only acts on unresolved ones.
type Thread struct {
	ID       string
	Resolved bool
	Author   string
	Body     string
	Path     string
	Line     int
}

// FixKind selects which remediation the invoker performs.
type FixKind string

const (
	FixCI       FixKind = "ci"
	FixComments FixKind = "comments"
)

// CIStatusChecker reports the overall CI state for a PR.
type CIStatusChecker interface {
	CheckCI(ctx context.Context, repo string, number int) (CIState, error)
}

// ThreadLister fetches one page of review threads for a PR. An empty cursor
// requests the first page; an empty nextCursor means no more pages.
type ThreadLister interface {
	ListThreads(ctx context.Context, repo string, number int, cursor string) (threads []Thread, nextCursor string, err error)
}

// FixInvoker runs one remediation action. Invocations are fire-and-forget
// from the loop's perspective: the loop logs the error but never consumes a
// structured result — the next iteration re-checks CI and threads instead.
type FixInvoker interface {
	Invoke(ctx context.Context, kind FixKind, repo string, number int, threads []Thread) error
}

// CloneResolver maps a repository identifier ("owner/name") to a local
// working directory, if one is known.
type CloneResolver interface {
	Resolve(ctx context.Context, repo string) (path string, ok bool)
}
